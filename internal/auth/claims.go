package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// Group invariant: GroupID must be present; call ids are scoped by it.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string    `json:"user_id"`
	GroupID     string    `json:"group_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        string    `json:"role"`
	TokenType   TokenType `json:"token_type"`
}

// Identity is the caller as seen by handlers.
type Identity struct {
	UserID      string `json:"user_id"`
	GroupID     string `json:"group_id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role"`
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, GroupID: c.GroupID, DisplayName: c.DisplayName, Role: c.Role}
}
