package auth

import (
	"errors"
	"fmt"
	"time"

	"chatcall/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrTokenType       = errors.New("auth: unexpected token type")
	ErrIncompleteClaim = errors.New("auth: incomplete identity claims")
)

// clockSkew is tolerated on iat/exp checks.
const clockSkew = 30 * time.Second

// Manager signs and checks HS256 tokens for call participants. A participant
// is identified by the (group, user) pair; display name and role ride along
// on access tokens only.
type Manager struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(cfg config.AuthConfig) (*Manager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return &Manager{
		secret:     []byte(cfg.JWTSecret),
		issuer:     cfg.JWTIssuer,
		audience:   cfg.JWTAudience,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}, nil
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IssuePair signs an access token for id and a refresh token that names only
// the participant.
func (m *Manager) IssuePair(now time.Time, id Identity) (TokenPair, error) {
	if id.UserID == "" || id.GroupID == "" {
		return TokenPair{}, fmt.Errorf("%w: user_id and group_id are required", ErrIncompleteClaim)
	}

	var pair TokenPair
	var err error
	if pair.AccessToken, err = m.sign(m.claimsFor(now, TokenTypeAccess, id, m.accessTTL)); err != nil {
		return TokenPair{}, err
	}
	participant := Identity{UserID: id.UserID, GroupID: id.GroupID}
	if pair.RefreshToken, err = m.sign(m.claimsFor(now, TokenTypeRefresh, participant, m.refreshTTL)); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Verify checks signature, registered claims at now, and that the token is
// of the expected kind and names a complete participant.
func (m *Manager) Verify(tokenString string, expected TokenType, now time.Time) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(tokenString, &claims, m.key); err != nil {
		return Claims{}, err
	}
	if err := m.validator(now).Validate(claims.RegisteredClaims); err != nil {
		return Claims{}, err
	}
	if err := checkParticipant(claims, expected); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func (m *Manager) key(*jwt.Token) (any, error) { return m.secret, nil }

func (m *Manager) validator(now time.Time) *jwt.Validator {
	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(clockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}
	return jwt.NewValidator(opts...)
}

func checkParticipant(c Claims, expected TokenType) error {
	switch {
	case c.TokenType != expected:
		return fmt.Errorf("%w: got %q, want %q", ErrTokenType, c.TokenType, expected)
	case c.UserID == "" || c.GroupID == "":
		return fmt.Errorf("%w: user_id and group_id", ErrIncompleteClaim)
	case expected == TokenTypeAccess && c.Role == "":
		// Call routes authorize on role.
		return fmt.Errorf("%w: role", ErrIncompleteClaim)
	}
	return nil
}

func (m *Manager) claimsFor(now time.Time, kind TokenType, id Identity, ttl time.Duration) Claims {
	var aud jwt.ClaimStrings
	if m.audience != "" {
		aud = jwt.ClaimStrings{m.audience}
	}
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   id.GroupID + "/" + id.UserID,
			Audience:  aud,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:      id.UserID,
		GroupID:     id.GroupID,
		DisplayName: id.DisplayName,
		Role:        id.Role,
		TokenType:   kind,
	}
}

func (m *Manager) sign(c Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}
