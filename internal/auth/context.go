package auth

import (
	"context"
	"errors"
)

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, error) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	if !ok || id.UserID == "" {
		return Identity{}, errors.New("identity not in context")
	}
	return id, nil
}

func UserID(ctx context.Context) (string, error) {
	id, err := IdentityFrom(ctx)
	if err != nil {
		return "", errors.New("user_id not in context")
	}
	return id.UserID, nil
}

func GroupID(ctx context.Context) (string, error) {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	if id.GroupID == "" {
		return "", errors.New("group_id not in context")
	}
	return id.GroupID, nil
}

func Role(ctx context.Context) (string, error) {
	id, _ := ctx.Value(ctxKey{}).(Identity)
	if id.Role == "" {
		return "", errors.New("role not in context")
	}
	return id.Role, nil
}
