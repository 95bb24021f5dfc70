// Package identity defines the authentication provider contract and a local
// email/password backend. The rest of the system only depends on the
// Provider interface; swapping in a hosted provider means implementing it.
package identity

import (
	"context"
	"errors"

	"github.com/efox/shoplist/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrInvalidResetCode   = errors.New("invalid or expired reset code")
)

// Provider is the authentication contract. SignUp and SignIn return the user
// record together with an opaque session token. Verify resolves a session
// token to its user, returning (nil, nil) for unknown or expired sessions.
//
// Subscribe registers for identity-change events: the callback receives the
// uid and the user on sign-in, or the uid and nil on sign-out.
type Provider interface {
	SignUp(ctx context.Context, email, password, displayName string) (*model.User, string, error)
	SignIn(ctx context.Context, email, password string) (*model.User, string, error)
	SignOut(ctx context.Context, token string) error
	ResetPassword(ctx context.Context, email string) error
	ConfirmReset(ctx context.Context, email, code, newPassword string) error
	Verify(ctx context.Context, token string) (*model.User, error)
	Subscribe(fn func(uid string, user *model.User)) func()
}
