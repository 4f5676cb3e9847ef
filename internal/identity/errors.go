package identity

import "errors"

var (
	ErrDuplicateHandle     = errors.New("handle already verified to another member")
	ErrCodeNotFound        = errors.New("verification code not found")
	ErrCodeExpired         = errors.New("verification code expired")
	ErrCodeAlreadyConsumed = errors.New("verification code already consumed")

	// ErrAlreadyVerified is a store signal: the (member, platform) pair is terminal.
	ErrAlreadyVerified = errors.New("platform already verified")
	// ErrCodeCollision is a store signal: the generated code value is in use.
	ErrCodeCollision = errors.New("verification code collision")
)
