package domain

import "errors"

var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrInviteCodeNotFound is returned when no invite code matches the lookup.
	ErrInviteCodeNotFound = errors.New("invite code not found")
	// ErrInviteCodeExhausted is returned when a use could not be recorded
	// because the code stopped being usable.
	ErrInviteCodeExhausted = errors.New("invite code is no longer usable")
	// ErrAlreadyAttributed is returned when a referral write finds the user
	// already credited to a referrer.
	ErrAlreadyAttributed = errors.New("user already attributed")
	// ErrUserExists is returned when a user insert collides with a stored row.
	ErrUserExists = errors.New("user already exists")
)
