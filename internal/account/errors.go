package account

import "errors"

// ErrInvalidUsername is returned when a username fails the [A-Za-z0-9_-]+
// format rule.
var ErrInvalidUsername = errors.New("invalid username")

// ErrQuotaExceeded is returned when creating an account would exceed
// max_users.
var ErrQuotaExceeded = errors.New("account quota exceeded")

// ErrPasswordAuthDisabled is returned when password mode is requested but
// policy requires key auth.
var ErrPasswordAuthDisabled = errors.New("password authentication disabled by policy")

// ErrPasswordTooShort is returned when a supplied password does not meet
// min_password_length.
var ErrPasswordTooShort = errors.New("password below minimum length")
