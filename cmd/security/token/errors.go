package token

import "errors"

// Public, stable errors for callers.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrConfig       = errors.New("invalid token config")
	ErrNoSecretKey  = errors.New("token secret key missing")
)
