package auth

import "errors"

var (
	ErrMissingToken   = errors.New("auth: missing bearer token")
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrForbidden      = errors.New("auth: forbidden")
	ErrTenantMismatch = errors.New("auth: token issued for another tenant")
)
