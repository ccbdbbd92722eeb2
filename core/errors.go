package core

import "errors"

var (
	ErrNotFound             = errors.New("key not found")
	ErrSecretTooShort       = errors.New("server secret is too short")
	ErrUnknownChallengeType = errors.New("unknown challenge type")
)
