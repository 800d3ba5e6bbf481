package config

import "errors"

var (
	ErrMissingRequired = errors.New("config: missing required setting")
	ErrInvalidConfig   = errors.New("config: invalid setting")
)
