package config

import "errors"

var (
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrUnsupportedBootMode = errors.New("unsupported boot mode")
)
