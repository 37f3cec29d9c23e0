package cache

import "errors"

var (
	ErrInvalidConfig = errors.New("invalid cache configuration")
	ErrInvalidDriver = errors.New("invalid cache driver")
	ErrClosed        = errors.New("cache is closed")
)
