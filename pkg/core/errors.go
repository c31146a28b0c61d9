package core

import (
	"errors"
)

var (
	ErrNotFound     = errors.New("kvs: not found")
	ErrInvalidInput = errors.New("kvs: invalid input")
	ErrCorrupt      = errors.New("kvs: corrupt data")
	ErrTooLarge     = errors.New("kvs: too large")
	ErrClosed       = errors.New("kvs: store closed")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
