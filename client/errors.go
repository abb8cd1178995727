package client

import "errors"

var (
	ErrNotBound = errors.New("client not bound to a relay")
	ErrClosed   = errors.New("client closed")
)
