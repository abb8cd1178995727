package pool

import "errors"

var ErrStopped = errors.New("pool stopped")
