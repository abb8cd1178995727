// Package errs holds the error kinds shared by the transport, the route
// service, the relay and the client, together with their wire codes.
package errs

import (
	"errors"
	"fmt"
)

// Wire codes carried in route JSON replies and ACK frames. 0 is success.
const (
	CodeOK                 = 0
	CodeMalformedFrame     = 1
	CodeAuthFailed         = 2
	CodeAlreadyOnline      = 3
	CodeLoginRejected      = 4
	CodeUserExists         = 5
	CodeNotFound           = 6
	CodeReconnectExhausted = 7
	CodeUpstreamTimeout    = 8
	CodeInternal           = 9
)

var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrAlreadyOnline      = errors.New("user already online")
	ErrLoginRejected      = errors.New("login rejected")
	ErrUserExists         = errors.New("user already exists")
	ErrNotFound           = errors.New("not found")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrUpstreamTimeout    = errors.New("upstream timeout")
	ErrInternal           = errors.New("internal error")
)

var kinds = []struct {
	code int
	err  error
}{
	{CodeMalformedFrame, ErrMalformedFrame},
	{CodeAuthFailed, ErrAuthFailed},
	{CodeAlreadyOnline, ErrAlreadyOnline},
	{CodeLoginRejected, ErrLoginRejected},
	{CodeUserExists, ErrUserExists},
	{CodeNotFound, ErrNotFound},
	{CodeReconnectExhausted, ErrReconnectExhausted},
	{CodeUpstreamTimeout, ErrUpstreamTimeout},
	{CodeInternal, ErrInternal},
}

// Code returns the wire code for err. Errors outside the known kinds map to
// CodeInternal, nil maps to CodeOK.
func Code(err error) int {
	if err == nil {
		return CodeOK
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return CodeInternal
}

// FromCode turns a wire code back into its error kind. The optional detail is
// appended to the message while keeping errors.Is working.
func FromCode(code int, detail string) error {
	if code == CodeOK {
		return nil
	}
	base := ErrInternal
	for _, k := range kinds {
		if k.code == code {
			base = k.err
			break
		}
	}
	if detail == "" || detail == base.Error() {
		return base
	}
	return fmt.Errorf("%w: %s", base, detail)
}
