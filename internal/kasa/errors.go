package kasa

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors for plug communication. Every error returned by Client is
// marked with exactly one of these, so callers can branch with errors.Is
// regardless of how much context has been wrapped around it:
//
//	if errors.Is(err, kasa.ErrConnection) {
//	    // device unreachable this cycle
//	}
var (
	// ErrConnection indicates the socket could not connect, or the peer
	// closed it before a complete response was read.
	ErrConnection = errors.New("kasa: connection failed")

	// ErrProtocol indicates bytes were received but did not decode to the
	// expected JSON document.
	ErrProtocol = errors.New("kasa: protocol error")
)

func connectionError(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrConnection)
}

func protocolError(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrProtocol)
}
