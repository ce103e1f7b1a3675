package sftpc

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/nettich/sftpc/wire"
)

var (
	// ErrHandleClosed is returned by operations on a File or Dir whose
	// handle has already been released. Nothing is sent to the server.
	ErrHandleClosed = errors.New("handle already closed")

	// ErrConnectionLost resolves every request that was in flight when the
	// underlying stream failed, and every request submitted afterwards.
	ErrConnectionLost = errors.New("connection lost")

	// ErrProtocol indicates the response stream violated the protocol:
	// a malformed frame, an unknown request id, or a reply of the wrong
	// kind. The session cannot be trusted afterwards and shuts down.
	ErrProtocol = errors.New("protocol error")

	// ErrUnsupportedVersion is returned by the handshake when the server
	// reports any protocol version other than 3.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrRequestIDsExhausted is returned when all 2^32 request ids are
	// awaiting responses.
	ErrRequestIDsExhausted = errors.New("request ids exhausted")
)

// StatusError is returned when the server answers a request with a
// non-OK SSH_FXP_STATUS.
type StatusError struct {
	Code     wire.Status
	msg, lng string
}

func (s *StatusError) Error() string {
	return fmt.Sprintf("sftp: %q (%v)", s.msg, s.Code)
}

// Message returns the human-readable message the server sent, if any.
func (s *StatusError) Message() string { return s.msg }

// LanguageTag returns the RFC 1766 language tag of the message, if any.
func (s *StatusError) LanguageTag() string { return s.lng }

// Is supports errors.Is against the standard filesystem sentinels.
func (s *StatusError) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return s.Code == wire.StatusNoSuchFile
	case fs.ErrPermission:
		return s.Code == wire.StatusPermissionDenied
	case errors.ErrUnsupported:
		return s.Code == wire.StatusOpUnsupported
	}
	return false
}

// statusToError converts a status reply into its Go equivalent:
// nil for OK, io.EOF for EOF, and a *StatusError otherwise.
func statusToError(p *wire.StatusPacket) error {
	switch p.StatusCode {
	case wire.StatusOK:
		return nil
	case wire.StatusEOF:
		return io.EOF
	}

	return &StatusError{
		Code: p.StatusCode,
		msg:  p.ErrorMessage,
		lng:  p.LanguageTag,
	}
}
