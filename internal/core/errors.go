package core

import (
	"errors"
	"fmt"

	"github.com/vovakirdan/replica-server/internal/proto"
)

var (
	ErrChannelFull      = errors.New("channel is full")
	ErrChannelClosed    = errors.New("channel is closed")
	ErrChannelLocked    = errors.New("channel is locked")
	ErrWrongPassword    = errors.New("wrong password")
	ErrNotInChannel     = errors.New("not in channel")
	ErrObjectNotFound   = errors.New("object not found")
	ErrDirectoryFull    = errors.New("no free dynamic object id")
	ErrStaticObject     = errors.New("operation requires a dynamic object")
	ErrAliasesRequired  = errors.New("more aliases required")
	ErrSaveInProgress   = errors.New("save already in progress for path")
	ErrChannelNotLoaded = errors.New("channel not loaded")

	errSchedulerClosed = errors.New("worker scheduler closed")
)

// CoreError is a structured, non-fatal failure reported to the participant.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}

// FatalKind classifies failures that end a connection.
type FatalKind int

const (
	// FatalProtocol marks a protocol violation.
	FatalProtocol FatalKind = iota
	// FatalUnauthorized marks an authorization failure.
	FatalUnauthorized
)

func (k FatalKind) String() string {
	if k == FatalUnauthorized {
		return "unauthorized"
	}
	return "protocol"
}

// FatalError ends the offending connection. Replication invariants cannot be
// trusted once a participant violates the protocol, and authorization
// failures get the same treatment.
type FatalError struct {
	Kind   FatalKind
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s violation: %s", e.Kind, e.Reason)
}

func protocolViolation(format string, args ...any) *FatalError {
	return &FatalError{Kind: FatalProtocol, Reason: fmt.Sprintf(format, args...)}
}

func unauthorized(format string, args ...any) *FatalError {
	return &FatalError{Kind: FatalUnauthorized, Reason: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err must end the connection.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// toCoreError maps domain sentinels onto wire error codes.
func toCoreError(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, ErrChannelFull):
		return coreError(proto.ErrCodeChannelFull, err.Error())
	case errors.Is(err, ErrChannelClosed):
		return coreError(proto.ErrCodeChannelClosed, err.Error())
	case errors.Is(err, ErrChannelLocked):
		return coreError(proto.ErrCodeChannelLocked, err.Error())
	case errors.Is(err, ErrWrongPassword):
		return coreError(proto.ErrCodeWrongPassword, err.Error())
	case errors.Is(err, ErrNotInChannel):
		return coreError(proto.ErrCodeNotInChannel, err.Error())
	case errors.Is(err, ErrAliasesRequired):
		return coreError(proto.ErrCodeAliasesRequired, err.Error())
	case errors.Is(err, ErrSaveInProgress):
		return coreError(proto.ErrCodeSaveInProgress, err.Error())
	case errors.Is(err, ErrObjectNotFound), errors.Is(err, ErrChannelNotLoaded):
		return coreError(proto.ErrCodeNotFound, err.Error())
	default:
		return nil
	}
}
