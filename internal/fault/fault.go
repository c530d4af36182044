// Package fault maps component errors to the categorical wire error codes.
package fault

import (
	"errors"

	"loreline/internal/challenge"
	"loreline/internal/engine"
	"loreline/internal/engine/auth"
	"loreline/internal/movement"
	"loreline/internal/narrative"
	"loreline/internal/protocol"
	"loreline/internal/queue"
	"loreline/internal/repo"
	"loreline/internal/session"
	"loreline/internal/staging"
	"loreline/internal/worldstate"
)

// CodedError pins an explicit wire code on an error.
type CodedError struct {
	Code string
	Err  error
}

func (e *CodedError) Error() string { return e.Err.Error() }
func (e *CodedError) Unwrap() error { return e.Err }

// WithCode tags err with a wire code.
func WithCode(code string, err error) error {
	return &CodedError{Code: code, Err: err}
}

func New(code, msg string) error {
	return &CodedError{Code: code, Err: errors.New(msg)}
}

var table = []struct {
	code string
	errs []error
}{
	{protocol.CodeAlreadyDM, []error{session.ErrAlreadyDM}},
	{protocol.CodeDMNotConnected, []error{session.ErrDMNotConnected}},
	{protocol.CodeUnauthorized, []error{session.ErrNotJoined, session.ErrUnknownConnection}},
	{protocol.CodeNotFound, []error{
		repo.ErrNotFound, queue.ErrNotFound, worldstate.ErrApprovalNotFound,
		challenge.ErrResolutionNotFound, challenge.ErrBranchNotFound, narrative.ErrBranchNotFound,
		staging.ErrUnknownNPC, session.ErrUserNotConnected, session.ErrPlayerNotConnected,
	}},
	{protocol.CodeValidationFailed, []error{
		protocol.ErrUnknownType, session.ErrInvalidRole, session.ErrPCRequired,
		challenge.ErrBadFormula, challenge.ErrRollRequired, challenge.ErrRollOutOfRange,
		staging.ErrInvalidTTL, staging.ErrWrongSource,
		movement.ErrWrongWorld, movement.ErrRegionElsewhere,
	}},
	{protocol.CodeInvalidState, []error{
		session.ErrAlreadyJoined, queue.ErrInvalidState, engine.ErrInsufficientItems,
		challenge.ErrInactive, challenge.ErrWorldNotActive, challenge.ErrWrongApprovalKind,
		narrative.ErrInactive, narrative.ErrNoOutcomes, narrative.ErrWorldNotActive, narrative.ErrWrongApprovalKind,
		movement.ErrNotConnected, movement.ErrNoArrivalRegion, movement.ErrNoPosition,
	}},
}

// Code returns the wire code for err. Unknown errors are internal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) && protocol.IsKnownCode(coded.Code) {
		return coded.Code
	}
	var forbidden auth.ForbiddenError
	if errors.As(err, &forbidden) {
		return protocol.CodeUnauthorized
	}
	var invalid *protocol.ValidationError
	if errors.As(err, &invalid) {
		return protocol.CodeValidationFailed
	}
	for _, row := range table {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.code
			}
		}
	}
	return protocol.CodeInternal
}

// Message is the client-facing text for err. Internal errors never expose
// their text.
func Message(err error) string {
	if Code(err) == protocol.CodeInternal {
		return "internal error"
	}
	return err.Error()
}

// Envelope renders err as a wire Error message.
func Envelope(err error) protocol.Envelope {
	return protocol.Error(Code(err), Message(err))
}

// Body renders err as the error part of a Response.
func Body(err error) *protocol.ErrorMsg {
	return &protocol.ErrorMsg{Code: Code(err), Message: Message(err)}
}
