// Package status implements the terminal outcome of an RPC call.
//
// Codes are the gRPC codes from google.golang.org/grpc/codes so that values
// stay bit-for-bit compatible with every other gRPC implementation.
package status

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/ozontech/callflow/metadata"
)

// Status is a code, a human readable message and optional trailing metadata.
type Status struct {
	Code    codes.Code
	Message string
	Trailer *metadata.MD
}

func New(c codes.Code, msg string) *Status {
	return &Status{Code: c, Message: msg}
}

func Newf(c codes.Code, format string, a ...any) *Status {
	return New(c, fmt.Sprintf(format, a...))
}

// OK returns a successful status.
func OK() *Status { return &Status{Code: codes.OK} }

func (s *Status) OK() bool { return s == nil || s.Code == codes.OK }

// Err returns nil for OK and a status error otherwise.
func (s *Status) Err() error {
	if s.OK() {
		return nil
	}
	return &statusError{s: s}
}

// WithTrailer returns a copy of s carrying md.
func (s *Status) WithTrailer(md *metadata.MD) *Status {
	cp := *s
	cp.Trailer = md
	return &cp
}

func (s *Status) String() string {
	if s == nil {
		return "OK"
	}
	if s.Message == "" {
		return CodeName(s.Code)
	}
	return CodeName(s.Code) + ": " + s.Message
}

// GRPCStatus converts s for use with google.golang.org/grpc/status helpers.
func (s *Status) GRPCStatus() *grpcstatus.Status {
	if s == nil {
		return grpcstatus.New(codes.OK, "")
	}
	return grpcstatus.New(s.Code, s.Message)
}

// statusError is the error form of a non-OK Status.
type statusError struct {
	s *Status
}

func (e *statusError) Error() string {
	return "rpc error: code = " + CodeName(e.s.Code) + " desc = " + e.s.Message
}

func (e *statusError) Status() *Status { return e.s }

func (e *statusError) GRPCStatus() *grpcstatus.Status { return e.s.GRPCStatus() }

// Is reports whether target is a status error with the same code and message.
func (e *statusError) Is(target error) bool {
	t, ok := target.(*statusError)
	if !ok {
		return false
	}
	return e.s.Code == t.s.Code && e.s.Message == t.s.Message
}

func Error(c codes.Code, msg string) error { return New(c, msg).Err() }

func Errorf(c codes.Code, format string, a ...any) error { return Newf(c, format, a...).Err() }

type grpcStatuser interface {
	GRPCStatus() *grpcstatus.Status
}

// FromError converts any error into a Status. nil maps to OK, context errors
// map to CANCELLED and DEADLINE_EXCEEDED, unknown errors to UNKNOWN.
// A non-nil error never produces an OK status.
func FromError(err error) *Status {
	if err == nil {
		return OK()
	}

	var st *Status
	var e *statusError
	var gs grpcStatuser
	switch {
	case errors.As(err, &e):
		st = e.s
	case errors.As(err, &gs):
		s := gs.GRPCStatus()
		st = New(s.Code(), s.Message())
	case errors.Is(err, context.Canceled):
		st = New(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		st = New(codes.DeadlineExceeded, err.Error())
	default:
		st = New(codes.Unknown, err.Error())
	}

	if st.Code == codes.OK {
		return New(codes.Unknown, "error with OK status: "+err.Error())
	}
	return st
}

// FromContextError maps a context error to CANCELLED or DEADLINE_EXCEEDED.
func FromContextError(err error) *Status {
	switch {
	case err == nil:
		return OK()
	case errors.Is(err, context.DeadlineExceeded):
		return New(codes.DeadlineExceeded, "context deadline exceeded")
	case errors.Is(err, context.Canceled):
		return New(codes.Canceled, "context canceled")
	}
	return New(codes.Unknown, err.Error())
}

// Code returns the code of err, OK for nil.
func Code(err error) codes.Code {
	return FromError(err).Code
}
