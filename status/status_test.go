package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestFromError(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	a.True(FromError(nil).OK())

	err := Error(codes.InvalidArgument, "Division by zero")
	st := FromError(fmt.Errorf("wrapped: %w", err))
	a.Equal(codes.InvalidArgument, st.Code)
	a.Equal("Division by zero", st.Message)

	st = FromError(grpcstatus.Error(codes.NotFound, "nope"))
	a.Equal(codes.NotFound, st.Code)
	a.Equal("nope", st.Message)

	a.Equal(codes.Canceled, Code(context.Canceled))
	a.Equal(codes.DeadlineExceeded, Code(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	a.Equal(codes.Unknown, Code(errors.New("boom")))
	a.Equal("boom", FromError(errors.New("boom")).Message)

	// error carrying OK must never look like success
	a.Equal(codes.Unknown, Code(okError{}))
}

type okError struct{}

func (okError) Error() string                  { return "ok?" }
func (okError) GRPCStatus() *grpcstatus.Status { return grpcstatus.New(codes.OK, "") }

func TestErrorInterop(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	err := Errorf(codes.ResourceExhausted, "limit %d", 10)
	a.EqualError(err, "rpc error: code = RESOURCE_EXHAUSTED desc = limit 10")

	gs, ok := grpcstatus.FromError(err)
	a.True(ok)
	a.Equal(codes.ResourceExhausted, gs.Code())
	a.Equal("limit 10", gs.Message())

	a.ErrorIs(fmt.Errorf("wrap: %w", err), Error(codes.ResourceExhausted, "limit 10"))
	a.NotErrorIs(err, Error(codes.ResourceExhausted, "other"))
	a.Nil(OK().Err())
}

func TestCodeNames(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	for c := codes.OK; c <= codes.Unauthenticated; c++ {
		parsed, ok := ParseCode(CodeName(c))
		a.True(ok)
		a.Equal(c, parsed)
	}
	a.Equal("CANCELLED", CodeName(codes.Canceled))
	a.Equal("CODE(42)", CodeName(42))

	c, ok := ParseCode("3")
	a.True(ok)
	a.Equal(codes.InvalidArgument, c)
	_, ok = ParseCode("17")
	a.False(ok)
}

func TestTransportMappings(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	a.Equal(codes.Unavailable, FromHTTP2ErrCode(http2.ErrCodeRefusedStream).Code)
	a.Equal(codes.Canceled, FromHTTP2ErrCode(http2.ErrCodeCancel).Code)
	a.Equal(codes.ResourceExhausted, FromHTTP2ErrCode(http2.ErrCodeEnhanceYourCalm).Code)
	a.Equal(codes.PermissionDenied, FromHTTP2ErrCode(http2.ErrCodeInadequateSecurity).Code)
	a.Equal(codes.Internal, FromHTTP2ErrCode(http2.ErrCodeProtocol).Code)

	a.Equal(codes.Unimplemented, FromHTTPStatus(http.StatusNotFound).Code)
	a.Equal(codes.Unavailable, FromHTTPStatus(http.StatusServiceUnavailable).Code)
	a.Equal(codes.Unknown, FromHTTPStatus(http.StatusTeapot).Code)
}
