package h2

import (
	"errors"

	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/status"
)

var errConnClosed = errors.New("connection closed")

// GoAwayError is the reason a connection stopped accepting streams.
type GoAwayError struct {
	Code         http2.ErrCode
	LastStreamID uint32
	DebugData    []byte
}

func (e GoAwayError) Error() string {
	return "go away (" + e.Code.String() + "): " + string(e.DebugData)
}

// RSTStreamError is a stream reset received from the peer.
type RSTStreamError struct {
	Code http2.ErrCode
}

func (e RSTStreamError) Error() string {
	return "rst stream: " + e.Code.String()
}

// Status maps the reset to the status of the call.
func (e RSTStreamError) Status() *status.Status {
	return status.FromHTTP2ErrCode(e.Code)
}

func connClosedStatus(err error) *status.Status {
	if err == nil {
		return status.New(codes.Unavailable, errConnClosed.Error())
	}
	return status.Newf(codes.Unavailable, "connection closed: %s", err)
}
