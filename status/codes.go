package status

import (
	"net/http"
	"strconv"

	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
)

var codeNames = [...]string{
	codes.OK:                 "OK",
	codes.Canceled:           "CANCELLED",
	codes.Unknown:            "UNKNOWN",
	codes.InvalidArgument:    "INVALID_ARGUMENT",
	codes.DeadlineExceeded:   "DEADLINE_EXCEEDED",
	codes.NotFound:           "NOT_FOUND",
	codes.AlreadyExists:      "ALREADY_EXISTS",
	codes.PermissionDenied:   "PERMISSION_DENIED",
	codes.ResourceExhausted:  "RESOURCE_EXHAUSTED",
	codes.FailedPrecondition: "FAILED_PRECONDITION",
	codes.Aborted:            "ABORTED",
	codes.OutOfRange:         "OUT_OF_RANGE",
	codes.Unimplemented:      "UNIMPLEMENTED",
	codes.Internal:           "INTERNAL",
	codes.Unavailable:        "UNAVAILABLE",
	codes.DataLoss:           "DATA_LOSS",
	codes.Unauthenticated:    "UNAUTHENTICATED",
}

// CodeName returns the canonical upper case name of c.
func CodeName(c codes.Code) string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "CODE(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// ParseCode accepts a canonical name or a decimal code.
func ParseCode(s string) (codes.Code, bool) {
	for c, name := range codeNames {
		if name == s {
			return codes.Code(c), true
		}
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n >= uint64(len(codeNames)) {
		return codes.Unknown, false
	}
	return codes.Code(n), true
}

// FromHTTP2ErrCode maps a RST_STREAM error code as described in the gRPC
// over HTTP/2 protocol.
func FromHTTP2ErrCode(code http2.ErrCode) *Status {
	c := codes.Internal
	switch code {
	case http2.ErrCodeRefusedStream:
		c = codes.Unavailable
	case http2.ErrCodeCancel:
		c = codes.Canceled
	case http2.ErrCodeEnhanceYourCalm:
		c = codes.ResourceExhausted
	case http2.ErrCodeInadequateSecurity:
		c = codes.PermissionDenied
	}
	return New(c, "stream terminated by RST_STREAM with error code: "+code.String())
}

// HTTP2ErrCode picks the RST_STREAM code used to abort a stream with c.
func HTTP2ErrCode(c codes.Code) http2.ErrCode {
	switch c {
	case codes.Canceled, codes.DeadlineExceeded:
		return http2.ErrCodeCancel
	case codes.ResourceExhausted:
		return http2.ErrCodeEnhanceYourCalm
	}
	return http2.ErrCodeInternal
}

// FromHTTPStatus maps a non-200 :status of a response without grpc-status.
func FromHTTPStatus(httpStatus int) *Status {
	c := codes.Unknown
	switch httpStatus {
	case http.StatusBadRequest:
		c = codes.Internal
	case http.StatusUnauthorized:
		c = codes.Unauthenticated
	case http.StatusForbidden:
		c = codes.PermissionDenied
	case http.StatusNotFound:
		c = codes.Unimplemented
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		c = codes.Unavailable
	}
	return Newf(c, "unexpected HTTP status code received from server: %d (%s)", httpStatus, http.StatusText(httpStatus))
}
