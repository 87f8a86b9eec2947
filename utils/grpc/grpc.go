// Package grpc holds the text encodings gRPC uses inside HTTP/2 headers.
package grpc

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const maxTimeoutValue = 100_000_000 - 1 // не больше 8 цифр

var timeoutUnits = [...]struct {
	unit time.Duration
	char byte
}{
	{time.Nanosecond, 'n'},
	{time.Microsecond, 'u'},
	{time.Millisecond, 'm'},
	{time.Second, 'S'},
	{time.Minute, 'M'},
	{time.Hour, 'H'},
}

// EncodeDuration formats d as a grpc-timeout header value.
// The value is rounded up to the smallest unit that fits into 8 digits.
func EncodeDuration(d time.Duration) string {
	if d <= 0 {
		return "0n"
	}
	for _, u := range timeoutUnits {
		v := d / u.unit
		if d%u.unit != 0 {
			v++
		}
		if v <= maxTimeoutValue {
			return strconv.FormatInt(int64(v), 10) + string(u.char)
		}
	}
	return strconv.Itoa(maxTimeoutValue) + "H"
}

var errBadTimeout = errors.New("bad grpc-timeout value")

// DecodeDuration parses a grpc-timeout header value.
func DecodeDuration(s string) (time.Duration, error) {
	if len(s) < 2 || len(s) > 9 {
		return 0, fmt.Errorf("%w: %q", errBadTimeout, s)
	}

	var unit time.Duration
	char := s[len(s)-1]
	for _, u := range timeoutUnits {
		if u.char == char {
			unit = u.unit
			break
		}
	}
	if unit == 0 {
		return 0, fmt.Errorf("%w: unknown unit in %q", errBadTimeout, s)
	}

	v, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", errBadTimeout, err)
	}
	if v > uint64(math.MaxInt64/int64(unit)) {
		return math.MaxInt64, nil
	}
	return time.Duration(v) * unit, nil
}

const upperhex = "0123456789ABCDEF"

func needsPercentEncoding(c byte) bool {
	return c < ' ' || c > '~' || c == '%'
}

// EncodeMessage percent-encodes a grpc-message header value.
func EncodeMessage(msg string) string {
	i := 0
	for ; i < len(msg); i++ {
		if needsPercentEncoding(msg[i]) {
			break
		}
	}
	if i == len(msg) {
		return msg
	}

	var b strings.Builder
	b.Grow(len(msg) + 8)
	b.WriteString(msg[:i])
	for ; i < len(msg); i++ {
		c := msg[i]
		if needsPercentEncoding(c) {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0xf])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// DecodeMessage reverses EncodeMessage. Malformed escapes are kept as is.
func DecodeMessage(msg string) string {
	if strings.IndexByte(msg, '%') == -1 {
		return msg
	}

	var b strings.Builder
	b.Grow(len(msg))
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c == '%' && i+2 < len(msg) {
			hi, okHi := unhex(msg[i+1])
			lo, okLo := unhex(msg[i+2])
			if okHi && okLo {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
