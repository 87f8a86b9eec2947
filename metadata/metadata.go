// Package metadata implements the ordered key/value headers and trailers
// attached to a call.
//
// Keys are stored lowercase and matched case-insensitively. Duplicate keys
// are kept in insertion order. Once sealed (sent or received) an MD is
// immutable; Add then fails with INVALID_ARGUMENT.
package metadata

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

const binarySuffix = "-bin"

type KV struct {
	Key   string
	Value string
}

type MD struct {
	mu     sync.RWMutex
	kvs    []KV
	sealed bool
}

func New() *MD { return &MD{} }

// Pairs builds MD from alternating keys and values.
// It panics on an odd number of arguments or an invalid key.
func Pairs(kv ...string) *MD {
	if len(kv)%2 == 1 {
		panic(fmt.Sprintf("metadata: Pairs got an odd number of arguments: %d", len(kv)))
	}
	md := &MD{kvs: make([]KV, 0, len(kv)/2)}
	for i := 0; i < len(kv); i += 2 {
		if err := md.Add(kv[i], kv[i+1]); err != nil {
			panic(err)
		}
	}
	return md
}

// Add appends a value for key.
func (md *MD) Add(key, value string) error {
	key = strings.ToLower(key)
	if err := ValidatePair(key, value); err != nil {
		return err
	}

	md.mu.Lock()
	defer md.mu.Unlock()
	if md.sealed {
		return grpcstatus.Errorf(codes.InvalidArgument, "metadata: %q added after metadata was sent", key)
	}
	md.kvs = append(md.kvs, KV{key, value})
	return nil
}

// Append adds every pair of other to md keeping their order.
func (md *MD) Append(other *MD) error {
	if other == nil || other == md {
		return nil
	}
	kvs := other.KVs()

	md.mu.Lock()
	defer md.mu.Unlock()
	if md.sealed {
		return grpcstatus.Error(codes.InvalidArgument, "metadata: append after metadata was sent")
	}
	md.kvs = append(md.kvs, kvs...)
	return nil
}

// Get returns all values of key in insertion order.
func (md *MD) Get(key string) []string {
	if md == nil {
		return nil
	}
	key = strings.ToLower(key)

	md.mu.RLock()
	defer md.mu.RUnlock()

	var vals []string
	for _, kv := range md.kvs {
		if kv.Key == key {
			vals = append(vals, kv.Value)
		}
	}
	return vals
}

// Value returns the first value of key or "".
func (md *MD) Value(key string) string {
	if md == nil {
		return ""
	}
	key = strings.ToLower(key)

	md.mu.RLock()
	defer md.mu.RUnlock()
	for _, kv := range md.kvs {
		if kv.Key == key {
			return kv.Value
		}
	}
	return ""
}

// Range calls fn for every pair in insertion order until fn returns false.
func (md *MD) Range(fn func(key, value string) bool) {
	for _, kv := range md.KVs() {
		if !fn(kv.Key, kv.Value) {
			return
		}
	}
}

// Keys returns distinct keys in order of first appearance.
func (md *MD) Keys() []string {
	return keysOf(md.KVs())
}

func keysOf(kvs []KV) []string {
	keys := make([]string, 0, len(kvs))
	seen := make(map[string]struct{}, len(kvs))
	for _, kv := range kvs {
		if _, ok := seen[kv.Key]; ok {
			continue
		}
		seen[kv.Key] = struct{}{}
		keys = append(keys, kv.Key)
	}
	return keys
}

// KVs returns a copy of the pairs.
func (md *MD) KVs() []KV {
	if md == nil {
		return nil
	}
	md.mu.RLock()
	defer md.mu.RUnlock()
	return append([]KV(nil), md.kvs...)
}

func (md *MD) Len() int {
	if md == nil {
		return 0
	}
	md.mu.RLock()
	defer md.mu.RUnlock()
	return len(md.kvs)
}

// Seal makes md immutable. Sealing twice is a no-op.
func (md *MD) Seal() {
	if md == nil {
		return
	}
	md.mu.Lock()
	md.sealed = true
	md.mu.Unlock()
}

func (md *MD) Sealed() bool {
	if md == nil {
		return false
	}
	md.mu.RLock()
	defer md.mu.RUnlock()
	return md.sealed
}

// Copy returns an unsealed copy of md.
func (md *MD) Copy() *MD {
	return &MD{kvs: md.KVs()}
}

func (md *MD) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, kv := range md.KVs() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(kv.Key)
		b.WriteByte('=')
		if IsBinaryKey(kv.Key) {
			b.WriteString(EncodeBinaryValue(kv.Value))
		} else {
			b.WriteString(kv.Value)
		}
	}
	b.WriteByte(']')
	return b.String()
}

// ValidatePair checks a lowercase key and its value.
func ValidatePair(key, value string) error {
	if key == "" {
		return grpcstatus.Error(codes.InvalidArgument, "metadata: empty key")
	}
	if key[0] == ':' {
		return grpcstatus.Errorf(codes.InvalidArgument, "metadata: pseudo header %q is not allowed", key)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') || c == '-' || c == '_' || c == '.' {
			continue
		}
		return grpcstatus.Errorf(codes.InvalidArgument, "metadata: key %q contains illegal character %q", key, c)
	}
	if IsBinaryKey(key) {
		return nil
	}
	for i := 0; i < len(value); i++ {
		if c := value[i]; c < ' ' || c > '~' {
			return grpcstatus.Errorf(codes.InvalidArgument, "metadata: value of %q contains non printable character %#x", key, c)
		}
	}
	return nil
}

// IsBinaryKey reports whether values of key are opaque bytes.
func IsBinaryKey(key string) bool {
	return len(key) > len(binarySuffix) && strings.HasSuffix(key, binarySuffix)
}

// EncodeBinaryValue encodes a binary value for the wire (unpadded base64).
func EncodeBinaryValue(v string) string {
	return base64.RawStdEncoding.EncodeToString([]byte(v))
}

// DecodeBinaryValue accepts padded and unpadded base64.
func DecodeBinaryValue(v string) (string, error) {
	if len(v)%4 == 0 {
		b, err := base64.StdEncoding.DecodeString(v)
		if err == nil {
			return string(b), nil
		}
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(v, "="))
	if err != nil {
		return "", fmt.Errorf("decode binary header: %w", err)
	}
	return string(b), nil
}

var reserved = map[string]struct{}{
	"content-type":            {},
	"te":                      {},
	"user-agent":              {},
	"grpc-timeout":            {},
	"grpc-encoding":           {},
	"grpc-accept-encoding":    {},
	"grpc-status":             {},
	"grpc-message":            {},
	"grpc-status-details-bin": {},
	"connection":              {},
	"host":                    {},
}

// IsReserved reports whether key belongs to the transport and must not be
// copied between user metadata and the wire.
func IsReserved(key string) bool {
	if key == "" || key[0] == ':' {
		return true
	}
	_, ok := reserved[key]
	return ok
}
