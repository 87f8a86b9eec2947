package metadata

import (
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// MarshalEasyJSON writes md as {"key":["v1","v2"]} with keys in order of
// first appearance. Binary values are base64 encoded.
func (md *MD) MarshalEasyJSON(w *jwriter.Writer) {
	kvs := md.KVs()
	keys := keysOf(kvs)

	w.RawByte('{')
	for i, k := range keys {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(k)
		w.RawString(":[")
		first := true
		for _, kv := range kvs {
			if kv.Key != k {
				continue
			}
			if !first {
				w.RawByte(',')
			}
			first = false
			if IsBinaryKey(k) {
				w.String(EncodeBinaryValue(kv.Value))
			} else {
				w.String(kv.Value)
			}
		}
		w.RawByte(']')
	}
	w.RawByte('}')
}

func (md *MD) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	md.MarshalEasyJSON(&w)
	return w.BuildBytes()
}

// UnmarshalEasyJSON appends pairs from {"key":["v1"]} or {"key":"v1"}.
func (md *MD) UnmarshalEasyJSON(in *jlexer.Lexer) {
	if in.IsNull() {
		in.Skip()
		return
	}

	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.String()
		in.WantColon()

		if in.IsDelim('[') {
			in.Delim('[')
			for !in.IsDelim(']') {
				md.addJSONValue(in, key, in.String())
				in.WantComma()
			}
			in.Delim(']')
		} else {
			md.addJSONValue(in, key, in.String())
		}

		in.WantComma()
	}
	in.Delim('}')
}

func (md *MD) addJSONValue(in *jlexer.Lexer, key, value string) {
	if !in.Ok() {
		return
	}
	if IsBinaryKey(key) {
		v, err := DecodeBinaryValue(value)
		if err != nil {
			in.AddError(err)
			return
		}
		value = v
	}
	if err := md.Add(key, value); err != nil {
		in.AddError(err)
	}
}

func (md *MD) UnmarshalJSON(data []byte) error {
	in := jlexer.Lexer{Data: data}
	md.UnmarshalEasyJSON(&in)
	in.Consumed()
	return in.Error()
}
