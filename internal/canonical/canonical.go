// Package canonical produces deterministic JSON bytes for hashing and signing.
//
// Every hash and signature in warden is computed over canonical bytes, so the
// encoding must be a pure function of structural equality: object keys sorted
// lexicographically, minimal separators, UTF-8, no insignificant whitespace.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrRejectedEncoding reports input that has no canonical form. Floating-point
// values are the common case: their textual representation is not stable across
// producers, so monetary amounts must arrive as integer minor units or decimal
// strings.
var ErrRejectedEncoding = errors.New("canonical: input has no canonical encoding")

// Marshal returns deterministic JSON bytes for an arbitrary JSON-like value.
// Rules:
// - Objects (map[string]interface{}): keys sorted lexicographically.
// - Arrays: order preserved.
// - Strings/booleans/null: encoded via encoding/json.
// - Numbers: must be integers; any float anywhere fails with ErrRejectedEncoding.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		// json.Number preserves the textual form; reject anything that is
		// not a plain integer literal.
		s := vv.String()
		if strings.ContainsAny(s, ".eE") {
			return fmt.Errorf("%w: non-integer number %q", ErrRejectedEncoding, s)
		}
		buf.WriteString(s)
	case int:
		fmt.Fprintf(buf, "%d", vv)
	case int32:
		fmt.Fprintf(buf, "%d", vv)
	case int64:
		fmt.Fprintf(buf, "%d", vv)
	case uint64:
		fmt.Fprintf(buf, "%d", vv)
	case float32:
		return fmt.Errorf("%w: float value %v", ErrRejectedEncoding, vv)
	case float64:
		// Values decoded without UseNumber arrive here. A float64 holding an
		// integral value is indistinguishable from one that was rounded, so
		// the whole type is rejected; decode with UseNumber instead.
		return fmt.Errorf("%w: float value %v", ErrRejectedEncoding, vv)
	case string:
		b, _ := json.Marshal(vv)
		buf.Write(b)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, vv[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		// Structs and other typed values: marshal then re-decode with
		// UseNumber so numbers keep their textual form, then encode the
		// generic tree recursively.
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical marshal fallback: %w", err)
		}
		var tmp interface{}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return fmt.Errorf("canonical decode fallback: %w", err)
		}
		return encode(buf, tmp)
	}
	return nil
}
