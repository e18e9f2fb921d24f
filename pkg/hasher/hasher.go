// Package hasher computes the canonical-JSON SHA-256 digest that is the
// single point of truth for interop between the Executor and Verifier
// pipelines. Two implementations that disagree on this encoding diverge on
// every order, so this module owns the full canonicalization contract
// rather than delegating to encoding/json's default (non-canonical,
// key-order-preserving) marshaling.
package hasher

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Digest returns the lowercase-hex SHA-256 of the canonical JSON
// serialization of v. v must already be (or unmarshal to) plain JSON
// values: map[string]interface{}, []interface{}, string, float64, bool, nil.
func Digest(v interface{}) (string, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return fmt.Sprintf("%x", sum), nil
}

// DigestBytes is like Digest but returns the raw 32-byte sum.
func DigestBytes(v interface{}) ([32]byte, error) {
	canon, err := Canonicalize(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256([]byte(canon)), nil
}

// Canonicalize serializes v as canonical JSON: object keys sorted in
// lexicographic byte order, no insignificant whitespace, minimal JSON
// escapes, integers without leading zeros, floats in shortest round-trip
// form, no trailing commas.
func Canonicalize(v interface{}) (string, error) {
	// Round-trip through encoding/json first so that Go structs, json.RawMessage,
	// and already-decoded map[string]interface{} values are all normalized to
	// the same interface{} shape before canonical encoding.
	normalized, err := normalize(v)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := encodeValue(&b, normalized); err != nil {
		return "", err
	}
	return b.String(), nil
}

func normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case json.RawMessage:
		var out interface{}
		if err := json.Unmarshal(t, &out); err != nil {
			return nil, err
		}
		return out, nil
	case map[string]interface{}, []interface{}, string, float64, bool, nil:
		return t, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var out interface{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func encodeValue(b *strings.Builder, v interface{}) error {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
		return nil
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
		return nil
	case float64:
		b.WriteString(encodeNumber(t))
		return nil
	case string:
		encodeString(b, t)
		return nil
	case []interface{}:
		b.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := encodeValue(b, elem); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeString(b, k)
			b.WriteByte(':')
			if err := encodeValue(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("hasher: unsupported value type %T", v)
	}
}

// encodeNumber produces the shortest round-trip decimal form, with integral
// floats rendered without a fractional part or leading zeros.
func encodeNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		// Not valid JSON; canonical form has no representation. Encode as
		// null to keep the function total rather than panicking mid-digest.
		return "null"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func encodeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
