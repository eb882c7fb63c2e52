// Package canonjson implements deterministic, key-sorted JSON serialization
// used for idempotency request hashing and content-hash computation
// (spec §4.2).
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Marshal serializes v deterministically: object keys are sorted
// lexicographically (recursively), arrays preserve order, scalars serialize
// as standard JSON. Types this package cannot represent (func, chan,
// complex, unsafe.Pointer) serialize as null rather than erroring, per the
// spec's design note that unsupported kinds are impossible inputs from
// decoded JSON but should degrade safely if ever reached.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalString is a convenience wrapper around Marshal.
func MarshalString(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]interface{}:
		return encodeObject(buf, val)
	case []interface{}:
		return encodeArray(buf, val)
	case string, bool, float64, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return encodeScalar(buf, val)
	default:
		// Functions, channels, and other non-JSON-representable Go values
		// are not reachable from a json.Unmarshal result; serialize them
		// as null defensively rather than failing the whole document.
		b, err := json.Marshal(v)
		if err != nil {
			buf.WriteString("null")
			return nil
		}
		buf.Write(b)
		return nil
	}
}

func encodeScalar(buf *bytes.Buffer, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		if err := encode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

// Decode parses raw JSON into the generic value representation Marshal
// expects, using UseNumber so integers round-trip exactly instead of being
// widened to float64 (which could reorder-equal distinct large integers).
func Decode(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

// normalizeNumbers converts json.Number into itself (kept, since our
// encoder already understands json.Number) but recurses into nested
// structures so map/array values decoded via json.Number are preserved.
func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	default:
		return val
	}
}

// Hash computes sha256 over the canonical serialization of v.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// LegacyHash computes sha256 over the raw (non-canonicalized) input bytes,
// retained as a fallback comparator for idempotency records written before
// canonicalization was introduced.
func LegacyHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ContentHash computes the entry version content hash:
// sha256("<path>:<canonical-json-value>").
func ContentHash(path string, value interface{}) (string, error) {
	valJSON, err := MarshalString(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(path + ":" + valJSON))
	return hex.EncodeToString(sum[:]), nil
}

const TombstoneContentHash = "tombstone"
