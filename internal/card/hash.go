package card

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// volatileKeys are rewritten by exporters on every save and never identify content.
var volatileKeys = map[string]bool{
	"creation_date":     true,
	"modification_date": true,
}

// ContentHash returns the hex SHA-256 of raw in canonical form: object keys
// sorted at every depth, volatile date keys dropped.
func ContentHash(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("decoding card json: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonicalize(v)); err != nil {
		return "", fmt.Errorf("encoding canonical json: %w", err)
	}

	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize drops volatile keys. Key order comes from encoding/json,
// which always emits map keys sorted.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if volatileKeys[k] {
				continue
			}
			out[k] = canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = canonicalize(val)
		}
		return out
	default:
		return t
	}
}
