// Package codec provides prototype-pollution-safe JSON encode/decode
// with depth and size caps. It is the single choke point through which
// bytes crossing the host/worker trust boundary become Go values.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/agentfront/enclave/internal/poolerrors"
)

// MaxDepth bounds how deeply a decoded value may nest. 50 matches the
// fixed bound in the worker-pool invariants.
const MaxDepth = 50

// dangerousKeys are stripped from every decoded and encoded object;
// replaying them across the trust boundary is how prototype-pollution
// payloads reach host-side prototypes.
var dangerousKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// Codec encodes and decodes JSON messages with a fixed maximum message
// size.
type Codec struct {
	maxMessageSizeBytes int
}

// New returns a Codec enforcing maxMessageSizeBytes on decode.
func New(maxMessageSizeBytes int) *Codec {
	return &Codec{maxMessageSizeBytes: maxMessageSizeBytes}
}

// SetMaxMessageSize adjusts the enforced limit. The worker-side Runtime
// calls this once it has seen the pool's Config echoed in the first
// Execute message, rather than guessing the real limit at startup.
func (c *Codec) SetMaxMessageSize(n int) {
	c.maxMessageSizeBytes = n
}

// Encode marshals v to JSON, stripping dangerous keys from any map
// value first.
func (c *Codec) Encode(v interface{}) ([]byte, error) {
	sanitized := sanitize(v, 0)
	b, err := json.Marshal(sanitized)
	if err != nil {
		return nil, poolerrors.Wrap(poolerrors.KindMessageValidation, err)
	}
	return b, nil
}

// Decode parses b into a JSON-safe value: objects have dangerous keys
// stripped and depths beyond MaxDepth are rejected. It never produces a
// value able to mutate a host-side prototype, because Go maps have no
// prototype to begin with — the stripping exists so stringify/parse
// round trips through worker code cannot smuggle the keys back out as
// literal data another consumer later treats as safe.
func (c *Codec) Decode(b []byte, out interface{}) error {
	if c.maxMessageSizeBytes > 0 && len(b) > c.maxMessageSizeBytes {
		return poolerrors.New(poolerrors.KindMessageSize,
			fmt.Sprintf("message of %d bytes exceeds limit of %d", len(b), c.maxMessageSizeBytes))
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return poolerrors.Wrap(poolerrors.KindMessageValidation, fmt.Errorf("invalid JSON: %w", err))
	}

	walked, err := walk(raw, 0)
	if err != nil {
		return err
	}

	// Round-trip through encoding/json to land in the caller's `out`,
	// now that the tree has been sanitized and depth-checked.
	clean, err := json.Marshal(walked)
	if err != nil {
		return poolerrors.Wrap(poolerrors.KindMessageValidation, err)
	}
	if err := json.Unmarshal(clean, out); err != nil {
		return poolerrors.Wrap(poolerrors.KindMessageValidation, err)
	}
	return nil
}

// walk materializes raw into a tree of plain map[string]interface{} /
// []interface{} / scalar values, stripping dangerous keys and
// rejecting excessive depth. This is the only allowed path to produce
// host-side objects from worker bytes.
func walk(raw interface{}, depth int) (interface{}, error) {
	if depth > MaxDepth {
		return nil, poolerrors.New(poolerrors.KindMessageValidation, "depth exceeded")
	}

	switch v := raw.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			if dangerousKeys[k] {
				continue
			}
			walked, err := walk(val, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = walked
		}
		return out, nil

	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			walked, err := walk(val, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = walked
		}
		return out, nil

	default:
		return v, nil
	}
}

// sanitize mirrors walk's key-stripping on the encode path, operating
// on already-typed Go values rather than a json.Decoder tree.
func sanitize(v interface{}, depth int) interface{} {
	if depth > MaxDepth {
		return nil
	}
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if dangerousKeys[k] {
				continue
			}
			out[k] = sanitize(inner, depth+1)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = sanitize(inner, depth+1)
		}
		return out
	default:
		return v
	}
}
