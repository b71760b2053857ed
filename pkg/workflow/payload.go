package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Payload is the flat key/value body of a signal
type Payload map[string]interface{}

// Has reports whether key is present
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Int reads key as an integer. Integral floats and numeric strings are accepted.
func (p Payload) Int(key string) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: missing %q", ErrMalformedPayload, key)
	}

	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%w: %q is not an integer: %v", ErrMalformedPayload, key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer: %s", ErrMalformedPayload, key, n)
		}
		return int(i), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not an integer: %q", ErrMalformedPayload, key, n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%w: %q has type %T", ErrMalformedPayload, key, v)
}

// String reads key as a string
func (p Payload) String(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: missing %q", ErrMalformedPayload, key)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	}
	return fmt.Sprint(v), nil
}

// clone round-trips the payload through JSON so the receiver never shares
// memory with the sender. Numbers arrive as json.Number.
func (p Payload) clone() (Payload, error) {
	if p == nil {
		return Payload{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	out := Payload{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return out, nil
}

func encode(v interface{}) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decode(raw json.RawMessage, out interface{}) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
