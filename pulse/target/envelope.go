package target

import (
	"encoding/json"

	"github.com/teranos/tock/errors"
)

// Envelope is the persisted and wire form of a target:
//
//	{"type": "http", "config": {"url": "https://...", "method": "POST"}}
type Envelope struct {
	Type   Kind            `json:"type"`
	Config json.RawMessage `json:"config"`
}

// Encode wraps t in its envelope.
func Encode(t Target) (Envelope, error) {
	if t == nil {
		return Envelope{}, errors.Mark(errors.New("target is nil"), ErrInvalidTarget)
	}
	cfg, err := json.Marshal(t)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "failed to encode target config")
	}
	return Envelope{Type: t.Kind(), Config: cfg}, nil
}

// Decode turns an envelope into its variant.
func Decode(env Envelope) (Target, error) {
	var t Target
	var err error
	raw := env.Config
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}
	switch env.Type {
	case KindEvent:
		var e Event
		err = json.Unmarshal(raw, &e)
		t = e
	case KindHTTP:
		var h HTTP
		err = json.Unmarshal(raw, &h)
		t = h
	case KindQueue:
		var q Queue
		err = json.Unmarshal(raw, &q)
		t = q
	case "":
		return nil, errors.Mark(errors.New("target type is required"), ErrInvalidTarget)
	default:
		return nil, errors.Mark(errors.Newf("unknown target type %q", env.Type), ErrInvalidTarget)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid %s target config", env.Type), ErrInvalidTarget)
	}
	return t, nil
}

// EncodeJSON returns the envelope of t as JSON.
func EncodeJSON(t Target) ([]byte, error) {
	env, err := Encode(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeJSON parses an envelope from JSON.
func DecodeJSON(data []byte) (Target, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid target envelope"), ErrInvalidTarget)
	}
	return Decode(env)
}
