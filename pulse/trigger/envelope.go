package trigger

import (
	"encoding/json"

	"github.com/teranos/tock/errors"
)

// Envelope is the persisted and wire form of a trigger:
//
//	{"type": "cron", "config": {"expression": "0 9 * * 1-5"}}
type Envelope struct {
	Type   Kind            `json:"type"`
	Config json.RawMessage `json:"config"`
}

// Encode wraps t in its envelope.
func Encode(t Trigger) (Envelope, error) {
	if t == nil {
		return Envelope{}, invalidf("trigger is nil")
	}
	cfg, err := json.Marshal(t)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "failed to encode trigger config")
	}
	return Envelope{Type: t.Kind(), Config: cfg}, nil
}

// Decode turns an envelope into its variant. Unknown types are rejected here
// so nothing downstream handles opaque JSON.
func Decode(env Envelope) (Trigger, error) {
	var t Trigger
	var err error
	switch env.Type {
	case KindCron:
		var c Cron
		err = unmarshalConfig(env.Config, &c)
		t = c
	case KindRRule:
		var r RecurrenceRule
		err = unmarshalConfig(env.Config, &r)
		t = r
	case KindFixedDelay:
		var f FixedDelay
		err = unmarshalConfig(env.Config, &f)
		t = f
	case KindOneShot:
		var o OneShot
		err = unmarshalConfig(env.Config, &o)
		t = o
	case "":
		return nil, invalidf("trigger type is required")
	default:
		return nil, invalidf("unknown trigger type %q", env.Type)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "invalid %s trigger config", env.Type), ErrInvalidTrigger)
	}
	return t, nil
}

// EncodeJSON returns the envelope of t as JSON.
func EncodeJSON(t Trigger) ([]byte, error) {
	env, err := Encode(t)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeJSON parses an envelope from JSON.
func DecodeJSON(data []byte) (Trigger, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "invalid trigger envelope"), ErrInvalidTrigger)
	}
	return Decode(env)
}

func unmarshalConfig(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func invalidf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidTrigger)
}
