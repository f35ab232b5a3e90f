// Package record provides the versioned record model exchanged between the
// device-local store and the server during offline synchronization.
package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies which member of the Value union is set.
type Kind int

const (
	KindNull Kind = iota
	KindNumber
	KindText
	KindBool
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	case KindTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "null", "":
		return KindNull, nil
	case "number":
		return KindNumber, nil
	case "text":
		return KindText, nil
	case "bool":
		return KindBool, nil
	case "timestamp":
		return KindTimestamp, nil
	default:
		return KindNull, fmt.Errorf("unknown value type %q", s)
	}
}

// Value is a single field value. The zero Value is Null.
type Value struct {
	kind Kind
	num  decimal.Decimal
	text string
	flag bool
	ts   time.Time
}

// Null returns the absent value.
func Null() Value { return Value{} }

// Number wraps an exact decimal.
func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, num: d} }

// Int is a shorthand for Number(decimal.NewFromInt(i)).
func Int(i int64) Value { return Number(decimal.NewFromInt(i)) }

// ParseNumber parses a decimal literal such as "12.50".
func ParseNumber(s string) (Value, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Value{}, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Number(d), nil
}

// Text wraps a string.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, flag: b} }

// Timestamp wraps a point in time, normalized to UTC.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, ts: t.UTC()} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsNumber() (decimal.Decimal, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsText() (string, bool)            { return v.text, v.kind == KindText }
func (v Value) AsBool() (bool, bool)              { return v.flag, v.kind == KindBool }
func (v Value) AsTime() (time.Time, bool)         { return v.ts, v.kind == KindTimestamp }

func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return v.num.String()
	case KindText:
		return v.text
	case KindBool:
		return fmt.Sprintf("%t", v.flag)
	case KindTimestamp:
		return v.ts.Format(time.RFC3339Nano)
	default:
		return "null"
	}
}

type wireValue struct {
	Type  string           `json:"type"`
	Value *json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the value as {"type": ..., "value": ...}. Numbers are
// written as strings so no precision is lost in transit.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindNull:
		return json.Marshal(wireValue{Type: v.kind.String()})
	case KindNumber:
		payload = v.num.String()
	case KindText:
		payload = v.text
	case KindBool:
		payload = v.flag
	case KindTimestamp:
		payload = v.ts.Format(time.RFC3339Nano)
	default:
		return nil, fmt.Errorf("cannot marshal value of %s", v.kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg := json.RawMessage(raw)
	return json.Marshal(wireValue{Type: v.kind.String(), Value: &msg})
}

// UnmarshalJSON decodes the format written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := parseKind(w.Type)
	if err != nil {
		return err
	}
	if kind == KindNull {
		*v = Null()
		return nil
	}
	if w.Value == nil {
		return fmt.Errorf("missing value for %s", kind)
	}

	switch kind {
	case KindNumber:
		var s string
		if err := json.Unmarshal(*w.Value, &s); err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		parsed, err := ParseNumber(s)
		if err != nil {
			return err
		}
		*v = parsed
	case KindText:
		var s string
		if err := json.Unmarshal(*w.Value, &s); err != nil {
			return fmt.Errorf("invalid text: %w", err)
		}
		*v = Text(s)
	case KindBool:
		var b bool
		if err := json.Unmarshal(*w.Value, &b); err != nil {
			return fmt.Errorf("invalid bool: %w", err)
		}
		*v = Bool(b)
	case KindTimestamp:
		var s string
		if err := json.Unmarshal(*w.Value, &s); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		*v = Timestamp(t)
	}
	return nil
}
