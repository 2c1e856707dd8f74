package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Field extraction failures are distinct on purpose: a missing key and a
// present-but-wrong-typed value are different data problems and get reported as such.
var (
	ErrFieldMissing  = errors.New("payload field missing")
	ErrFieldMismatch = errors.New("payload field has wrong type")
)

// Payload is an entry's submitted key -> value map. The schema lives on the
// owning form; the payload itself is open. Stored as a JSON column.
//
// Numbers are decoded as json.Number so quantities survive exactly; they are
// never forced through a float64.
type Payload map[string]interface{}

func (p *Payload) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	m := map[string]interface{}{}
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*p = m
	return nil
}

// Scan implements sql.Scanner for the JSON column.
func (p *Payload) Scan(value interface{}) error {
	if value == nil {
		*p = Payload{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return p.UnmarshalJSON(v)
	case string:
		return p.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into Payload", value)
	}
}

// Value implements driver.Valuer for the JSON column.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]interface{}(p))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// StringField returns the trimmed string stored under key.
func (p Payload) StringField(key string) (string, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return "", ErrFieldMissing
	}
	s, ok := raw.(string)
	if !ok {
		return "", ErrFieldMismatch
	}
	return strings.TrimSpace(s), nil
}

// DecimalField returns the exact decimal stored under key. Both JSON numbers
// and numeric strings are accepted (form clients send either).
func (p Payload) DecimalField(key string) (decimal.Decimal, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return decimal.Zero, ErrFieldMissing
	}
	switch v := raw.(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return decimal.Zero, ErrFieldMismatch
		}
		return d, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return decimal.Zero, ErrFieldMismatch
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, ErrFieldMismatch
		}
		return d, nil
	default:
		return decimal.Zero, ErrFieldMismatch
	}
}
