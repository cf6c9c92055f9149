package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as "90s" or "5m" in YAML files and
// ONTOLEDGER_ variables.
type Duration time.Duration

// UnmarshalText parses a Go duration string. Negative values are rejected.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration().String(), nil
}

// Duration converts d for use with the time package.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

const redacted = "[REDACTED]"

// Secret holds a credential such as an API key. Every formatting and
// marshaling path redacts it; Value returns the raw string.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from printing the value.
func (s Secret) GoString() string {
	return "Secret(" + redacted + ")"
}

// Value returns the raw credential, for handing to a client only.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether the secret has a value.
func (s Secret) IsSet() bool {
	return s != ""
}

// MarshalJSON writes the redacted form.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// MarshalText implements encoding.TextMarshaler.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Secret) MarshalYAML() (any, error) {
	return s.String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. It accepts the raw
// value.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
