package logging

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/ontoledger/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const redacted = "[REDACTED]"

// Secret logs that a credential is set without its value.
func Secret(key string, s config.Secret) zap.Field {
	return RedactedString(key, s.Value())
}

// RedactedString logs the length of val in place of val.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

type redactor struct {
	keys     map[string]bool
	patterns []*regexp.Regexp
}

func newRedactor(cfg RedactionConfig) (*redactor, error) {
	r := &redactor{keys: make(map[string]bool, len(cfg.Fields))}
	for _, f := range cfg.Fields {
		r.keys[strings.ToLower(f)] = true
	}
	for _, p := range cfg.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// sensitive matches the last dotted segment of key, so llm.api_key is
// masked but max_tokens is not.
func (r *redactor) sensitive(key string) bool {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	return r.keys[strings.ToLower(key)]
}

func (r *redactor) scrub(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// field returns f with its value masked or scrubbed.
func (r *redactor) field(f zapcore.Field) zapcore.Field {
	if r.sensitive(f.Key) {
		return zap.String(f.Key, redacted)
	}
	switch f.Type {
	case zapcore.StringType:
		f.String = r.scrub(f.String)
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			return zap.String(f.Key, r.scrub(err.Error()))
		}
	}
	return f
}

// redactingEncoder masks sensitive fields, both those attached with With
// and those passed per entry, and scrubs the message.
type redactingEncoder struct {
	zapcore.Encoder
	r *redactor
}

func newRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (zapcore.Encoder, error) {
	if !cfg.Enabled {
		return base, nil
	}
	r, err := newRedactor(cfg)
	if err != nil {
		return nil, err
	}
	return &redactingEncoder{Encoder: base, r: r}, nil
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), r: e.r}
}

func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message = e.r.scrub(ent.Message)
	clean := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		clean[i] = e.r.field(f)
	}
	return e.Encoder.EncodeEntry(ent, clean)
}

func (e *redactingEncoder) AddString(key, val string) {
	if e.r.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddString(key, e.r.scrub(val))
}

func (e *redactingEncoder) AddByteString(key string, val []byte) {
	if e.r.sensitive(key) {
		val = []byte(redacted)
	}
	e.Encoder.AddByteString(key, val)
}

func (e *redactingEncoder) AddBinary(key string, val []byte) {
	if e.r.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return
	}
	e.Encoder.AddBinary(key, val)
}

func (e *redactingEncoder) AddReflected(key string, val any) error {
	if e.r.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *redactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.r.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

func (e *redactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.r.sensitive(key) {
		e.Encoder.AddString(key, redacted)
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}
