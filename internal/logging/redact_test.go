package logging

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/fyrsmithlabs/ontoledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const liveKey = "sk-live0123456789abcdefXYZ"

func newJSONLogger(t *testing.T, cfg RedactionConfig) (*Logger, *bytes.Buffer) {
	t.Helper()
	enc, err := newRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)
	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	return Wrap(zap.New(core)), &buf
}

func TestRedaction_EntryFields(t *testing.T) {
	l, buf := newJSONLogger(t, NewDefaultConfig().Redaction)

	l.Info(context.Background(), "calling model",
		zap.String("api_key", liveKey),
		zap.String("header", "Authorization: Bearer abc.def-123"),
		zap.Int("max_tokens", 512),
		zap.String("model", "gpt-4o-mini"),
	)

	out := buf.String()
	assert.NotContains(t, out, liveKey)
	assert.NotContains(t, out, "abc.def-123")
	assert.Contains(t, out, `"api_key":"[REDACTED]"`)
	assert.Contains(t, out, `"header":"Authorization: [REDACTED]"`)
	assert.Contains(t, out, `"max_tokens":512`)
	assert.Contains(t, out, `"model":"gpt-4o-mini"`)
}

func TestRedaction_WithFields(t *testing.T) {
	l, buf := newJSONLogger(t, NewDefaultConfig().Redaction)

	l.With(zap.String("llm.api_key", liveKey), zap.String("base_url", "http://localhost:1234/v1")).
		Info(context.Background(), "client ready")

	out := buf.String()
	assert.NotContains(t, out, liveKey)
	assert.Contains(t, out, `"llm.api_key":"[REDACTED]"`)
	assert.Contains(t, out, "localhost:1234")
}

func TestRedaction_MessageAndErrors(t *testing.T) {
	l, buf := newJSONLogger(t, NewDefaultConfig().Redaction)

	l.Error(context.Background(), "rejected key "+liveKey,
		zap.Error(errors.New("401 from provider: invalid key "+liveKey)))

	out := buf.String()
	assert.NotContains(t, out, liveKey)
	assert.Contains(t, out, "rejected key [REDACTED]")
	assert.Contains(t, out, "invalid key [REDACTED]")
}

func TestRedaction_Disabled(t *testing.T) {
	l, buf := newJSONLogger(t, RedactionConfig{Enabled: false})

	l.Info(context.Background(), "raw", zap.String("api_key", "visible"))

	assert.Contains(t, buf.String(), `"api_key":"visible"`)
}

func TestRedactor_Sensitive(t *testing.T) {
	r, err := newRedactor(NewDefaultConfig().Redaction)
	require.NoError(t, err)

	tests := map[string]bool{
		"api_key":       true,
		"LLM.API_KEY":   true,
		"authorization": true,
		"token":         true,
		"max_tokens":    false,
		"tokens":        false,
		"statement":     false,
	}
	for key, want := range tests {
		assert.Equal(t, want, r.sensitive(key), key)
	}
}

func TestSecretFields(t *testing.T) {
	tl := NewTestLogger()

	tl.Info(context.Background(), "llm configured",
		Secret("api_key", config.Secret(liveKey)),
		RedactedString("proxy_password", "hunter2hunter2"))

	tl.AssertField(t, "llm configured", "api_key", "[REDACTED:26]")
	tl.AssertField(t, "llm configured", "proxy_password", "[REDACTED:14]")
	tl.AssertNoSecrets(t, liveKey, "hunter2hunter2")
}
