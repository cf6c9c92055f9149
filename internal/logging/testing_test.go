package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithStage(context.Background(), "triples")

	tl.Warn(ctx, "emission rejected", zap.String("statement", "7"))
	tl.Trace(ctx, "raw completion")

	assert.Len(t, tl.Entries(), 2)
	tl.AssertLogged(t, zapcore.WarnLevel, "rejected")
	tl.AssertLogged(t, TraceLevel, "raw completion")
	tl.AssertField(t, "emission rejected", "statement", "7")
	tl.AssertField(t, "emission rejected", FieldStage, "triples")
	tl.AssertNoSecrets(t, "sk-never-logged")
}
