package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
)

func TestNewResource(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ServiceVersion = "1.2.3"

	res := newResource(cfg)

	values := map[string]string{}
	for _, attr := range res.Attributes() {
		values[string(attr.Key)] = attr.Value.AsString()
	}
	assert.Equal(t, "ontoledger", values["service.name"])
	assert.Equal(t, "1.2.3", values["service.version"])
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), trace.AlwaysSample().Description())
	assert.Contains(t, newSampler(0).Description(), trace.NeverSample().Description())
	assert.Contains(t, newSampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4317", stripScheme("collector:4317"))
}
