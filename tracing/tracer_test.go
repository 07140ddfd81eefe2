package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracerProvider_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := InitTracerProvider("svault-test", &buf)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "broker.Test")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "broker.Test")
	assert.Contains(t, buf.String(), "svault-test")
}
