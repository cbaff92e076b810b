package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), "tradesentry-test", true, &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "poll")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"poll"`)
}

func TestSetupDisabled(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup(context.Background(), "tradesentry-test", false, &buf)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Empty(t, buf.String())
}
