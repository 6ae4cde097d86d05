package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup_EmptyEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "test", "")

	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTracer_StartsSpanWithoutProvider(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "noop")
	defer span.End()

	assert.NotNil(t, span)
}
