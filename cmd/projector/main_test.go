package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRun_InvalidConfigReturnsError(t *testing.T) {
	t.Setenv("EVENT_STORE", "memory")
	t.Setenv("BROKER", "kafka")
	t.Setenv("PROJECTION_MAX_ATTEMPTS", "0")

	err := run(context.Background())
	assert.ErrorContains(t, err, "load config")
}

func TestRun_RefusesMemoryBroker(t *testing.T) {
	t.Setenv("EVENT_STORE", "memory")
	t.Setenv("BROKER", "memory")

	err := run(context.Background())
	assert.ErrorContains(t, err, "memory broker")
}
