package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setMemoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("EVENT_STORE", "memory")
	t.Setenv("BROKER", "memory")
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("HTTP_ADDR", "127.0.0.1:0")
	t.Setenv("OTLP_ENDPOINT", "")
	t.Setenv("LOG_MODE", "production")
}

// ============================================
// Startup Tests
// ============================================

func TestRun_InvalidConfigReturnsError(t *testing.T) {
	setMemoryEnv(t)
	t.Setenv("BROKER", "carrier-pigeon")

	err := run(context.Background())
	assert.ErrorContains(t, err, "load config")
}

func TestRun_ShortJWTSecret(t *testing.T) {
	setMemoryEnv(t)
	t.Setenv("JWT_SECRET", "too-short")

	err := run(context.Background())
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestRun_StopsOnCancel(t *testing.T) {
	setMemoryEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRun_ListenFailureIsReturned(t *testing.T) {
	setMemoryEnv(t)
	t.Setenv("HTTP_ADDR", "127.0.0.1:-1")

	done := make(chan error, 1)
	go func() { done <- run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "http server")
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after listen failure")
	}
}
