package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectRedis_EmptyURLDisablesCache(t *testing.T) {
	client, err := connectRedis(context.Background(), "", discardLogger())
	if err != nil {
		t.Fatalf("connectRedis() error = %v, want nil", err)
	}
	if client != nil {
		t.Fatal("expected nil client for empty URL")
	}
	if cacheBackend(client) != nil {
		t.Fatal("expected nil backend for nil client")
	}
}

func TestConnectRedis_InvalidURL(t *testing.T) {
	_, err := connectRedis(context.Background(), "not-a-redis-url", discardLogger())
	if err == nil {
		t.Fatal("expected error for invalid URL")
	}
	if !strings.Contains(err.Error(), "parse redis url") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestConnectRedis_UnreachableServerStillReturnsClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Port 1 is closed; the ping fails but the client is still usable once
	// Redis comes back.
	client, err := connectRedis(ctx, "redis://127.0.0.1:1", discardLogger())
	if err != nil {
		t.Fatalf("connectRedis() error = %v, want nil", err)
	}
	if client == nil {
		t.Fatal("expected non-nil client despite failed ping")
	}
	defer client.Close()

	if cacheBackend(client) == nil {
		t.Fatal("expected non-nil backend for live client")
	}
}
