package ratelimit

import (
	"testing"
	"time"
)

func TestNewRedisDefaults(t *testing.T) {
	lim := NewRedis(nil, 0)
	if lim.Window != time.Minute {
		t.Fatalf("expected default one-minute window, got %v", lim.Window)
	}
	if lim.Prefix != "rl:" {
		t.Fatalf("expected default redis prefix, got %q", lim.Prefix)
	}
	if lim.Fallback == nil {
		t.Fatal("expected in-memory fallback to be initialized")
	}
}

func TestNewRedisNilClientUsesFallback(t *testing.T) {
	lim := NewRedis(nil, time.Minute)
	first := lim.Allow("agentdb:comms-agent:10.0.0.9", 1)
	if !first.Allowed {
		t.Fatalf("expected fallback allow, got %+v", first)
	}
	second := lim.Allow("agentdb:comms-agent:10.0.0.9", 1)
	if second.Allowed {
		t.Fatalf("expected fallback to enforce the budget, got %+v", second)
	}
}
