package telemetry

import (
	"context"
	"fmt"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newBuffer(t *testing.T, maxLen int) (*RedisBuffer, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisBuffer(rdb, maxLen), mr
}

func TestRedisBufferKeepsNewestEvents(t *testing.T) {
	b, mr := newBuffer(t, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.Enqueue(ctx, Event{Tenant: "acme", Type: "Normal", Reason: fmt.Sprintf("step-%d", i)})
	}
	b.Enqueue(ctx, Event{Tenant: "globex", Type: "Normal", Reason: "Created"})

	if n, _ := mr.List(EventsKey("acme")); len(n) != 3 {
		t.Fatalf("expected list capped at 3, got %d", len(n))
	}
	evs, err := b.Recent(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(evs) != 3 || evs[0].Reason != "step-2" || evs[2].Reason != "step-4" {
		t.Fatalf("unexpected events %+v", evs)
	}
	if evs[0].Time.IsZero() {
		t.Fatalf("enqueue should stamp the event time")
	}

	last, _ := b.Recent(ctx, "acme", 1)
	if len(last) != 1 || last[0].Reason != "step-4" {
		t.Fatalf("unexpected newest event %+v", last)
	}
}

func TestRedisBufferForget(t *testing.T) {
	b, mr := newBuffer(t, 0)
	ctx := context.Background()
	b.Enqueue(ctx, Event{Tenant: "acme", Reason: "Created"})
	if err := b.Forget(ctx, "acme"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if mr.Exists(EventsKey("acme")) {
		t.Fatalf("events should be gone")
	}
}

func TestRedisBufferUnavailableDropsSilently(t *testing.T) {
	b, mr := newBuffer(t, 0)
	mr.Close()
	b.Enqueue(context.Background(), Event{Tenant: "acme", Reason: "Created"})
}

func TestGlobalEmit(t *testing.T) {
	b, _ := newBuffer(t, 0)
	SetGlobal(b)
	defer SetGlobal(nil)

	Emit(context.Background(), Event{Tenant: "acme", Reason: "Provisioning"})
	evs, err := b.Recent(context.Background(), "acme", 5)
	if err != nil || len(evs) != 1 {
		t.Fatalf("expected one event, got %v (%v)", evs, err)
	}

	SetGlobal(nil)
	Emit(context.Background(), Event{Tenant: "acme", Reason: "Ignored"})
	if err := Forget(context.Background(), "acme"); err != nil {
		t.Fatalf("noop forget: %v", err)
	}
}

func TestNormalizeEndpoint(t *testing.T) {
	cases := []struct {
		in       string
		host     string
		insecure bool
	}{
		{"http://collector:4318", "collector:4318", true},
		{"https://collector.example.com", "collector.example.com", false},
		{"collector:4318", "collector:4318", false},
	}
	for _, c := range cases {
		host, insecure, err := normalizeEndpoint(c.in)
		if err != nil || host != c.host || insecure != c.insecure {
			t.Fatalf("normalizeEndpoint(%q) = %q %v %v", c.in, host, insecure, err)
		}
	}
	if _, _, err := normalizeEndpoint("http://"); err == nil {
		t.Fatalf("expected error for missing host")
	}
}
