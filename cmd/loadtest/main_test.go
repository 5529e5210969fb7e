package main

import (
	"testing"
	"time"
)

func TestPayloadRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 123456789)

	p := payload(128, now)
	if len(p) != 128 {
		t.Errorf("len = %d, want 128", len(p))
	}
	got, ok := sentAt(p)
	if !ok || !got.Equal(now) {
		t.Errorf("sentAt = %v, %v; want %v", got, ok, now)
	}

	if short := payload(4, now); len(short) <= 4 {
		t.Errorf("short payload lost its timestamp: %q", short)
	}
	if _, ok := sentAt("hello"); ok {
		t.Error("sentAt accepted foreign content")
	}
}
