package metrics

import (
	"context"
	"testing"
	"time"
)

func TestServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not shut down after cancellation")
	}
}

func TestServeReportsListenFailure(t *testing.T) {
	err := Serve(context.Background(), "256.256.256.256:0")
	if err == nil {
		t.Fatal("expected listen failure")
	}
}
