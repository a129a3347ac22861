package trace

import (
	"context"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := FromContext(ctx); got != "" {
		t.Fatalf("empty context trace = %q", got)
	}
	id := GenerateTraceID()
	if len(id) != 32 {
		t.Fatalf("trace id length = %d, want 32", len(id))
	}
	if got := FromContext(WithContext(ctx, id)); got != id {
		t.Fatalf("trace id = %q, want %q", got, id)
	}
}

func TestFromHeaderPrefersTraceHeader(t *testing.T) {
	if got := FromHeader("a", "b"); got != "a" {
		t.Fatalf("got %q", got)
	}
	if got := FromHeader("", "b"); got != "b" {
		t.Fatalf("got %q", got)
	}
}
