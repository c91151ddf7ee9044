package auth

import (
	"context"
	"testing"
)

func TestPrincipalRoundTrip(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), "  alice ")
	got, ok := PrincipalFromContext(ctx)
	if !ok || got != "alice" {
		t.Fatalf("expected alice, got %q (%v)", got, ok)
	}
	if a := Author(ctx); a == nil || *a != "alice" {
		t.Fatalf("unexpected author %v", a)
	}
}

func TestMissingPrincipalIsSystem(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), "   ")
	if _, ok := PrincipalFromContext(ctx); ok {
		t.Fatalf("blank principal should not be stored")
	}
	if Author(ctx) != nil {
		t.Fatalf("expected nil author for system action")
	}
	//nolint:staticcheck // nil context is tolerated on purpose
	if _, ok := PrincipalFromContext(nil); ok {
		t.Fatalf("nil context should carry no principal")
	}
}
