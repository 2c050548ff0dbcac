package tenancy

import (
	"context"
	"testing"
)

func TestOrgIDRoundTrip(t *testing.T) {
	ctx := WithOrgID(context.Background(), "org-123")
	got, ok := OrgIDFromContext(ctx)
	if !ok || got != "org-123" {
		t.Fatalf("expected org-123, got %q (ok=%v)", got, ok)
	}
}

func TestOrgIDFromContextEmptyOrMissing(t *testing.T) {
	if _, ok := OrgIDFromContext(context.Background()); ok {
		t.Fatalf("expected missing org id to return false")
	}
	if _, ok := OrgIDFromContext(context.WithValue(context.Background(), orgKey, 42)); ok {
		t.Fatalf("expected non-string org id to return false")
	}
	if _, ok := OrgIDFromContext(WithOrgID(context.Background(), "")); ok {
		t.Fatalf("expected empty org id to return false")
	}
}

func TestActorFallback(t *testing.T) {
	if got := ActorFromContext(context.Background(), "api"); got != "api" {
		t.Fatalf("expected fallback actor, got %q", got)
	}
	ctx := WithActor(context.Background(), "staff-7")
	if got := ActorFromContext(ctx, "api"); got != "staff-7" {
		t.Fatalf("expected staff-7, got %q", got)
	}
}
