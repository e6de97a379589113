package auth

import (
	"context"
	"errors"
	"testing"
)

func TestStaticAuthorizer(t *testing.T) {
	a := NewStaticAuthorizer(TierPremium)
	a.Register("tok-prem", UserContext{UserID: "u1", Tier: TierPremium})
	a.Register("tok-free", UserContext{UserID: "u2", Tier: TierFree})
	ctx := context.Background()

	user, err := a.Authorize(ctx, "tok-prem")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if user.UserID != "u1" || user.Tier != TierPremium {
		t.Fatalf("unexpected user: %+v", user)
	}

	if _, err := a.Authorize(ctx, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token: err = %v, want ErrInvalidToken", err)
	}
	if _, err := a.Authorize(ctx, "tok-unknown"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown token: err = %v, want ErrInvalidToken", err)
	}
	if _, err := a.Authorize(ctx, "tok-free"); !errors.Is(err, ErrTierForbidden) {
		t.Fatalf("free tier: err = %v, want ErrTierForbidden", err)
	}
}

func TestStaticAuthorizerMultipleTiers(t *testing.T) {
	a := NewStaticAuthorizer(TierFree, TierPremium)
	a.Register("tok", UserContext{UserID: "u3", Tier: TierFree})
	if _, err := a.Authorize(context.Background(), "tok"); err != nil {
		t.Fatalf("free tier should be allowed: %v", err)
	}
}
