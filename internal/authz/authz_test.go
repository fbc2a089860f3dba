package authz

import (
	"errors"
	"testing"

	gateway "github.com/eugener/palantir/internal"
)

func TestAuthorizeOpenPolicy(t *testing.T) {
	t.Parallel()
	p := NewPolicy(nil, nil)
	claims := &gateway.Claims{UserID: 1, Plan: gateway.PlanFree}
	if err := p.AuthorizeAccessToModel(claims, "US", gateway.ProviderAnthropic, "claude-3-5-sonnet"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
}

func TestAuthorizeBlockedCountry(t *testing.T) {
	t.Parallel()
	p := NewPolicy(nil, []string{"kp"})
	claims := &gateway.Claims{UserID: 1, Plan: gateway.PlanPro, IsStaff: true}

	// Case-insensitive, and not bypassed by staff.
	err := p.AuthorizeAccessToModel(claims, "KP", gateway.ProviderOpenAI, "gpt-4o")
	if !errors.Is(err, gateway.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}

	// Absent country header skips the check.
	if err := p.AuthorizeAccessToModel(claims, "", gateway.ProviderOpenAI, "gpt-4o"); err != nil {
		t.Fatalf("authorize without country: %v", err)
	}
}

func TestAuthorizePlanGate(t *testing.T) {
	t.Parallel()
	p := NewPolicy([]string{"claude-3-opus"}, nil)

	free := &gateway.Claims{UserID: 1, Plan: gateway.PlanFree}
	if err := p.AuthorizeAccessToModel(free, "", gateway.ProviderAnthropic, "claude-3-opus"); !errors.Is(err, gateway.ErrForbidden) {
		t.Fatalf("free plan err = %v, want ErrForbidden", err)
	}

	pro := &gateway.Claims{UserID: 2, Plan: gateway.PlanPro}
	if err := p.AuthorizeAccessToModel(pro, "", gateway.ProviderAnthropic, "claude-3-opus"); err != nil {
		t.Fatalf("pro plan: %v", err)
	}

	staff := &gateway.Claims{UserID: 3, Plan: gateway.PlanFree, IsStaff: true}
	if err := p.AuthorizeAccessToModel(staff, "", gateway.ProviderAnthropic, "claude-3-opus"); err != nil {
		t.Fatalf("staff: %v", err)
	}

	// Ungated models stay open to free users.
	if err := p.AuthorizeAccessToModel(free, "", gateway.ProviderAnthropic, "claude-3-5-sonnet"); err != nil {
		t.Fatalf("ungated model: %v", err)
	}
}
