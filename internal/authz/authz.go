// Package authz decides whether an authenticated caller may use a language
// model. Policy is config-driven: plan-gated models and blocked countries.
package authz

import (
	"fmt"
	"strings"

	gateway "github.com/eugener/palantir/internal"
)

// Policy encodes model-access rules evaluated before admission.
type Policy struct {
	proModels        map[string]struct{}
	blockedCountries map[string]struct{}
}

// NewPolicy creates a Policy. proModels lists normalized model names that
// require the pro plan; blockedCountries lists two-letter country codes the
// service must not serve.
func NewPolicy(proModels, blockedCountries []string) *Policy {
	p := &Policy{
		proModels:        make(map[string]struct{}, len(proModels)),
		blockedCountries: make(map[string]struct{}, len(blockedCountries)),
	}
	for _, m := range proModels {
		p.proModels[m] = struct{}{}
	}
	for _, c := range blockedCountries {
		p.blockedCountries[strings.ToUpper(c)] = struct{}{}
	}
	return p
}

// AuthorizeAccessToModel returns nil when the caller may use the model, or
// an error wrapping gateway.ErrForbidden. countryCode comes from the trusted
// proxy header and may be empty. Staff accounts bypass the plan gate but not
// the country block.
func (p *Policy) AuthorizeAccessToModel(claims *gateway.Claims, countryCode string, provider gateway.Provider, model string) error {
	if countryCode != "" {
		if _, blocked := p.blockedCountries[strings.ToUpper(countryCode)]; blocked {
			return fmt.Errorf("%w: access from country %q is not available", gateway.ErrForbidden, strings.ToUpper(countryCode))
		}
	}

	if _, gated := p.proModels[model]; gated {
		if claims.Plan != gateway.PlanPro && !claims.IsStaff {
			return fmt.Errorf("%w: model %s/%s requires the pro plan", gateway.ErrForbidden, provider, model)
		}
	}
	return nil
}
