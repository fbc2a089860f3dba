package gateway

import "testing"

func TestParseProvider(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want Provider
		ok   bool
	}{
		{"anthropic", ProviderAnthropic, true},
		{"openAi", ProviderOpenAI, true},
		{"google", ProviderGoogle, true},
		{"zed", ProviderZed, true},
		{"openai", "", false},
		{"OpenAI", "", false},
		{"", "", false},
		{"mistral", "", false},
	}
	for _, c := range cases {
		got, ok := ParseProvider(c.in)
		if got != c.want || ok != c.ok {
			t.Errorf("ParseProvider(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestNormalizeModelName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		provider Provider
		in, want string
	}{
		{ProviderAnthropic, "claude-3-5-sonnet-20240620", "claude-3-5-sonnet"},
		{ProviderAnthropic, "claude-3-5-sonnet", "claude-3-5-sonnet"},
		{ProviderAnthropic, "claude-3-opus-20240229", "claude-3-opus"},
		// "claude-3-sonnet" must not swallow the longer 3-5 family.
		{ProviderAnthropic, "claude-3-sonnet-20240229", "claude-3-sonnet"},
		{ProviderAnthropic, "claude-9000", "claude-9000"},
		{ProviderOpenAI, "gpt-4o-2024-05-13", "gpt-4o"},
		{ProviderOpenAI, "gpt-4o-mini-2024-07-18", "gpt-4o-mini"},
		{ProviderOpenAI, "gpt-4-turbo-preview", "gpt-4-turbo-preview"},
		{ProviderOpenAI, "gpt-4-0613", "gpt-4"},
		// Google and the self-hosted provider have no known prefixes.
		{ProviderGoogle, "gemini-1.5-pro-002", "gemini-1.5-pro-002"},
		{ProviderZed, "qwen2-7b-instruct", "qwen2-7b-instruct"},
	}
	for _, c := range cases {
		if got := NormalizeModelName(c.provider, c.in); got != c.want {
			t.Errorf("NormalizeModelName(%s, %q) = %q, want %q", c.provider, c.in, got, c.want)
		}
	}
}

func TestContextClaimsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := ContextWithRequestID(t.Context(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("request id = %q", got)
	}
	if ClaimsFromContext(ctx) != nil {
		t.Fatal("claims should be nil before authentication")
	}

	claims := &Claims{UserID: 42, Plan: PlanPro}
	ctx2 := ContextWithClaims(ctx, claims)
	// Stored by pointer mutation: the original context sees the claims too.
	if ctx2 != ctx {
		t.Error("expected claims to be stored in the existing request metadata")
	}
	if got := ClaimsFromContext(ctx); got != claims {
		t.Fatalf("claims = %+v", got)
	}
}
