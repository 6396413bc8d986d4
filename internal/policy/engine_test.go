package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func sol(t *testing.T, s string) uint64 {
	t.Helper()
	v, err := domain.ParseAmount(s, domain.DecimalsFor("SOL"))
	if err != nil {
		t.Fatalf("ParseAmount(%q): %v", s, err)
	}
	return v
}

func baseRequest(amount uint64) domain.TransferRequest {
	return domain.TransferRequest{
		OrgID:        "org-1",
		AgentID:      "agent-1",
		SourceWallet: "wallet-1",
		Destination:  "dest-1",
		Amount:       amount,
		Token:        "SOL",
	}
}

func TestEvaluateRules(t *testing.T) {
	tests := []struct {
		name     string
		policies []domain.Policy
		history  []domain.Transfer
		req      domain.TransferRequest
		wantRule domain.RuleKind // "" — разрешено
	}{
		{
			name:     "no policies allows",
			req:      baseRequest(100),
			wantRule: "",
		},
		{
			name: "per-transaction cap exceeded",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{domain.PerTransactionCap{Max: 50}},
			}},
			req:      baseRequest(51),
			wantRule: domain.RulePerTransactionCap,
		},
		{
			name: "per-transaction cap equal amount allowed",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{domain.PerTransactionCap{Max: 50}},
			}},
			req:      baseRequest(50),
			wantRule: "",
		},
		{
			name: "disabled policy is ignored",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: false,
				Rules: domain.RuleSet{domain.PerTransactionCap{Max: 1}},
			}},
			req:      baseRequest(100),
			wantRule: "",
		},
		{
			name: "other organization is out of scope",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-2", Enabled: true,
				Rules: domain.RuleSet{domain.PerTransactionCap{Max: 1}},
			}},
			req:      baseRequest(100),
			wantRule: "",
		},
		{
			name: "agent scoped policy applies",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeAgent, ScopeID: "agent-1", Enabled: true,
				Rules: domain.RuleSet{domain.TokenAllowList{Tokens: []string{"usdc"}}},
			}},
			req:      baseRequest(100),
			wantRule: domain.RuleTokenAllowList,
		},
		{
			name: "token allow-list is case insensitive",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeAgent, ScopeID: "agent-1", Enabled: true,
				Rules: domain.RuleSet{domain.TokenAllowList{Tokens: []string{"sol"}}},
			}},
			req:      baseRequest(100),
			wantRule: "",
		},
		{
			name: "empty destination allow-list allows everything",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{domain.DestinationAllowList{}},
			}},
			req:      baseRequest(100),
			wantRule: "",
		},
		{
			name: "destination not in allow-list",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{domain.DestinationAllowList{Addresses: []string{"dest-2"}}},
			}},
			req:      baseRequest(100),
			wantRule: domain.RuleDestinationAllowList,
		},
		{
			name: "destination deny-list",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{domain.DestinationDenyList{Addresses: []string{"dest-1"}}},
			}},
			req:      baseRequest(100),
			wantRule: domain.RuleDestinationDenyList,
		},
		{
			name: "unknown rule fails closed",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{domain.UnknownRule{RawKind: "velocity"}},
			}},
			req:      baseRequest(100),
			wantRule: domain.RuleUnknown,
		},
		{
			name: "rule order inside policy is fixed",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{
					domain.TokenAllowList{Tokens: []string{"USDC"}},
					domain.PerTransactionCap{Max: 10},
				},
			}},
			req:      baseRequest(100),
			wantRule: domain.RulePerTransactionCap,
		},
		{
			name: "rolling window ignores failed and stale transfers",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{domain.RollingWindowCap{Max: 1000}},
			}},
			history: []domain.Transfer{
				{SourceWallet: "wallet-1", Token: "SOL", Amount: 800, Status: domain.TransferFailed, CreatedAt: testNow.Add(-time.Hour)},
				{SourceWallet: "wallet-1", Token: "SOL", Amount: 800, Status: domain.TransferConfirmed, CreatedAt: testNow.Add(-25 * time.Hour)},
				{SourceWallet: "wallet-2", Token: "SOL", Amount: 800, Status: domain.TransferConfirmed, CreatedAt: testNow.Add(-time.Hour)},
				{SourceWallet: "wallet-1", Token: "USDC", Amount: 800, Status: domain.TransferConfirmed, CreatedAt: testNow.Add(-time.Hour)},
			},
			req:      baseRequest(500),
			wantRule: "",
		},
		{
			name: "rolling window counts unknown outcomes",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{domain.RollingWindowCap{Max: 1000}},
			}},
			history: []domain.Transfer{
				{SourceWallet: "wallet-1", Token: "SOL", Amount: 600, Status: domain.TransferUnknown, CreatedAt: testNow.Add(-time.Hour)},
			},
			req:      baseRequest(500),
			wantRule: domain.RuleRollingWindowCap,
		},
		{
			name: "rolling window total reaching cap denied",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{domain.RollingWindowCap{Max: 1000}},
			}},
			history: []domain.Transfer{
				{SourceWallet: "wallet-1", Token: "SOL", Amount: 400, Status: domain.TransferConfirmed, CreatedAt: testNow.Add(-time.Hour)},
			},
			req:      baseRequest(600),
			wantRule: domain.RuleRollingWindowCap,
		},
		{
			name: "rolling window total below cap allowed",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{domain.RollingWindowCap{Max: 1000}},
			}},
			history: []domain.Transfer{
				{SourceWallet: "wallet-1", Token: "SOL", Amount: 400, Status: domain.TransferConfirmed, CreatedAt: testNow.Add(-time.Hour)},
			},
			req:      baseRequest(599),
			wantRule: "",
		},
		{
			name: "custom window length",
			policies: []domain.Policy{{
				ID: "p1", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
				Rules: domain.RuleSet{domain.RollingWindowCap{Max: 1000, WindowSeconds: 3600}},
			}},
			history: []domain.Transfer{
				{SourceWallet: "wallet-1", Token: "SOL", Amount: 900, Status: domain.TransferConfirmed, CreatedAt: testNow.Add(-2 * time.Hour)},
			},
			req:      baseRequest(500),
			wantRule: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.req, tt.policies, tt.history, testNow)
			if tt.wantRule == "" {
				if !d.Allowed {
					t.Fatalf("expected allow, got deny by %s: %s", d.Rule, d.Reason)
				}
				return
			}
			if d.Allowed {
				t.Fatalf("expected deny by %s, got allow", tt.wantRule)
			}
			if d.Rule != tt.wantRule {
				t.Fatalf("rule = %s, want %s", d.Rule, tt.wantRule)
			}
			if d.PolicyID != "p1" {
				t.Fatalf("policy id = %q, want p1", d.PolicyID)
			}
		})
	}
}

func TestEvaluateAllPoliciesMustPass(t *testing.T) {
	policies := []domain.Policy{
		{ID: "loose", Priority: 1, Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
			Rules: domain.RuleSet{domain.PerTransactionCap{Max: 1000}}},
		{ID: "strict", Priority: 5, Scope: domain.ScopeAgent, ScopeID: "agent-1", Enabled: true,
			Rules: domain.RuleSet{domain.PerTransactionCap{Max: 10}}},
	}

	d := Evaluate(baseRequest(100), policies, nil, testNow)
	if d.Allowed || d.PolicyID != "strict" {
		t.Fatalf("expected deny by strict policy, got %+v", d)
	}
}

func TestEvaluatePriorityOrdersDenials(t *testing.T) {
	policies := []domain.Policy{
		{ID: "b", Priority: 20, Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
			Rules: domain.RuleSet{domain.PerTransactionCap{Max: 1}}},
		{ID: "a", Priority: 10, Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
			Rules: domain.RuleSet{domain.DestinationDenyList{Addresses: []string{"dest-1"}}}},
	}

	d := Evaluate(baseRequest(100), policies, nil, testNow)
	if d.PolicyID != "a" || d.Rule != domain.RuleDestinationDenyList {
		t.Fatalf("expected first denial from policy a, got %+v", d)
	}
}

// Сценарий: лимит на перевод 0.005 и суточный лимит 0.01
func TestEvaluateDailyCapScenario(t *testing.T) {
	policies := []domain.Policy{{
		ID: "daily", Scope: domain.ScopeOrganization, ScopeID: "org-1", Enabled: true,
		Rules: domain.RuleSet{
			domain.PerTransactionCap{Max: sol(t, "0.005")},
			domain.RollingWindowCap{Max: sol(t, "0.01")},
		},
	}}
	var history []domain.Transfer

	d := Evaluate(baseRequest(sol(t, "0.02")), policies, history, testNow)
	if d.Allowed || d.Rule != domain.RulePerTransactionCap {
		t.Fatalf("0.02: expected per-transaction cap denial, got %+v", d)
	}
	if got := d.Rule.Label(); got != "per-transaction cap" {
		t.Fatalf("label = %q", got)
	}

	d = Evaluate(baseRequest(sol(t, "0.005")), policies, history, testNow)
	if !d.Allowed {
		t.Fatalf("first 0.005: expected allow, got %+v", d)
	}
	history = append(history, domain.Transfer{
		SourceWallet: "wallet-1", Token: "SOL", Amount: sol(t, "0.005"),
		Status: domain.TransferConfirmed, CreatedAt: testNow,
	})

	d = Evaluate(baseRequest(sol(t, "0.005")), policies, history, testNow.Add(time.Hour))
	if d.Allowed || d.Rule != domain.RuleRollingWindowCap {
		t.Fatalf("second 0.005: expected rolling-window cap denial, got %+v", d)
	}
	if got := d.Rule.Label(); got != "rolling-window cap" {
		t.Fatalf("label = %q", got)
	}

	// Через сутки окно освобождается
	d = Evaluate(baseRequest(sol(t, "0.005")), policies, history, testNow.Add(25*time.Hour))
	if !d.Allowed {
		t.Fatalf("next day: expected allow, got %+v", d)
	}
}

func TestRuleSetJSON(t *testing.T) {
	raw := []byte(`[
		{"kind":"per_transaction_cap","max":5000000},
		{"kind":"rolling_window_cap","max":10000000},
		{"kind":"token_allow_list","tokens":["SOL"]},
		{"kind":"velocity","per_minute":3}
	]`)

	var rules domain.RuleSet
	if err := json.Unmarshal(raw, &rules); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rules) != 4 {
		t.Fatalf("len = %d, want 4", len(rules))
	}
	if c, ok := rules[0].(domain.PerTransactionCap); !ok || c.Max != 5000000 {
		t.Fatalf("rules[0] = %#v", rules[0])
	}
	if w, ok := rules[1].(domain.RollingWindowCap); !ok || w.Window() != domain.DefaultRuleWindow {
		t.Fatalf("rules[1] = %#v", rules[1])
	}
	u, ok := rules[3].(domain.UnknownRule)
	if !ok || u.RawKind != "velocity" {
		t.Fatalf("rules[3] = %#v", rules[3])
	}

	// Неизвестное правило переживает повторную сериализацию без потерь
	out, err := json.Marshal(rules)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var again domain.RuleSet
	if err := json.Unmarshal(out, &again); err != nil {
		t.Fatalf("unmarshal again: %v", err)
	}
	if u2, ok := again[3].(domain.UnknownRule); !ok || u2.RawKind != "velocity" {
		t.Fatalf("unknown rule lost: %#v", again[3])
	}
}

func TestParseBundle(t *testing.T) {
	raw := []byte(`
policies:
  - id: org-default
    scope: organization
    scope_id: org-1
    priority: 10
    rules:
      - kind: per_transaction_cap
        max: 5000000
      - kind: destination_allow_list
        addresses: [dest-1, dest-2]
  - id: agent-off
    scope: agent
    scope_id: agent-1
    org_id: org-1
    enabled: false
    rules: []
`)
	policies, err := ParseBundle(raw)
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("len = %d, want 2", len(policies))
	}
	p := policies[0]
	if !p.Enabled || p.OrgID != "org-1" || len(p.Rules) != 2 {
		t.Fatalf("unexpected first policy: %+v", p)
	}
	if allow, ok := p.Rules[1].(domain.DestinationAllowList); !ok || len(allow.Addresses) != 2 {
		t.Fatalf("rules[1] = %#v", p.Rules[1])
	}
	if policies[1].Enabled {
		t.Fatalf("second policy must be disabled")
	}

	if _, err := ParseBundle([]byte("policies:\n  - id: x\n    scope: team\n    scope_id: y\n")); err == nil {
		t.Fatalf("expected error for unknown scope")
	}
}

func TestStaticSourceCandidates(t *testing.T) {
	src := StaticSource{
		{ID: "org", Scope: domain.ScopeOrganization, ScopeID: "org-1"},
		{ID: "agent", Scope: domain.ScopeAgent, ScopeID: "agent-1"},
		{ID: "other", Scope: domain.ScopeAgent, ScopeID: "agent-2"},
	}
	got, err := src.Candidates(t.Context(), "org-1", "agent-1")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(got), got)
	}
}
