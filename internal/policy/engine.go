package policy

/*
Файл engine.go — Policy Engine. Чистая функция без ввода-вывода:
на вход запрос, кандидаты политик и недавняя история переводов кошелька,
на выход решение allow/deny с указанием политики и правила.
Денежная арифметика только целочисленная (uint64), с проверкой переполнения.
*/

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

// Evaluate проверяет перевод по всем включенным применимым политикам.
// Первый сработавший запрет отклоняет весь запрос.
func Evaluate(req domain.TransferRequest, candidates []domain.Policy, history []domain.Transfer, now time.Time) domain.Decision {
	for _, p := range Applicable(candidates, req.OrgID, req.AgentID) {
		if d := evaluatePolicy(p, req, history, now); !d.Allowed {
			return d
		}
	}
	return domain.Allow()
}

// Applicable фильтрует кандидатов по области и флагу enabled и сортирует по приоритету.
// Приоритет задает только порядок: проходить должны все.
func Applicable(candidates []domain.Policy, orgID, agentID string) []domain.Policy {
	out := make([]domain.Policy, 0, len(candidates))
	for i := range candidates {
		if candidates[i].AppliesTo(orgID, agentID) {
			out = append(out, candidates[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HistoryWindow — насколько глубоко нужна история для этих политик
func HistoryWindow(policies []domain.Policy) time.Duration {
	var w time.Duration
	for _, p := range policies {
		if pw := p.Rules.MaxWindow(); pw > w {
			w = pw
		}
	}
	return w
}

// WindowSpend суммирует переводы кошелька в токене за окно (since, ...].
// Сумма насыщается на MaxUint64 вместо переполнения.
func WindowSpend(history []domain.Transfer, wallet, token string, since time.Time) uint64 {
	var total uint64
	for _, t := range history {
		if t.SourceWallet != wallet || !strings.EqualFold(t.Token, token) {
			continue
		}
		if !t.Status.CountsTowardsWindow() || !t.CreatedAt.After(since) {
			continue
		}
		sum, overflow := domain.AddAmount(total, t.Amount)
		if overflow {
			return ^uint64(0)
		}
		total = sum
	}
	return total
}

func evaluatePolicy(p domain.Policy, req domain.TransferRequest, history []domain.Transfer, now time.Time) domain.Decision {
	rules := make(domain.RuleSet, len(p.Rules))
	copy(rules, p.Rules)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Kind().Rank() < rules[j].Kind().Rank()
	})

	for _, rule := range rules {
		switch r := rule.(type) {
		case domain.PerTransactionCap:
			if req.Amount > r.Max {
				return domain.Deny(p.ID, r.Kind(), fmt.Sprintf("amount %d exceeds cap %d", req.Amount, r.Max))
			}

		case domain.RollingWindowCap:
			spent := WindowSpend(history, req.SourceWallet, req.Token, now.Add(-r.Window()))
			total, overflow := domain.AddAmount(spent, req.Amount)
			// Сумма за окно вместе с переводом должна оставаться строго ниже лимита
			if overflow || total >= r.Max {
				return domain.Deny(p.ID, r.Kind(),
					fmt.Sprintf("window spend %d plus amount %d reaches cap %d over %s", spent, req.Amount, r.Max, r.Window()))
			}

		case domain.DestinationAllowList:
			if len(r.Addresses) > 0 && !contains(r.Addresses, req.Destination, false) {
				return domain.Deny(p.ID, r.Kind(), fmt.Sprintf("destination %s is not allowed", req.Destination))
			}

		case domain.TokenAllowList:
			if len(r.Tokens) > 0 && !contains(r.Tokens, req.Token, true) {
				return domain.Deny(p.ID, r.Kind(), fmt.Sprintf("token %s is not allowed", req.Token))
			}

		case domain.DestinationDenyList:
			if contains(r.Addresses, req.Destination, false) {
				return domain.Deny(p.ID, r.Kind(), fmt.Sprintf("destination %s is blocked", req.Destination))
			}

		case domain.UnknownRule:
			// Правило новой версии схемы: не понимаем — не разрешаем
			return domain.Deny(p.ID, r.Kind(), fmt.Sprintf("unsupported rule kind %q", r.RawKind))

		default:
			return domain.Deny(p.ID, domain.RuleUnknown, fmt.Sprintf("unsupported rule %T", rule))
		}
	}
	return domain.Allow()
}

func contains(list []string, v string, foldCase bool) bool {
	for _, item := range list {
		if item == v || (foldCase && strings.EqualFold(item, v)) {
			return true
		}
	}
	return false
}
