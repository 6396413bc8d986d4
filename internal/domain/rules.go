package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// RuleKind — дискриминатор варианта правила в JSON: {"kind": "...", ...}
type RuleKind string

const (
	RulePerTransactionCap    RuleKind = "per_transaction_cap"
	RuleRollingWindowCap     RuleKind = "rolling_window_cap"
	RuleDestinationAllowList RuleKind = "destination_allow_list"
	RuleTokenAllowList       RuleKind = "token_allow_list"
	RuleDestinationDenyList  RuleKind = "destination_deny_list"
	RuleUnknown              RuleKind = "unknown"

	// RuleAgentSuspended — не правило политики, а отказ kill-switch до оценки политик
	RuleAgentSuspended RuleKind = "agent_suspended"
)

// DefaultRuleWindow — окно скользящего лимита, если в правиле оно не задано
const DefaultRuleWindow = 24 * time.Hour

// Label — человекочитаемое имя правила для причин отказа
func (k RuleKind) Label() string {
	switch k {
	case RulePerTransactionCap:
		return "per-transaction cap"
	case RuleRollingWindowCap:
		return "rolling-window cap"
	case RuleDestinationAllowList:
		return "destination allow-list"
	case RuleTokenAllowList:
		return "token allow-list"
	case RuleDestinationDenyList:
		return "destination deny-list"
	case RuleAgentSuspended:
		return "agent suspension"
	default:
		return "unsupported rule"
	}
}

// Rank задает фиксированный порядок проверки правил внутри одной политики
func (k RuleKind) Rank() int {
	switch k {
	case RulePerTransactionCap:
		return 0
	case RuleRollingWindowCap:
		return 1
	case RuleDestinationAllowList:
		return 2
	case RuleTokenAllowList:
		return 3
	case RuleDestinationDenyList:
		return 4
	default:
		return 5
	}
}

type Rule interface {
	Kind() RuleKind
}

type PerTransactionCap struct {
	Max uint64 `json:"max"`
}

// RollingWindowCap ограничивает сумму переводов кошелька за окно. Сумма за окно вместе
// с новым переводом должна остаться строго ниже Max (total >= Max запрещает), поэтому
// потратить лимит ровно до Max нельзя: для бюджета N задают Max = N+1.
type RollingWindowCap struct {
	Max           uint64 `json:"max"`
	WindowSeconds int64  `json:"window_seconds,omitempty"`
}

type DestinationAllowList struct {
	Addresses []string `json:"addresses"`
}

type TokenAllowList struct {
	Tokens []string `json:"tokens"`
}

type DestinationDenyList struct {
	Addresses []string `json:"addresses"`
}

// UnknownRule сохраняет правило, которое эта версия не понимает. Движок трактует его как запрет.
type UnknownRule struct {
	RawKind string
	Raw     json.RawMessage
}

func (PerTransactionCap) Kind() RuleKind    { return RulePerTransactionCap }
func (RollingWindowCap) Kind() RuleKind     { return RuleRollingWindowCap }
func (DestinationAllowList) Kind() RuleKind { return RuleDestinationAllowList }
func (TokenAllowList) Kind() RuleKind       { return RuleTokenAllowList }
func (DestinationDenyList) Kind() RuleKind  { return RuleDestinationDenyList }
func (UnknownRule) Kind() RuleKind          { return RuleUnknown }

func (r RollingWindowCap) Window() time.Duration {
	if r.WindowSeconds <= 0 {
		return DefaultRuleWindow
	}
	return time.Duration(r.WindowSeconds) * time.Second
}

// RuleSet — упорядоченный набор правил политики
type RuleSet []Rule

// MaxWindow — самое длинное окно среди скользящих лимитов (0, если их нет)
func (s RuleSet) MaxWindow() time.Duration {
	var maxWindow time.Duration
	for _, r := range s {
		if w, ok := r.(RollingWindowCap); ok && w.Window() > maxWindow {
			maxWindow = w.Window()
		}
	}
	return maxWindow
}

func (s RuleSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		raw, err := encodeRule(r)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (s *RuleSet) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("rules: %w", err)
	}

	out := make(RuleSet, 0, len(items))
	for _, item := range items {
		r, err := decodeRule(item)
		if err != nil {
			return err
		}
		out = append(out, r)
	}
	*s = out
	return nil
}

func encodeRule(r Rule) ([]byte, error) {
	if u, ok := r.(UnknownRule); ok {
		return u.Raw, nil
	}

	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("rules: encode %s: %w", r.Kind(), err)
	}
	kind, _ := json.Marshal(r.Kind())

	// Вклеиваем дискриминатор первым полем объекта
	out := append([]byte(`{"kind":`), kind...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

func decodeRule(raw json.RawMessage) (Rule, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}

	var (
		r   Rule
		err error
	)
	switch RuleKind(head.Kind) {
	case RulePerTransactionCap:
		var v PerTransactionCap
		err = json.Unmarshal(raw, &v)
		r = v
	case RuleRollingWindowCap:
		var v RollingWindowCap
		err = json.Unmarshal(raw, &v)
		r = v
	case RuleDestinationAllowList:
		var v DestinationAllowList
		err = json.Unmarshal(raw, &v)
		r = v
	case RuleTokenAllowList:
		var v TokenAllowList
		err = json.Unmarshal(raw, &v)
		r = v
	case RuleDestinationDenyList:
		var v DestinationDenyList
		err = json.Unmarshal(raw, &v)
		r = v
	default:
		r = UnknownRule{RawKind: head.Kind, Raw: append(json.RawMessage(nil), raw...)}
	}
	if err != nil {
		return nil, fmt.Errorf("rules: decode %s: %w", head.Kind, err)
	}
	return r, nil
}
