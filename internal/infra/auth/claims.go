package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeAdmin дает право менять политики через консоль
const ScopeAdmin = "admin"

// CustomClaims — содержимое токена оператора. Токены выпускает внешний IdP,
// ядро только проверяет подпись.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	OrgID  string          `json:"org_id,omitempty"` // пусто — оператор платформы, видит все организации
	Scopes map[string]bool `json:"scopes"`           // "admin": true или "escrow.read": true
	jwt.RegisteredClaims
}

type ctxKey struct{}

// WithClaims кладет проверенные claims в контекст запроса
func WithClaims(ctx context.Context, c *CustomClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimsFrom возвращает claims, положенные middleware, или nil
func ClaimsFrom(ctx context.Context) *CustomClaims {
	c, _ := ctx.Value(ctxKey{}).(*CustomClaims)
	return c
}

// HasScope — admin покрывает любые scope
func (c *CustomClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return c.Scopes[ScopeAdmin] || c.Scopes[scope]
}

// CanSeeOrg — оператор организации видит только свою организацию
func (c *CustomClaims) CanSeeOrg(orgID string) bool {
	if c == nil {
		return false
	}
	return c.OrgID == "" || c.OrgID == orgID
}
