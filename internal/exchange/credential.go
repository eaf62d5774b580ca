package exchange

import (
	"strings"
	"sync"
	"time"
)

// Credential 交易所签名凭证
// apiKey/apiSecret 在进程生命周期内不变；token 集合在认证成功后整体替换
type Credential struct {
	apiKey    string
	apiSecret string

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	scope        string
	tokenExpiry  time.Time
}

// TokenSet 一次认证得到的 token 集合
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	Expiry       time.Time
}

// NewCredential 创建凭证
func NewCredential(apiKey, apiSecret string) *Credential {
	return &Credential{
		apiKey:    strings.TrimSpace(apiKey),
		apiSecret: strings.TrimSpace(apiSecret),
	}
}

// APIKey 返回 API key（client_id）
func (c *Credential) APIKey() string { return c.apiKey }

func (c *Credential) secret() string { return c.apiSecret }

// store 原子替换 token 集合
func (c *Credential) store(ts TokenSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = ts.AccessToken
	c.refreshToken = ts.RefreshToken
	c.scope = ts.Scope
	c.tokenExpiry = ts.Expiry
}

// Tokens 返回当前 token 集合的拷贝
func (c *Credential) Tokens() TokenSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return TokenSet{
		AccessToken:  c.accessToken,
		RefreshToken: c.refreshToken,
		Scope:        c.scope,
		Expiry:       c.tokenExpiry,
	}
}

// BearerToken 返回可用的 access token；未认证或已过期时 ok=false
func (c *Credential) BearerToken(now time.Time) (token string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.accessToken == "" || c.tokenExpiry.IsZero() || !now.Before(c.tokenExpiry) {
		return "", false
	}
	return c.accessToken, true
}

// Authenticated 是否持有未过期的 token
func (c *Credential) Authenticated(now time.Time) bool {
	_, ok := c.BearerToken(now)
	return ok
}

// Expiry 返回 token 过期时间（从未认证时为零值）
func (c *Credential) Expiry() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokenExpiry
}
