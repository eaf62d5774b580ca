package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignHMAC(t *testing.T) {
	got := SignHMAC("key", "The quick brown fox jumps over the lazy dog")
	assert.Equal(t, "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8", got)
}

func TestBuildClientSignature(t *testing.T) {
	sig := BuildClientSignature("secret", 1700000000000, "abcd", "")
	assert.Equal(t, int64(1700000000000), sig.Timestamp)
	assert.Equal(t, "abcd", sig.Nonce)
	assert.Equal(t, SignHMAC("secret", "1700000000000\nabcd\n"), sig.Signature)

	other := BuildClientSignature("secret", 1700000000000, "abcd", "extra")
	assert.NotEqual(t, sig.Signature, other.Signature, "data 参与签名")
}

func TestNewNonceUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n := newNonce()
		require.Len(t, n, 32)
		require.False(t, seen[n], "nonce 重复: %s", n)
		seen[n] = true
	}
}

func TestCredentialBearerToken(t *testing.T) {
	c := NewCredential(" key ", "secret")
	assert.Equal(t, "key", c.APIKey())

	now := time.Now()
	_, ok := c.BearerToken(now)
	assert.False(t, ok, "未认证")

	c.store(TokenSet{AccessToken: "tok", Expiry: now.Add(time.Minute)})
	token, ok := c.BearerToken(now)
	assert.True(t, ok)
	assert.Equal(t, "tok", token)

	assert.False(t, c.Authenticated(now.Add(time.Minute)), "到期时刻即视为过期")
}

func TestTokenKeeper_RenewsWithRefreshToken(t *testing.T) {
	fx := newFakeExchange(t)
	fx.reply("public/auth", 200, authOK("renewed", 3600))
	g := newTestGateway(fx)
	// 即将过期：距过期 10s，小于 60s 提前量
	g.cred.store(TokenSet{AccessToken: "old", RefreshToken: "ref-old", Expiry: time.Now().Add(10 * time.Second)})

	k := NewTokenKeeper(g, time.Minute, 10*time.Millisecond, nil)
	assert.LessOrEqual(t, k.nextWait(), time.Duration(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return g.Credential().Tokens().AccessToken == "renewed"
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	calls := fx.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, "refresh_token", calls[0].Params["grant_type"])
	assert.Greater(t, k.nextWait(), 50*time.Minute)
}

func TestTokenKeeper_FallsBackToCredentials(t *testing.T) {
	fx := newFakeExchange(t)
	fx.handle("public/auth", func(p map[string]interface{}) fakeReply {
		if p["grant_type"] == "refresh_token" {
			return fakeReply{status: 400, body: rpcErrorJSON(13010, "invalid_token")}
		}
		return fakeReply{body: authOK("fresh", 3600)}
	})
	g := newTestGateway(fx)
	g.cred.store(TokenSet{AccessToken: "old", RefreshToken: "ref-old", Expiry: time.Now().Add(time.Second)})

	k := NewTokenKeeper(g, time.Minute, 10*time.Millisecond, nil)
	require.NoError(t, k.renew(context.Background()))
	assert.Equal(t, "fresh", g.Credential().Tokens().AccessToken)

	calls := fx.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "client_credentials", calls[1].Params["grant_type"])
}
