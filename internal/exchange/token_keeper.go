package exchange

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// TokenKeeper 在 token 临近过期时自动续期
// 优先使用 refresh token，失败后回退到 API key/secret 重新认证
type TokenKeeper struct {
	gw         *Gateway
	margin     time.Duration // 距离过期多久开始续期
	retryDelay time.Duration // 续期失败后的重试间隔
	log        *logrus.Entry
}

// NewTokenKeeper 创建 token 续期器
func NewTokenKeeper(gw *Gateway, margin, retryDelay time.Duration, log *logrus.Entry) *TokenKeeper {
	if log == nil {
		log = logrus.WithField("component", "token_keeper")
	}
	if margin <= 0 {
		margin = 60 * time.Second
	}
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}
	return &TokenKeeper{gw: gw, margin: margin, retryDelay: retryDelay, log: log}
}

// Run 阻塞运行直到 ctx 取消
func (k *TokenKeeper) Run(ctx context.Context) {
	k.log.Info("🔑 token 续期器启动")
	timer := time.NewTimer(k.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			k.log.Info("🔑 token 续期器停止")
			return
		case <-timer.C:
			wait := k.nextWait()
			if wait <= 0 {
				if err := k.renew(ctx); err != nil {
					k.log.Warnf("token 续期失败，%v 后重试: %v", k.retryDelay, err)
					wait = k.retryDelay
				} else if wait = k.nextWait(); wait <= 0 {
					// token 有效期比续期提前量还短
					wait = k.retryDelay
				}
			}
			timer.Reset(wait)
		}
	}
}

// nextWait 距离下一次续期的时间（<=0 表示需要立即续期）
func (k *TokenKeeper) nextWait() time.Duration {
	expiry := k.gw.cred.Expiry()
	if expiry.IsZero() {
		return 0
	}
	return expiry.Add(-k.margin).Sub(k.gw.now())
}

func (k *TokenKeeper) renew(ctx context.Context) error {
	if k.gw.cred.Tokens().RefreshToken != "" {
		err := k.gw.Refresh(ctx)
		if err == nil {
			return nil
		}
		k.log.Warnf("refresh token 续期失败，改用凭证重新认证: %v", err)
	}
	return k.gw.AuthenticateErr(ctx)
}
