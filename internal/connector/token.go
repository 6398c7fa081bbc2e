package connector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/gamepulse/internal/clock"
)

const (
	// tokenSafetyMargin はトークンの有効期限より前に更新するための余裕。
	// 有効期間が短いトークンでは有効期間の半分までに縮める。
	tokenSafetyMargin = 60 * time.Second
	// tokenFetchTimeout は共有される取得処理1回あたりの上限。
	tokenFetchTimeout = 30 * time.Second
)

// TokenFetcher は新しいアクセストークンと有効期間を取得する。
type TokenFetcher func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// TokenCache は短命なアクセストークンを遅延取得してキャッシュする。
// 読み取り時に期限を確認し、必要なときだけ更新する。
// 同時に複数の更新要求があってもトークン取得は1回にまとめる。
type TokenCache struct {
	fetch TokenFetcher
	clock clock.Clock

	mu     sync.Mutex
	token  string
	expiry time.Time

	group singleflight.Group
}

// NewTokenCache はTokenCacheの新しいインスタンスを生成する。
func NewTokenCache(fetch TokenFetcher, clk clock.Clock) *TokenCache {
	return &TokenCache{fetch: fetch, clock: clk}
}

// Token は有効なトークンを返す。期限切れまたは未取得の場合は取得する。
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.clock.Now().Before(c.expiry) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	ch := c.group.DoChan("token", func() (any, error) {
		// 待機中に他の呼び出しが更新済みであればそれを使う
		c.mu.Lock()
		if c.token != "" && c.clock.Now().Before(c.expiry) {
			token := c.token
			c.mu.Unlock()
			return token, nil
		}
		c.mu.Unlock()

		// 取得は待機中の全呼び出しで共有するため、最初の呼び出し元のキャンセルは伝播させない
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenFetchTimeout)
		defer cancel()
		token, expiresIn, err := c.fetch(fetchCtx)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.token = token
		c.expiry = c.clock.Now().Add(expiresIn - safetyMargin(expiresIn))
		c.mu.Unlock()
		return token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func safetyMargin(expiresIn time.Duration) time.Duration {
	return min(tokenSafetyMargin, expiresIn/2)
}

// Invalidate は指定トークンが現在のキャッシュと一致する場合に破棄する。
// 401/403を受けたときに呼び出す。他の呼び出しが既に更新していれば何もしない。
func (c *TokenCache) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
		c.expiry = time.Time{}
	}
}
