package federated

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/hitoshi/agora/internal/metrics"
)

const (
	// defaultKeyTTL はレスポンスにmax-ageがない場合のキャッシュ期間。
	defaultKeyTTL = time.Hour
	// minRefreshInterval はバックグラウンド更新の最短間隔。
	minRefreshInterval = time.Minute
	// retryInterval は取得失敗時の再試行間隔。
	retryInterval = 30 * time.Second
	// maxKeySetSize は鍵セットのレスポンスとして読み込む最大バイト数。
	maxKeySetSize = 1 << 20
)

// ErrUnknownKey は鍵セットに該当するkidが存在しない。
var ErrUnknownKey = errors.New("unknown signing key id")

// KeySet はリモートの署名鍵セット（kid -> x509 PEM）をキャッシュする。
// 通常はRunによるバックグラウンド更新で最新化し、
// 未知のkidを受け取った場合のみ、レート制限の範囲内で同期的に再取得する。
type KeySet struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	metrics metrics.MetricsCollector

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time

	// refreshMu は同時に複数の取得が走らないようにする
	refreshMu sync.Mutex
}

// NewKeySet はKeySetを生成する。forceWindow は未知のkidによる強制再取得の最短間隔。
func NewKeySet(url string, client *http.Client, forceWindow time.Duration) *KeySet {
	if forceWindow <= 0 {
		forceWindow = time.Minute
	}
	return &KeySet{
		url:     url,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(forceWindow), 1),
		metrics: metrics.Nop{},
		keys:    map[string]*rsa.PublicKey{},
	}
}

// WithMetrics は取得レイテンシの記録先を設定する。
func (k *KeySet) WithMetrics(m metrics.MetricsCollector) *KeySet {
	if m != nil {
		k.metrics = m
	}
	return k
}

// Key はkidに対応する公開鍵を返す。
func (k *KeySet) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key := k.lookup(kid); key != nil {
		return key, nil
	}
	if !k.limiter.Allow() {
		return nil, ErrUnknownKey
	}
	if _, err := k.Refresh(ctx); err != nil {
		return nil, err
	}
	if key := k.lookup(kid); key != nil {
		return key, nil
	}
	return nil, ErrUnknownKey
}

func (k *KeySet) lookup(kid string) *rsa.PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[kid]
}

// Refresh は鍵セットを取得してキャッシュを置き換え、次回更新までの期間を返す。
func (k *KeySet) Refresh(ctx context.Context) (time.Duration, error) {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build key set request: %w", err)
	}
	start := time.Now()
	resp, err := k.client.Do(req)
	k.metrics.RecordKeySetRefreshLatency(time.Since(start))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch key set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to fetch key set: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetSize))
	if err != nil {
		return 0, fmt.Errorf("failed to read key set: %w", err)
	}

	var pems map[string]string
	if err := json.Unmarshal(body, &pems); err != nil {
		return 0, fmt.Errorf("failed to decode key set: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(pems))
	for kid, pem := range pems {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			slog.Warn("skipping unparsable signing key",
				slog.String("kid", kid),
				slog.String("error", err.Error()),
			)
			continue
		}
		keys[kid] = key
	}
	if len(keys) == 0 {
		return 0, errors.New("key set contains no usable keys")
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	k.mu.Lock()
	k.keys = keys
	k.expiresAt = time.Now().Add(ttl)
	k.mu.Unlock()

	slog.Info("federated key set refreshed",
		slog.Int("keys", len(keys)),
		slog.Duration("ttl", ttl),
	)
	return ttl, nil
}

// Run はコンテキストがキャンセルされるまで鍵セットを定期的に更新する。
// 更新間隔はレスポンスのCache-Control max-ageに従う。
func (k *KeySet) Run(ctx context.Context) {
	for {
		wait := retryInterval
		ttl, err := k.Refresh(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to refresh federated key set",
				slog.String("error", err.Error()),
			)
		} else {
			wait = max(ttl, minRefreshInterval)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Ready は有効期限内の鍵を保持しているかを返す。
func (k *KeySet) Ready() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys) > 0 && time.Now().Before(k.expiresAt)
}

// maxAge はCache-Controlヘッダーからmax-ageを取り出す。
func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.Trim(value, `"`))
		if err != nil || seconds <= 0 {
			return defaultKeyTTL
		}
		return time.Duration(seconds) * time.Second
	}
	return defaultKeyTTL
}

// compile-time interface check
var _ KeySource = (*KeySet)(nil)
