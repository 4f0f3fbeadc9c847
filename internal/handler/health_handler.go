package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker はデータベースの疎通確認インターフェース。*sql.DB が満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// ReadinessChecker は外部IDトークンの検証鍵を保持しているかを返す。*federated.KeySet が満たす。
type ReadinessChecker interface {
	Ready() bool
}

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status        string `json:"status"`
	FederatedKeys string `json:"federatedKeys,omitempty"`
}

// NewHealthHandler はヘルスチェック用のハンドラーを返す。
// checker が nil の場合はデータベースを確認しない。
// keys の鍵が未取得または期限切れの場合は200のまま status を degraded にする。
// GET /health
func NewHealthHandler(checker HealthChecker, keys ReadinessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
				return
			}
		}

		resp := healthResponse{Status: "ok"}
		if keys != nil {
			resp.FederatedKeys = "ready"
			if !keys.Ready() {
				slog.Warn("federated key set is not ready")
				resp.Status = "degraded"
				resp.FederatedKeys = "unavailable"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
