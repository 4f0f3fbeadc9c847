// Package federated は外部IdPが発行したIDトークン（RS256 JWT）を検証する。
package federated

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/agora/internal/model"
)

// IssuerPrefix はセキュアトークンの発行者URLの接頭辞。発行者は IssuerPrefix + プロジェクトID。
const IssuerPrefix = "https://securetoken.google.com/"

// MaxSubjectLength はsubクレームの最大長。
const MaxSubjectLength = 128

// ErrInvalidToken はトークンが無効であることを示す。
// 失敗理由はラップしたエラーに含まれるが、呼び出し側は区別しない。
var ErrInvalidToken = errors.New("invalid federated token")

// KeySource はkidから公開鍵を引くインターフェース。KeySet が満たす。
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// tokenClaims はトークンから読み取るクレーム。
type tokenClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Firebase      struct {
		SignInProvider string `json:"sign_in_provider"`
	} `json:"firebase"`
}

// Verifier はIDトークンを検証する。
type Verifier struct {
	keys      KeySource
	projectID string
	now       func() time.Time
}

// NewVerifier はVerifierを生成する。
func NewVerifier(keys KeySource, projectID string) *Verifier {
	return &Verifier{keys: keys, projectID: projectID, now: time.Now}
}

// Verify はトークンの署名、発行者、対象者、有効期限、発行時刻、subを検証し、クレームを返す。
// 失敗時は常に ErrInvalidToken をラップしたエラーを返す。
func (v *Verifier) Verify(ctx context.Context, raw string) (*model.FederatedClaims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, errors.New("missing kid header")
			}
			return v.keys.Key(ctx, kid)
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(IssuerPrefix+v.projectID),
		jwt.WithAudience(v.projectID),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" || len(claims.Subject) > MaxSubjectLength {
		return nil, fmt.Errorf("%w: invalid subject", ErrInvalidToken)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing iat", ErrInvalidToken)
	}

	return &model.FederatedClaims{
		Subject:        claims.Subject,
		Email:          claims.Email,
		EmailVerified:  claims.EmailVerified,
		Name:           claims.Name,
		Picture:        claims.Picture,
		SignInProvider: claims.Firebase.SignInProvider,
		IssuedAt:       claims.IssuedAt.Time,
		ExpiresAt:      claims.ExpiresAt.Time,
	}, nil
}
