package model

import "time"

// SignInProviderAnonymous は外部IdP側の匿名サインインを示すプロバイダー名。
const SignInProviderAnonymous = "anonymous"

// FederatedClaims は検証済みの外部IDトークンから取り出したクレーム。
// トークン検証処理でのみ生成される。
type FederatedClaims struct {
	Subject        string
	Email          string
	EmailVerified  bool
	Name           string
	Picture        string
	SignInProvider string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

// ProviderAnonymous はIdP側で匿名サインインとして発行されたトークンかを返す。
func (c *FederatedClaims) ProviderAnonymous() bool {
	return c.SignInProvider == SignInProviderAnonymous
}
