// Package credential はパスワードのハッシュ化と入力値ポリシーを提供する。
package credential

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Iterations はPBKDF2の反復回数。
	Iterations = 100000
	// KeyLength は導出する鍵のバイト長。
	KeyLength = 64
	// SaltLength はソルトのバイト長。
	SaltLength = 16
)

// Hasher はPBKDF2-HMAC-SHA512によるパスワードハッシュ化を行う。
// ダイジェストとソルトはどちらも16進文字列で保存する。
type Hasher struct {
	iterations int
}

// NewHasher は標準の反復回数を使う Hasher を生成する。
func NewHasher() *Hasher {
	return &Hasher{iterations: Iterations}
}

// GenerateSalt はランダムなソルトを生成し、生のバイト列と16進表現を返す。
func (h *Hasher) GenerateSalt() ([]byte, string, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, hex.EncodeToString(salt), nil
}

// Hash はパスワードとソルトから16進表現のダイジェストを導出する。
func (h *Hasher) Hash(password string, salt []byte) string {
	digest := pbkdf2.Key([]byte(password), salt, h.iterations, KeyLength, sha512.New)
	return hex.EncodeToString(digest)
}

// HashNew は新しいソルトでパスワードをハッシュ化し、ダイジェストとソルトを返す。
func (h *Hasher) HashNew(password string) (digest, encodedSalt string, err error) {
	salt, encodedSalt, err := h.GenerateSalt()
	if err != nil {
		return "", "", err
	}
	return h.Hash(password, salt), encodedSalt, nil
}

// Verify は保存済みのソルトとダイジェストに対してパスワードを検証する。
// 比較は定数時間で行う。ソルトやダイジェストが不正な形式の場合は false を返す。
func (h *Hasher) Verify(password, encodedSalt, digest string) bool {
	salt, err := hex.DecodeString(encodedSalt)
	if err != nil || len(salt) == 0 {
		return false
	}
	expected, err := hex.DecodeString(digest)
	if err != nil || len(expected) != KeyLength {
		return false
	}
	actual := pbkdf2.Key([]byte(password), salt, h.iterations, KeyLength, sha512.New)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}
