package credential

import (
	"net/mail"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/idna"

	"github.com/hitoshi/agora/internal/security"
)

const (
	UsernameMinLength = 3
	UsernameMaxLength = 20
	PasswordMinLength = 8
	PasswordMaxLength = 72
	EmailMaxLength    = 254

	// AnonymousPrefix は匿名ユーザーの合成ユーザー名の接頭辞。利用者は使用できない。
	AnonymousPrefix = "anon_"
)

// バリデーションエラーの理由。APIError の Fields にそのまま格納する。
const (
	ReasonRequired = "required"
	ReasonLength   = "length"
	ReasonCharset  = "charset"
	ReasonFormat   = "format"
	ReasonWeak     = "weak"
	ReasonReserved = "reserved"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// builtinReserved はデータベースの予約テーブルとは別に常に拒否するユーザー名。
var builtinReserved = map[string]struct{}{
	"admin":     {},
	"root":      {},
	"system":    {},
	"moderator": {},
	"anonymous": {},
	"me":        {},
	"null":      {},
	"undefined": {},
}

// FieldErrors は入力項目名から理由へのマップ。
type FieldErrors map[string]string

// Empty はエラーがないかを返す。
func (f FieldErrors) Empty() bool {
	return len(f) == 0
}

// ValidateUsername はユーザー名の長さと文字種を検証する。問題がなければ空文字を返す。
func ValidateUsername(username string) string {
	if username == "" {
		return ReasonRequired
	}
	if len(username) < UsernameMinLength || len(username) > UsernameMaxLength {
		return ReasonLength
	}
	if !usernamePattern.MatchString(username) {
		return ReasonCharset
	}
	return ""
}

// IsBuiltinReserved は組み込みの予約名または匿名ユーザー用の接頭辞に該当するかを返す。
func IsBuiltinReserved(username string) bool {
	lower := strings.ToLower(username)
	if strings.HasPrefix(lower, AnonymousPrefix) {
		return true
	}
	_, ok := builtinReserved[lower]
	return ok
}

// NormalizeEmail は前後の空白を除去する。大文字小文字は保存時に保持し、比較はDB側で行う。
func NormalizeEmail(email string) string {
	return strings.TrimSpace(email)
}

// ValidateEmail はメールアドレスの形式を検証する。
// ドメイン部は国際化ドメイン名として登録可能な形式であることを確認する。
func ValidateEmail(email string) string {
	if email == "" {
		return ReasonRequired
	}
	if len(email) > EmailMaxLength {
		return ReasonLength
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ReasonFormat
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ReasonFormat
	}
	domain := email[at+1:]
	if !strings.Contains(domain, ".") {
		return ReasonFormat
	}
	if _, err := idna.Registration.ToASCII(domain); err != nil {
		return ReasonFormat
	}
	return ""
}

// ValidatePassword はパスワードの長さと文字種の組み合わせを検証する。
// 大文字、小文字、数字、記号をそれぞれ1文字以上含む必要がある。
func ValidatePassword(password string) string {
	if password == "" {
		return ReasonRequired
	}
	if len(password) < PasswordMinLength || len(password) > PasswordMaxLength {
		return ReasonLength
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || r == ' ':
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return ReasonWeak
	}
	return ""
}

// ValidateDisplayName は任意入力の表示名を検証する。空は許可する。
func ValidateDisplayName(displayName string) string {
	if utf8.RuneCountInString(displayName) > security.MaxDisplayNameLength {
		return ReasonLength
	}
	for _, r := range displayName {
		if unicode.IsControl(r) {
			return ReasonCharset
		}
	}
	return ""
}

// ValidateSignup はサインアップ入力をまとめて検証し、項目ごとのエラーを返す。
func ValidateSignup(username, email, password, displayName string) FieldErrors {
	errs := FieldErrors{}
	if reason := ValidateUsername(username); reason != "" {
		errs["username"] = reason
	} else if IsBuiltinReserved(username) {
		errs["username"] = ReasonReserved
	}
	if reason := ValidateEmail(email); reason != "" {
		errs["email"] = reason
	}
	if reason := ValidatePassword(password); reason != "" {
		errs["password"] = reason
	}
	if reason := ValidateDisplayName(displayName); reason != "" {
		errs["displayName"] = reason
	}
	return errs
}
