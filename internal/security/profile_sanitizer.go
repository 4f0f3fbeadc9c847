package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は表示名として保存する最大文字数（rune数）。
const MaxDisplayNameLength = 100

// ProfileSanitizer は外部IdP由来のプロフィール値を保存前に無害化する。
type ProfileSanitizer struct {
	policy *bluemonday.Policy
	guard  OutboundGuard
}

// NewProfileSanitizer はProfileSanitizerを生成する。
// 表示名はbluemondayのStrictPolicyで全てのタグを除去する。
func NewProfileSanitizer(guard OutboundGuard) *ProfileSanitizer {
	return &ProfileSanitizer{
		policy: bluemonday.StrictPolicy(),
		guard:  guard,
	}
}

// DisplayName はタグと制御文字を除去し、空白を整えて最大長で切り詰める。
func (s *ProfileSanitizer) DisplayName(raw string) string {
	// StrictPolicyは残したテキストをエスケープするため、保存用に戻す
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	runes := []rune(cleaned)
	if len(runes) > MaxDisplayNameLength {
		cleaned = string(runes[:MaxDisplayNameLength])
	}
	return cleaned
}

// PhotoURL はhttpsかつ安全なホストのURLのみを返し、それ以外は空文字を返す。
func (s *ProfileSanitizer) PhotoURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if err := s.guard.ValidateURL(raw); err != nil {
		return ""
	}
	return raw
}
