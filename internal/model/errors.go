package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string            // エラーコード
	Message  string            // エラーメッセージ
	Category string            // カテゴリ: validation, conflict, auth, forbidden, system
	Action   string            // ユーザー向け対処方法
	Fields   map[string]string // 入力項目ごとのエラー（validationのみ）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryConflict   = "conflict"
	CategoryAuth       = "auth"
	CategoryForbidden  = "forbidden"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_FAILED"
	ErrCodeReservedUsername   = "USERNAME_RESERVED"
	ErrCodeUsernameTaken      = "USERNAME_TAKEN"
	ErrCodeEmailTaken         = "EMAIL_TAKEN"
	ErrCodeExternalTaken      = "EXTERNAL_ACCOUNT_TAKEN"
	ErrCodeAlreadyLoggedIn    = "ALREADY_LOGGED_IN"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeAccountSuspended   = "ACCOUNT_SUSPENDED"
	ErrCodeNotRegistered      = "NOT_REGISTERED"
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeTokenNotFound      = "TOKEN_NOT_FOUND"
	ErrCodeTokenUsed          = "TOKEN_USED"
	ErrCodeTokenExpired       = "TOKEN_EXPIRED"
	ErrCodeInvalidTicket      = "INVALID_TICKET"
	ErrCodeEmailAlreadyVerify = "EMAIL_ALREADY_VERIFIED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// NewValidationError は入力項目ごとのバリデーションエラーを生成する。
func NewValidationError(fields map[string]string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  "入力内容に誤りがあります。",
		Category: CategoryValidation,
		Action:   "各項目のエラー内容を確認して再度入力してください。",
		Fields:   fields,
	}
}

// NewReservedUsernameError は予約済みユーザー名エラーを生成する。
func NewReservedUsernameError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeReservedUsername,
		Message:  fmt.Sprintf("このユーザー名は使用できません: %s", username),
		Category: CategoryValidation,
		Action:   "別のユーザー名を指定してください。",
		Fields:   map[string]string{"username": "reserved"},
	}
}

// NewUsernameTakenError はユーザー名重複エラーを生成する。
func NewUsernameTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeUsernameTaken,
		Message:  "このユーザー名は既に使用されています。",
		Category: CategoryConflict,
		Action:   "別のユーザー名を指定してください。",
	}
}

// NewEmailTakenError はメールアドレス重複エラーを生成する。
func NewEmailTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailTaken,
		Message:  "このメールアドレスは既に登録されています。",
		Category: CategoryConflict,
		Action:   "ログインするか、パスワードをリセットしてください。",
	}
}

// NewExternalAccountTakenError は外部アカウントが別のユーザーに紐付いている場合のエラーを生成する。
func NewExternalAccountTakenError() *APIError {
	return &APIError{
		Code:     ErrCodeExternalTaken,
		Message:  "この外部アカウントは既に別のアカウントに登録されています。",
		Category: CategoryConflict,
		Action:   "ログアウトしてから外部アカウントでサインインしてください。",
	}
}

// NewAlreadyLoggedInError はログイン済みユーザーによる登録・ログインを拒否するエラーを生成する。
func NewAlreadyLoggedInError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyLoggedIn,
		Message:  "既にログインしています。",
		Category: CategoryConflict,
		Action:   "別のアカウントを使う場合はログアウトしてください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: CategoryAuth,
		Action:   "ユーザー名またはメールアドレスを確認してください。",
	}
}

// NewInvalidCredentialsError はパスワード不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "パスワードが正しくありません。",
		Category: CategoryAuth,
		Action:   "パスワードを確認するか、パスワードをリセットしてください。",
	}
}

// NewAccountSuspendedError は利用停止中アカウントのエラーを生成する。
func NewAccountSuspendedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountSuspended,
		Message:  "このアカウントは現在利用できません。",
		Category: CategoryForbidden,
		Action:   "運営までお問い合わせください。",
	}
}

// NewNotRegisteredError は匿名ユーザーが登録ユーザー専用の操作を行った場合のエラーを生成する。
func NewNotRegisteredError() *APIError {
	return &APIError{
		Code:     ErrCodeNotRegistered,
		Message:  "この操作には登録済みアカウントが必要です。",
		Category: CategoryAuth,
		Action:   "ログインまたはアカウント登録を行ってください。",
	}
}

// NewUnauthenticatedError は認証情報がない場合のエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証されていません。",
		Category: CategoryAuth,
		Action:   "ページを再読み込みしてください。",
	}
}

// NewInvalidTokenError は外部IDトークンが無効な場合のエラーを生成する。
func NewInvalidTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidToken,
		Message:  "認証トークンが無効です。",
		Category: CategoryAuth,
		Action:   "再度サインインしてください。",
	}
}

// NewTokenNotFoundError はワンタイムトークンが存在しない場合のエラーを生成する。
func NewTokenNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenNotFound,
		Message:  "リンクが無効です。",
		Category: CategoryAuth,
		Action:   "もう一度手続きをやり直してください。",
	}
}

// NewTokenUsedError はワンタイムトークンが使用済みの場合のエラーを生成する。
func NewTokenUsedError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenUsed,
		Message:  "このリンクは既に使用されています。",
		Category: CategoryAuth,
		Action:   "もう一度手続きをやり直してください。",
	}
}

// NewTokenExpiredError はワンタイムトークンの有効期限切れエラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "リンクの有効期限が切れています。",
		Category: CategoryAuth,
		Action:   "もう一度手続きをやり直してください。",
	}
}

// NewInvalidTicketError はハンドオフチケットが無効な場合のエラーを生成する。
// 署名不正・使用済み・期限切れを区別しない。
func NewInvalidTicketError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidTicket,
		Message:  "チケットが無効です。",
		Category: CategoryAuth,
		Action:   "接続をやり直してください。",
	}
}

// NewEmailAlreadyVerifiedError はメールアドレスが確認済みの場合のエラーを生成する。
func NewEmailAlreadyVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailAlreadyVerify,
		Message:  "メールアドレスは既に確認済みです。",
		Category: CategoryConflict,
		Action:   "操作は不要です。",
	}
}

// NewForbiddenError は他のアイデンティティに対する操作を拒否するエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作は許可されていません。",
		Category: CategoryForbidden,
		Action:   "",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
	}
}
