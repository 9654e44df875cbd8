// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: launch, session, grade, poll, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeLaunchInvalid      = "LAUNCH_INVALID"
	ErrCodeLaunchConfig       = "LAUNCH_CONFIG"
	ErrCodeSessionNotFound    = "SESSION_NOT_FOUND"
	ErrCodeLTISessionRequired = "LTI_SESSION_REQUIRED"
	ErrCodeNotGraded          = "NOT_GRADED"
	ErrCodeScoreOutOfRange    = "SCORE_OUT_OF_RANGE"
	ErrCodeGradeReportFailed  = "GRADE_REPORT_FAILED"
	ErrCodeQuestionNotFound   = "QUESTION_NOT_FOUND"
	ErrCodeChoiceInvalid      = "CHOICE_INVALID"
	ErrCodeUserNotFound       = "USER_NOT_FOUND"
)

// NewLaunchInvalidError はローンチ拒否エラーを生成する。
// 署名不正・リプレイ・必須パラメータ欠落・未知のコンシューマキーのいずれでも
// クライアントには同一の一般的メッセージを返す（どの検証で落ちたかは漏らさない）。
func NewLaunchInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeLaunchInvalid,
		Message:  "LTIローンチリクエストが不正です。",
		Category: "launch",
		Action:   "LMSからコンテンツを開き直してください。解決しない場合はLMS管理者に連絡してください。",
	}
}

// NewLaunchConfigError はローンチ側の設定エラーを生成する。
// クライアント向けメッセージは署名エラーと同程度に一般的なものに留め、
// 詳細はログにのみ残す。
func NewLaunchConfigError() *APIError {
	return &APIError{
		Code:     ErrCodeLaunchConfig,
		Message:  "LTI連携の設定に問題があります。",
		Category: "launch",
		Action:   "LMS管理者にツール設定の確認を依頼してください。",
	}
}

// NewSessionNotFoundError はセッション未解決エラーを生成する。
// Cookie・sessionクエリパラメータ・Refererのいずれからもセッションキーを
// 解決できなかった場合に返す。
func NewSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  "セッションが見つかりません。",
		Category: "session",
		Action:   "LMSからコンテンツを開き直してください。",
	}
}

// NewLTISessionRequiredError はLTI認証済みセッションが必要なエラーを生成する。
func NewLTISessionRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeLTISessionRequired,
		Message:  "このコンテンツはLTIプロトコル経由でのみ利用できます。",
		Category: "session",
		Action:   "LMSからコンテンツを開き直してください。",
	}
}

// NewNotGradedError は成績対象でないローンチに対する成績送信エラーを生成する。
// lis_outcome_service_urlを欠くセッションからの成績送信は設定エラーであり、
// 不正なリクエストを送信する前に即座に失敗させる。
func NewNotGradedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotGraded,
		Message:  "このコンテンツは成績対象として設定されていません。",
		Category: "grade",
		Action:   "LMS側でコンポーネントが採点対象（graded）になっているか確認してください。",
	}
}

// NewScoreOutOfRangeError はスコア範囲エラーを生成する。
func NewScoreOutOfRangeError(score float64) *APIError {
	return &APIError{
		Code:     ErrCodeScoreOutOfRange,
		Message:  fmt.Sprintf("スコアが範囲外です: %g（0.0〜1.0である必要があります）", score),
		Category: "validation",
		Action:   "スコアは0.0から1.0の範囲で指定してください。",
	}
}

// NewGradeReportFailedError は成績送信失敗エラーを生成する。
// 呼び出し元ハンドラーはこのエラーを受けてユーザーに再試行を促す。
func NewGradeReportFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeGradeReportFailed,
		Message:  "成績の保存中にエラーが発生しました。",
		Category: "grade",
		Action:   "もう一度投票を送信してください。",
	}
}

// NewQuestionNotFoundError は設問未検出エラーを生成する。
func NewQuestionNotFoundError(questionID string) *APIError {
	return &APIError{
		Code:     ErrCodeQuestionNotFound,
		Message:  fmt.Sprintf("指定された設問が見つかりません: %s", questionID),
		Category: "poll",
		Action:   "設問IDを確認してください。",
	}
}

// NewChoiceInvalidError は選択肢不正エラーを生成する。
func NewChoiceInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeChoiceInvalid,
		Message:  "選択肢がこの設問のものではありません。",
		Category: "validation",
		Action:   "表示されている選択肢から選んでください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
// 認証ガードを通過したハンドラーでは本来発生しない（プログラミングエラー）。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "LTIユーザーが見つかりません。",
		Category: "session",
		Action:   "LMSからコンテンツを開き直してください。",
	}
}
