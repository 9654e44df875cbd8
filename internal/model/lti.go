// Package model はドメインモデルを定義する。
package model

import "time"

// Consumer は登録済みLTIコンシューマ（LMS連携）を表す。
// key/secretのペアでローンチ署名を検証する。管理者が事前に登録し、
// ローンチ処理からは読み取り専用として扱う。
type Consumer struct {
	ID                      string
	Name                    string
	Key                     string
	Secret                  string
	ExpirationDate          *time.Time // 失効日。検証時には強制しない（DESIGN.md参照）
	DefaultToolInstanceGUID string     // ローンチにguidが無い場合のフォールバック
	CreatedAt               time.Time
}

// Expired は失効日が設定済みかつ過去であるかを返す。
// 現状はログ警告にのみ使用し、ローンチ拒否には使用しない。
func (c *Consumer) Expired(now time.Time) bool {
	return c.ExpirationDate != nil && c.ExpirationDate.Before(now)
}

// LTIUser は1つのコンシューマから見た学習者/教員のLTIスコープの識別情報を表す。
// (UserID, ConsumerID, ToolInstanceGUID) の3つ組が一意キーとなる。
// 初回ローンチ成功時に遅延作成され、以後コアフローからは更新しない。
type LTIUser struct {
	ID               string
	UserID           string // コンシューマスコープの外部ユーザーID（グローバル一意ではない）
	Email            string
	ConsumerID       string
	ToolInstanceGUID string
	CreatedAt        time.Time
}

// Session はブラウザ1セッション分のサーバーサイド状態を表す。
// 検証済みローンチパラメータのフラットなkey-valueと、
// 解決済みLTIUserへの参照、認証済みフラグを保持する。
type Session struct {
	ID            string
	LTIUserID     string // 未認証セッションでは空
	Authenticated bool
	Data          map[string]string // 検証済みローンチパラメータ
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// LaunchParam キー。セッションDataの参照に使用する。
const (
	ParamMessageType       = "lti_message_type"
	ParamConsumerKey       = "oauth_consumer_key"
	ParamUserID            = "user_id"
	ParamToolInstanceGUID  = "tool_consumer_instance_guid"
	ParamResultSourcedID   = "lis_result_sourcedid"
	ParamOutcomeServiceURL = "lis_outcome_service_url"
	ParamRoles             = "roles"
	ParamEmail             = "lis_person_contact_email_primary"
)

// MessageTypeBasicLaunch はLTI基本ローンチのメッセージタイプ値。
const MessageTypeBasicLaunch = "basic-lti-launch-request"

// IsGraded はローンチが成績対象（lis_result_sourcedidを持つ）かを返す。
func (s *Session) IsGraded() bool {
	_, ok := s.Data[ParamResultSourcedID]
	return ok
}
