// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/ltipoll/internal/model"
)

// ConsumerRepository はLTIコンシューマの永続化インターフェース。
// コンシューマはローンチフローからは読み取り専用で、登録はCLI経由のみ。
type ConsumerRepository interface {
	// FindByKey は指定キーのコンシューマを取得する。見つからない場合はnilを返す。
	// キーが唯一の資格情報選択入力であり、失効日はここでは強制しない。
	FindByKey(ctx context.Context, key string) (*model.Consumer, error)

	// Create はコンシューマを作成する。name/key/secretの一意制約違反はエラーになる。
	Create(ctx context.Context, consumer *model.Consumer) error
}

// LTIUserRepository はLTIユーザーの永続化インターフェース。
type LTIUserRepository interface {
	// FindByID は指定IDのLTIユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.LTIUser, error)

	// FindByTriple は(user_id, consumer_id, tool_instance_guid)の3つ組で
	// LTIユーザーを検索する。見つからない場合はnilを返す。
	FindByTriple(ctx context.Context, userID, consumerID, toolInstanceGUID string) (*model.LTIUser, error)

	// Create はLTIユーザーを作成する。3つ組の一意制約違反は
	// IsUniqueViolationで判定できるエラーを返す。
	Create(ctx context.Context, user *model.LTIUser) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Bind は検証済みローンチパラメータと解決済みユーザーIDをセッションに書き込み、
	// 認証済みフラグを立てる。
	Bind(ctx context.Context, id, ltiUserID string, data map[string]string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// NonceRepository は使用済みoauth_nonceの永続化インターフェース。
// リプレイ検出のためnonceは一定期間記録される。
type NonceRepository interface {
	// Remember は(consumer_key, nonce, timestamp)を記録する。
	// 既に記録済み（リプレイ）の場合はfalseを返す。
	Remember(ctx context.Context, consumerKey, nonce string, timestamp int64) (bool, error)
	// DeleteSeenBefore は指定時刻より前に記録されたnonceを削除し、削除件数を返す。
	// タイムスタンプ検証の許容窓より十分長い保持期間で呼び出すこと。
	DeleteSeenBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// QuestionRepository は設問データの永続化インターフェース。
type QuestionRepository interface {
	// FindByID は指定IDの設問を選択肢付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Question, error)
	// Create は設問と選択肢を同一トランザクションで作成する。
	Create(ctx context.Context, question *model.Question) error
}

// ResponseRepository は回答データの永続化インターフェース。
type ResponseRepository interface {
	// FindByUserAndQuestion はユーザーと設問で回答を検索する。見つからない場合はnilを返す。
	FindByUserAndQuestion(ctx context.Context, ltiUserID, questionID string) (*model.Response, error)
	// Create は回答を作成する。(lti_user_id, question_id)の一意制約違反は
	// IsUniqueViolationで判定できるエラーを返す。
	Create(ctx context.Context, response *model.Response) error
	// CountByQuestion は設問の選択肢ごとの回答数を返す。回答0件の選択肢も含む。
	CountByQuestion(ctx context.Context, questionID string) ([]model.ChoiceCount, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// IsUniqueViolation はPostgreSQLの一意制約違反エラーかを判定する。
// 同時初回ローンチのユーザー作成競合や、nonceのリプレイ検出に使用する。
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	return false
}
