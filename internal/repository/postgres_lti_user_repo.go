package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ltipoll/internal/model"
)

// PostgresLTIUserRepo はPostgreSQLを使用したLTIユーザーリポジトリ。
type PostgresLTIUserRepo struct {
	db *sql.DB
}

// NewPostgresLTIUserRepo はPostgresLTIUserRepoを生成する。
func NewPostgresLTIUserRepo(db *sql.DB) *PostgresLTIUserRepo {
	return &PostgresLTIUserRepo{db: db}
}

// FindByID は指定IDのLTIユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresLTIUserRepo) FindByID(ctx context.Context, id string) (*model.LTIUser, error) {
	user := &model.LTIUser{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, email, consumer_id, tool_instance_guid, created_at
		 FROM lti_users
		 WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.UserID, &user.Email, &user.ConsumerID, &user.ToolInstanceGUID, &user.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lti user by ID: %w", err)
	}

	return user, nil
}

// FindByTriple は(user_id, consumer_id, tool_instance_guid)でLTIユーザーを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresLTIUserRepo) FindByTriple(ctx context.Context, userID, consumerID, toolInstanceGUID string) (*model.LTIUser, error) {
	user := &model.LTIUser{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, email, consumer_id, tool_instance_guid, created_at
		 FROM lti_users
		 WHERE user_id = $1 AND consumer_id = $2 AND tool_instance_guid = $3`,
		userID, consumerID, toolInstanceGUID,
	).Scan(&user.ID, &user.UserID, &user.Email, &user.ConsumerID, &user.ToolInstanceGUID, &user.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lti user by triple: %w", err)
	}

	return user, nil
}

// Create はLTIユーザーを作成する。
// 3つ組の一意制約違反はそのまま返す（呼び出し元がIsUniqueViolationで判定し再検索する）。
func (r *PostgresLTIUserRepo) Create(ctx context.Context, user *model.LTIUser) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO lti_users (id, user_id, email, consumer_id, tool_instance_guid, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.UserID, user.Email, user.ConsumerID, user.ToolInstanceGUID, user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create lti user: %w", err)
	}
	return nil
}

// compile-time interface check
var _ LTIUserRepository = (*PostgresLTIUserRepo)(nil)
