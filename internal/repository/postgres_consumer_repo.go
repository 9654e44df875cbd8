package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/ltipoll/internal/model"
)

// PostgresConsumerRepo はPostgreSQLを使用したコンシューマリポジトリ。
type PostgresConsumerRepo struct {
	db *sql.DB
}

// NewPostgresConsumerRepo はPostgresConsumerRepoを生成する。
func NewPostgresConsumerRepo(db *sql.DB) *PostgresConsumerRepo {
	return &PostgresConsumerRepo{db: db}
}

// FindByKey は指定キーのコンシューマを取得する。見つからない場合はnilを返す。
func (r *PostgresConsumerRepo) FindByKey(ctx context.Context, key string) (*model.Consumer, error) {
	consumer := &model.Consumer{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, key, secret, expiration_date, default_tool_instance_guid, created_at
		 FROM consumers
		 WHERE key = $1`,
		key,
	).Scan(
		&consumer.ID, &consumer.Name, &consumer.Key, &consumer.Secret,
		&consumer.ExpirationDate, &consumer.DefaultToolInstanceGUID, &consumer.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find consumer by key: %w", err)
	}

	return consumer, nil
}

// Create はコンシューマを作成する。
func (r *PostgresConsumerRepo) Create(ctx context.Context, consumer *model.Consumer) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO consumers (id, name, key, secret, expiration_date, default_tool_instance_guid, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		consumer.ID, consumer.Name, consumer.Key, consumer.Secret,
		consumer.ExpirationDate, consumer.DefaultToolInstanceGUID, consumer.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ConsumerRepository = (*PostgresConsumerRepo)(nil)
