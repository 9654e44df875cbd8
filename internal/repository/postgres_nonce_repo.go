package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresNonceRepo はPostgreSQLを使用した使用済みnonceリポジトリ。
// (consumer_key, nonce, ts)のPRIMARY KEY違反によってリプレイを検出する。
// プロセスを跨いでも検出できるよう、インメモリではなくDBに記録する。
type PostgresNonceRepo struct {
	db *sql.DB
}

// NewPostgresNonceRepo はPostgresNonceRepoを生成する。
func NewPostgresNonceRepo(db *sql.DB) *PostgresNonceRepo {
	return &PostgresNonceRepo{db: db}
}

// Remember は(consumer_key, nonce, timestamp)を記録する。
// 既に記録済み（リプレイ）の場合はfalseを返す。
func (r *PostgresNonceRepo) Remember(ctx context.Context, consumerKey, nonce string, timestamp int64) (bool, error) {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO oauth_nonces (consumer_key, nonce, ts, seen_at)
		 VALUES ($1, $2, $3, now())`,
		consumerKey, nonce, timestamp,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remember nonce: %w", err)
	}
	return true, nil
}

// DeleteSeenBefore は指定時刻より前に記録されたnonceを削除し、削除件数を返す。
func (r *PostgresNonceRepo) DeleteSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_nonces WHERE seen_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old nonces: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// compile-time interface check
var _ NonceRepository = (*PostgresNonceRepo)(nil)
