// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 期限切れセッションと保持期間を超過した使用済みnonceを定期バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/ltipoll/internal/repository"
)

// CleanupJob は期限切れセッションと古いnonceの自動削除ジョブ。
// 定期実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	sessions repository.SessionRepository
	nonces   repository.NonceRepository
	logger   *slog.Logger

	// NonceRetention はnonceの保持期間。タイムスタンプ検証の許容窓より
	// 十分長くないと、窓内のリプレイを見逃す。
	NonceRetention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトのnonce保持期間は1時間。
func NewCleanupJob(sessions repository.SessionRepository, nonces repository.NonceRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions:       sessions,
		nonces:         nonces,
		logger:         logger,
		NonceRetention: time.Hour,
	}
}

// Run は期限切れセッションと保持期間超過のnonceを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	sessionCount, err := j.sessions.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
	}

	cutoff := start.Add(-j.NonceRetention)
	nonceCount, err := j.nonces.DeleteSeenBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("使用済みnonceの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("使用済みnonceの削除に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", sessionCount),
		slog.Int64("deleted_nonces", nonceCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
