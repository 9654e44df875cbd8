package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/ltipoll/internal/model"
)

type mockSessionRepository struct {
	deleteExpiredFn func(ctx context.Context) (int64, error)
}

func (m *mockSessionRepository) Create(ctx context.Context, session *model.Session) error {
	return nil
}

func (m *mockSessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return nil, nil
}

func (m *mockSessionRepository) Bind(ctx context.Context, id, ltiUserID string, data map[string]string) error {
	return nil
}

func (m *mockSessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	return m.deleteExpiredFn(ctx)
}

type mockNonceRepository struct {
	deleteSeenBeforeFn func(ctx context.Context, cutoff time.Time) (int64, error)
}

func (m *mockNonceRepository) Remember(ctx context.Context, consumerKey, nonce string, timestamp int64) (bool, error) {
	return true, nil
}

func (m *mockNonceRepository) DeleteSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.deleteSeenBeforeFn(ctx, cutoff)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestCleanupJob_Run_DeletesSessionsAndNonces(t *testing.T) {
	sessions := &mockSessionRepository{
		deleteExpiredFn: func(ctx context.Context) (int64, error) {
			return 3, nil
		},
	}
	var gotCutoff time.Time
	nonces := &mockNonceRepository{
		deleteSeenBeforeFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			gotCutoff = cutoff
			return 7, nil
		},
	}

	job := NewCleanupJob(sessions, nonces, discardLogger())

	before := time.Now()
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// カットオフは実行時刻から保持期間を引いた時刻になる
	want := before.Add(-job.NonceRetention)
	if gotCutoff.Before(want.Add(-time.Second)) || gotCutoff.After(want.Add(time.Second)) {
		t.Errorf("cutoff = %v, want around %v", gotCutoff, want)
	}
}

func TestCleanupJob_Run_SessionDeleteError(t *testing.T) {
	wantErr := errors.New("db down")
	sessions := &mockSessionRepository{
		deleteExpiredFn: func(ctx context.Context) (int64, error) {
			return 0, wantErr
		},
	}
	nonceCalled := false
	nonces := &mockNonceRepository{
		deleteSeenBeforeFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			nonceCalled = true
			return 0, nil
		},
	}

	job := NewCleanupJob(sessions, nonces, discardLogger())

	err := job.Run(context.Background())
	if !errors.Is(err, wantErr) {
		t.Errorf("error should wrap the repository error: %v", err)
	}
	if nonceCalled {
		t.Error("nonce deletion should not run after session deletion fails")
	}
}

func TestCleanupJob_Run_NonceDeleteError(t *testing.T) {
	sessions := &mockSessionRepository{
		deleteExpiredFn: func(ctx context.Context) (int64, error) {
			return 0, nil
		},
	}
	wantErr := errors.New("db down")
	nonces := &mockNonceRepository{
		deleteSeenBeforeFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			return 0, wantErr
		},
	}

	job := NewCleanupJob(sessions, nonces, discardLogger())

	if err := job.Run(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("error should wrap the repository error: %v", err)
	}
}

func TestCleanupJob_Run_CustomRetention(t *testing.T) {
	sessions := &mockSessionRepository{
		deleteExpiredFn: func(ctx context.Context) (int64, error) {
			return 0, nil
		},
	}
	var gotCutoff time.Time
	nonces := &mockNonceRepository{
		deleteSeenBeforeFn: func(ctx context.Context, cutoff time.Time) (int64, error) {
			gotCutoff = cutoff
			return 0, nil
		},
	}

	job := NewCleanupJob(sessions, nonces, discardLogger())
	job.NonceRetention = 24 * time.Hour

	before := time.Now()
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := before.Add(-24 * time.Hour)
	if gotCutoff.Before(want.Add(-time.Second)) || gotCutoff.After(want.Add(time.Second)) {
		t.Errorf("cutoff = %v, want around %v", gotCutoff, want)
	}
}
