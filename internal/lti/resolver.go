package lti

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/ltipoll/internal/model"
	"github.com/hitoshi/ltipoll/internal/repository"
)

// ErrNoToolInstanceGUID はローンチにtool_consumer_instance_guidが無く、
// コンシューマにもデフォルトが設定されていない場合のエラー。
// このローンチに対して致命的な設定エラーであり、リトライしない。
var ErrNoToolInstanceGUID = errors.New("lti: no tool_consumer_instance_guid in launch and no consumer default")

// UserResolver は(コンシューマ, 外部ユーザーID, ツールインスタンスID)を
// 永続的なLTIユーザーレコードに対応付ける。初回ローンチ時に遅延作成する。
type UserResolver struct {
	users repository.LTIUserRepository
}

// NewUserResolver はUserResolverを生成する。
func NewUserResolver(users repository.LTIUserRepository) *UserResolver {
	return &UserResolver{users: users}
}

// ResolveOrCreate は3つ組でLTIユーザーを検索し、存在しなければ作成する。
// toolInstanceGUIDが空の場合はコンシューマのデフォルトで補う。
// どちらも無い場合はErrNoToolInstanceGUIDを返す。
//
// 同一人物の同時初回ローンチに対しては、3つ組のUNIQUE制約違反を検出して
// 再検索することで必ず1レコードに収束させる。チェックしてから挿入する
// だけの実装に依存してはならない。
func (res *UserResolver) ResolveOrCreate(ctx context.Context, consumer *model.Consumer, externalUserID, toolInstanceGUID, email string) (*model.LTIUser, bool, error) {
	if toolInstanceGUID == "" {
		toolInstanceGUID = consumer.DefaultToolInstanceGUID
	}
	if toolInstanceGUID == "" {
		return nil, false, ErrNoToolInstanceGUID
	}

	user, err := res.users.FindByTriple(ctx, externalUserID, consumer.ID, toolInstanceGUID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up lti user: %w", err)
	}
	if user != nil {
		return user, false, nil
	}

	newUser := &model.LTIUser{
		ID:               uuid.New().String(),
		UserID:           externalUserID,
		Email:            email,
		ConsumerID:       consumer.ID,
		ToolInstanceGUID: toolInstanceGUID,
		CreatedAt:        time.Now(),
	}

	if err := res.users.Create(ctx, newUser); err != nil {
		if !repository.IsUniqueViolation(err) {
			return nil, false, fmt.Errorf("failed to create lti user: %w", err)
		}

		// 同時ローンチとの競合に負けた側: 勝者のレコードを再検索して返す。
		user, err = res.users.FindByTriple(ctx, externalUserID, consumer.ID, toolInstanceGUID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to re-look up lti user after conflict: %w", err)
		}
		if user == nil {
			return nil, false, fmt.Errorf("lti user vanished after unique violation")
		}
		return user, false, nil
	}

	return newUser, true, nil
}
