package lti

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/ltipoll/internal/model"
	"github.com/hitoshi/ltipoll/internal/repository"
)

// ErrLaunchInvalid はローンチ拒否（署名不正・リプレイ・必須パラメータ欠落・
// 未知のコンシューマキー）を表す。クライアントにはどの検証で落ちたかを
// 漏らさない一般的な拒否として返すこと。
var ErrLaunchInvalid = errors.New("lti: launch request is not valid")

// ErrLaunchConfig はローンチ側の設定エラー（guidのデフォルト未設定等）を表す。
// ログ上は署名エラーと区別されるが、クライアント向けには同様に一般的な
// 拒否として返してよい。
var ErrLaunchConfig = errors.New("lti: launch configuration error")

// launchState はローンチ認証の状態を表す。
// Unauthenticated → Validating → Resolving → Bound が成功パス、
// 任意の中間状態から Rejected が失敗パス。
type launchState string

const (
	stateValidating launchState = "validating"
	stateResolving  launchState = "resolving"
	stateBound      launchState = "bound"
	stateRejected   launchState = "rejected"
)

// Metrics はローンチ認証のメトリクス記録インターフェース。
type Metrics interface {
	RecordLaunchAccepted()
	RecordLaunchRejected(reason string)
	RecordUserCreated()
}

// Service はローンチ認証を統括する。
// 検証器・コンシューマレジストリ・ユーザーリゾルバを編成してローンチを
// 受理または拒否し、成功時はセッションに検証済みパラメータを束縛する。
// この処理はブラウザセッションの最初の接触で1回だけ実行され、以後の
// リクエストはセッションの認証済みフラグのみで判定される。
type Service struct {
	consumers repository.ConsumerRepository
	sessions  repository.SessionRepository
	resolver  *UserResolver
	validator *RequestValidator
	metrics   Metrics
}

// NewService はServiceを生成する。
func NewService(
	consumers repository.ConsumerRepository,
	sessions repository.SessionRepository,
	resolver *UserResolver,
	validator *RequestValidator,
	metrics Metrics,
) *Service {
	return &Service{
		consumers: consumers,
		sessions:  sessions,
		resolver:  resolver,
		validator: validator,
		metrics:   metrics,
	}
}

// Launch はローンチリクエストを検証し、成功時はsessionIDのセッションに
// 検証済みローンチパラメータと解決済みユーザーを束縛する。
// 拒否はErrLaunchInvalid、設定エラーはErrLaunchConfigにラップして返す。
func (s *Service) Launch(ctx context.Context, r *http.Request, sessionID string) (*model.LTIUser, error) {
	state := stateValidating

	// Validating: パラメータ検査 → コンシューマ解決 → 署名検証
	params, err := ParseLaunch(r)
	if err != nil {
		return nil, s.reject(state, "missing_params", err)
	}

	consumerKey := params[model.ParamConsumerKey]
	consumer, err := s.consumers.FindByKey(ctx, consumerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up consumer: %w", err)
	}
	if consumer == nil {
		return nil, s.reject(state, "unknown_consumer", fmt.Errorf("unknown consumer key: %s", consumerKey))
	}

	// 失効日は記録するが強制しない（DESIGN.md参照）。警告のみ残す。
	if consumer.Expired(time.Now()) {
		slog.Warn("launch from expired consumer accepted",
			slog.String("consumer_key", consumerKey),
			slog.Time("expiration_date", *consumer.ExpirationDate),
		)
	}

	if err := s.validator.Validate(ctx, r, consumer.Key, consumer.Secret); err != nil {
		return nil, s.reject(state, "invalid_signature", err)
	}

	// Resolving: LTIユーザーの解決（初回は作成）
	state = stateResolving
	user, created, err := s.resolver.ResolveOrCreate(
		ctx,
		consumer,
		params[model.ParamUserID],
		params[model.ParamToolInstanceGUID],
		params[model.ParamEmail],
	)
	if err != nil {
		if errors.Is(err, ErrNoToolInstanceGUID) {
			s.metrics.RecordLaunchRejected("config")
			slog.Error("launch rejected by configuration error",
				slog.String("state", string(stateRejected)),
				slog.String("consumer_key", consumerKey),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("%w: %s", ErrLaunchConfig, err.Error())
		}
		return nil, fmt.Errorf("failed to resolve lti user: %w", err)
	}
	if created {
		s.metrics.RecordUserCreated()
		slog.Info("new lti user created",
			slog.String("lti_user_id", user.ID),
			slog.String("consumer_key", consumerKey),
			slog.String("tool_instance_guid", user.ToolInstanceGUID),
		)
	}

	// Bound: 検証済みパラメータとユーザー参照をセッションへ
	if err := s.sessions.Bind(ctx, sessionID, user.ID, params); err != nil {
		return nil, fmt.Errorf("failed to bind session: %w", err)
	}
	state = stateBound

	s.metrics.RecordLaunchAccepted()
	slog.Info("lti launch accepted",
		slog.String("state", string(state)),
		slog.String("consumer_key", consumerKey),
		slog.String("lti_user_id", user.ID),
		slog.Bool("graded", params[model.ParamResultSourcedID] != ""),
	)

	return user, nil
}

// reject は拒否をメトリクスとログに記録し、ErrLaunchInvalidを返す。
// どの検証で落ちたかはログにのみ残す。
func (s *Service) reject(state launchState, reason string, cause error) error {
	s.metrics.RecordLaunchRejected(reason)
	slog.Error("lti launch rejected",
		slog.String("state", string(stateRejected)),
		slog.String("from_state", string(state)),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	return fmt.Errorf("%w: %s", ErrLaunchInvalid, reason)
}
