// Package poll は設問・投票・集計のドメインロジックを提供する。
// 投票時の成績送信（grade passback）の起点もここにある。
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/ltipoll/internal/model"
	"github.com/hitoshi/ltipoll/internal/outcomes"
	"github.com/hitoshi/ltipoll/internal/repository"
)

// GradeReporter は成績送信のインターフェース。
type GradeReporter interface {
	ReportGrade(ctx context.Context, consumerKey, consumerSecret, serviceURL, sourcedID string, score float64) (*outcomes.Report, error)
}

// Service は設問・投票・集計のサービス層。
type Service struct {
	questions repository.QuestionRepository
	responses repository.ResponseRepository
	consumers repository.ConsumerRepository
	reporter  GradeReporter
}

// NewService はServiceを生成する。
func NewService(
	questions repository.QuestionRepository,
	responses repository.ResponseRepository,
	consumers repository.ConsumerRepository,
	reporter GradeReporter,
) *Service {
	return &Service{
		questions: questions,
		responses: responses,
		consumers: consumers,
		reporter:  reporter,
	}
}

// GetQuestion は設問を選択肢付きで取得する。
func (s *Service) GetQuestion(ctx context.Context, questionID string) (*model.Question, error) {
	question, err := s.questions.FindByID(ctx, questionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get question: %w", err)
	}
	if question == nil {
		return nil, model.NewQuestionNotFoundError(questionID)
	}
	return question, nil
}

// FindResponse はユーザーの既存回答を返す。未回答の場合はnilを返す。
// ローンチ後の分岐（設問表示か結果表示か）の判定に使用する。
func (s *Service) FindResponse(ctx context.Context, ltiUserID, questionID string) (*model.Response, error) {
	response, err := s.responses.FindByUserAndQuestion(ctx, ltiUserID, questionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find response: %w", err)
	}
	return response, nil
}

// Vote は投票を処理する。
// Learnerロールかつ成績対象のローンチでは、回答を記録する前に成績を
// LMSへ送信する。成績送信の失敗はそのまま呼び出し元へ返す。回答は
// 記録されないため、ユーザーは投票を再送信すればよい。
// 同一ユーザーの二重投票は一意制約で検出し、既存の回答を返す。
func (s *Service) Vote(ctx context.Context, sess *model.Session, user *model.LTIUser, questionID, choiceID string) (*model.Response, error) {
	question, err := s.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}

	if !validChoice(question, choiceID) {
		return nil, model.NewChoiceInvalidError()
	}

	// 既に回答済みならそのまま返す（成績の再送信もしない）
	existing, err := s.FindResponse(ctx, user.ID, questionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	// 成績送信は学習者のみ。教員・管理者のプレビュー投票は採点しない。
	if IsLearner(sess) && sess.IsGraded() {
		if err := s.reportVoteGrade(ctx, sess); err != nil {
			return nil, err
		}
	}

	response := &model.Response{
		ID:         uuid.New().String(),
		LTIUserID:  user.ID,
		QuestionID: questionID,
		ChoiceID:   choiceID,
		CreatedAt:  time.Now(),
	}
	if err := s.responses.Create(ctx, response); err != nil {
		if repository.IsUniqueViolation(err) {
			// 同時二重送信に負けた側: 勝者の回答を返す
			existing, ferr := s.FindResponse(ctx, user.ID, questionID)
			if ferr != nil {
				return nil, ferr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to record response: %w", err)
	}

	return response, nil
}

// Results は設問の選択肢別集計と、呼び出しユーザー自身の回答を返す。
func (s *Service) Results(ctx context.Context, questionID, ltiUserID string) ([]model.ChoiceCount, *model.Response, error) {
	question, err := s.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, nil, err
	}

	counts, err := s.responses.CountByQuestion(ctx, question.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to aggregate results: %w", err)
	}

	own, err := s.FindResponse(ctx, ltiUserID, questionID)
	if err != nil {
		return nil, nil, err
	}

	return counts, own, nil
}

// reportVoteGrade はセッションに束縛されたoutcomeパラメータを使って
// 満点を成績としてLMSへ送信する。
// 成績対象（lis_result_sourcedidあり）なのにlis_outcome_service_urlが
// 無いのはLMS側のよくある設定ミスであり、区別可能なエラーで即座に失敗する。
func (s *Service) reportVoteGrade(ctx context.Context, sess *model.Session) error {
	serviceURL := sess.Data[model.ParamOutcomeServiceURL]
	if serviceURL == "" {
		slog.Error("graded launch without outcome service url",
			slog.String("session_id", sess.ID),
			slog.String("consumer_key", sess.Data[model.ParamConsumerKey]),
		)
		return model.NewNotGradedError()
	}

	consumer, err := s.consumers.FindByKey(ctx, sess.Data[model.ParamConsumerKey])
	if err != nil {
		return fmt.Errorf("failed to look up consumer for grade report: %w", err)
	}
	if consumer == nil {
		return fmt.Errorf("consumer vanished for grade report: %s", sess.Data[model.ParamConsumerKey])
	}

	_, err = s.reporter.ReportGrade(
		ctx,
		consumer.Key,
		consumer.Secret,
		serviceURL,
		sess.Data[model.ParamResultSourcedID],
		1.0,
	)
	if err != nil {
		slog.Error("grade report failed",
			slog.String("session_id", sess.ID),
			slog.String("service_url", serviceURL),
			slog.String("error", err.Error()),
		)
		// 投票は記録されないので、ユーザーは再送信で再試行できる
		return model.NewGradeReportFailedError()
	}

	return nil
}

// IsLearner はセッションのrolesローンチパラメータにLearnerが含まれるかを返す。
// rolesは "Instructor,urn:lti:role:ims/lis/Learner" のようなカンマ区切り。
func IsLearner(sess *model.Session) bool {
	for _, role := range strings.Split(sess.Data[model.ParamRoles], ",") {
		role = strings.TrimSpace(role)
		// URN形式（urn:lti:role:ims/lis/Learner）と短縮形式の両方を受け付ける
		if strings.EqualFold(role, "learner") || strings.HasSuffix(strings.ToLower(role), "/learner") {
			return true
		}
	}
	return false
}

// validChoice は選択肢が設問に属するかを検証する。
func validChoice(question *model.Question, choiceID string) bool {
	for _, c := range question.Choices {
		if c.ID == choiceID {
			return true
		}
	}
	return false
}
