package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ltipoll/internal/middleware"
	"github.com/hitoshi/ltipoll/internal/model"
	"github.com/hitoshi/ltipoll/internal/session"
)

// PollServiceInterface は投票ハンドラーが必要とするサービスインターフェース。
type PollServiceInterface interface {
	// GetQuestion は設問を選択肢付きで取得する。
	GetQuestion(ctx context.Context, questionID string) (*model.Question, error)
	// FindResponse はユーザーの既存回答を返す。未回答の場合はnilを返す。
	FindResponse(ctx context.Context, ltiUserID, questionID string) (*model.Response, error)
	// Vote は投票を処理する。成績対象のローンチでは回答記録前に成績を送信する。
	Vote(ctx context.Context, sess *model.Session, user *model.LTIUser, questionID, choiceID string) (*model.Response, error)
	// Results は設問の集計結果と呼び出しユーザー自身の回答を返す。
	Results(ctx context.Context, questionID, ltiUserID string) ([]model.ChoiceCount, *model.Response, error)
}

// PollHandler は設問表示・投票・結果表示のHTTPハンドラー。
// 全ルートがLTIセッションミドルウェアでガードされる。
type PollHandler struct {
	service PollServiceInterface
	binder  *session.Binder
}

// NewPollHandler はPollHandlerを生成する。
func NewPollHandler(service PollServiceInterface, binder *session.Binder) *PollHandler {
	return &PollHandler{
		service: service,
		binder:  binder,
	}
}

// --- レスポンス型 ---

// choiceResponse は設問の選択肢のレスポンス。
type choiceResponse struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Position int    `json:"position"`
}

// questionResponse は設問のレスポンス。
type questionResponse struct {
	ID       string           `json:"id"`
	Text     string           `json:"text"`
	Choices  []choiceResponse `json:"choices"`
	Answered bool             `json:"answered"`
}

// choiceCountResponse は集計結果の1選択肢分のレスポンス。
type choiceCountResponse struct {
	ChoiceID string `json:"choice_id"`
	Text     string `json:"text"`
	Count    int    `json:"count"`
}

// resultsResponse は集計結果のレスポンス。
type resultsResponse struct {
	QuestionID string                `json:"question_id"`
	Counts     []choiceCountResponse `json:"counts"`
	MyChoiceID string                `json:"my_choice_id,omitempty"`
}

// voteRequest は投票リクエストのボディ。
type voteRequest struct {
	ChoiceID string `json:"choice_id"`
}

// GetQuestion は設問を取得する。
// GET /questions/:id
func (h *PollHandler) GetQuestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := session.FromContext(ctx)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	questionID := chi.URLParam(r, "id")

	question, err := h.service.GetQuestion(ctx, questionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	user, err := h.binder.User(ctx, sess)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	existing, err := h.service.FindResponse(ctx, user.ID, questionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	choices := make([]choiceResponse, len(question.Choices))
	for i, c := range question.Choices {
		choices[i] = choiceResponse{
			ID:       c.ID,
			Text:     c.Text,
			Position: c.Position,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(questionResponse{
		ID:       question.ID,
		Text:     question.Text,
		Choices:  choices,
		Answered: existing != nil,
	})
}

// Vote は投票を受け付ける。
// POST /questions/:id/vote
//
// choice_idはJSONボディまたはフォームで受け付ける。成功時は結果表示へ
// 303でリダイレクトする。成績送信に失敗した場合は回答は記録されず、
// エラーレスポンスを受けたユーザーは再送信で再試行できる。
func (h *PollHandler) Vote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := session.FromContext(ctx)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	questionID := chi.URLParam(r, "id")

	choiceID, ok := parseChoiceID(r)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewChoiceInvalidError())
		return
	}

	user, err := h.binder.User(ctx, sess)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if _, err := h.service.Vote(ctx, sess, user, questionID, choiceID); err != nil {
		handleServiceError(w, err)
		return
	}

	target := "/questions/" + questionID + "/results"
	if session.CarriesKey(r) {
		target = session.AttachKey(target, sess.ID)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// Results は設問の集計結果を取得する。
// GET /questions/:id/results
func (h *PollHandler) Results(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := session.FromContext(ctx)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}

	questionID := chi.URLParam(r, "id")

	user, err := h.binder.User(ctx, sess)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	counts, own, err := h.service.Results(ctx, questionID, user.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	countResponses := make([]choiceCountResponse, len(counts))
	for i, c := range counts {
		countResponses[i] = choiceCountResponse{
			ChoiceID: c.ChoiceID,
			Text:     c.Text,
			Count:    c.Count,
		}
	}

	resp := resultsResponse{
		QuestionID: questionID,
		Counts:     countResponses,
	}
	if own != nil {
		resp.MyChoiceID = own.ChoiceID
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// parseChoiceID はJSONボディまたはフォームからchoice_idを取り出す。
// Content-Typeはパラメータ付き（charset等）でも受け付ける。
func parseChoiceID(r *http.Request) (string, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req voteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChoiceID == "" {
			return "", false
		}
		return req.ChoiceID, true
	}

	if err := r.ParseForm(); err != nil {
		return "", false
	}
	choiceID := r.PostFormValue("choice_id")
	return choiceID, choiceID != ""
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIError(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// writeAPIError はAPIErrorコードからHTTPステータスコードにマッピングして書き込む。
func writeAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	statusCode := http.StatusInternalServerError
	switch apiErr.Code {
	case model.ErrCodeLaunchInvalid, model.ErrCodeLaunchConfig:
		// どの検証で落ちたかを外部に漏らさないため、ローンチ拒否はnot-foundで返す
		statusCode = http.StatusNotFound
	case model.ErrCodeSessionNotFound, model.ErrCodeQuestionNotFound, model.ErrCodeUserNotFound:
		statusCode = http.StatusNotFound
	case model.ErrCodeLTISessionRequired:
		statusCode = http.StatusForbidden
	case model.ErrCodeChoiceInvalid, model.ErrCodeScoreOutOfRange:
		statusCode = http.StatusBadRequest
	case model.ErrCodeNotGraded:
		statusCode = http.StatusUnprocessableEntity
	case model.ErrCodeGradeReportFailed:
		statusCode = http.StatusBadGateway
	}
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}
