package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/ltipoll/internal/lti"
	"github.com/hitoshi/ltipoll/internal/middleware"
	"github.com/hitoshi/ltipoll/internal/model"
	"github.com/hitoshi/ltipoll/internal/session"
)

// LaunchServiceInterface はローンチハンドラーが必要とするサービスインターフェース。
type LaunchServiceInterface interface {
	// Launch はローンチリクエストを検証し、セッションに認証結果を束縛する。
	Launch(ctx context.Context, r *http.Request, sessionID string) (*model.LTIUser, error)
}

// LaunchHandler はLTIローンチのHTTPハンドラー。
// POSTがLMSからの署名付きローンチの入口、GETがローンチ後の分岐点となる。
type LaunchHandler struct {
	service LaunchServiceInterface
	poll    PollServiceInterface
	binder  *session.Binder
}

// NewLaunchHandler はLaunchHandlerを生成する。
func NewLaunchHandler(service LaunchServiceInterface, poll PollServiceInterface, binder *session.Binder) *LaunchHandler {
	return &LaunchHandler{
		service: service,
		poll:    poll,
		binder:  binder,
	}
}

// Launch はLMSからの署名付きローンチPOSTを処理する。
// POST /lti/launch?question=xxx
//
// セッションが未確立であれば新規作成してから検証に進む。検証成功後は
// 同一URLへのGETに303でリダイレクトする（POST再送信の防止と、
// ローンチPOSTボディをURLから切り離すため）。
// 新規セッションのCookieはiframe内で保存されない可能性があるため、
// リダイレクトURLにセッションキーを必ず付与する。
//
// 束縛先セッションの解決はCookieのみ。URL経由のキーはローンチURLに
// 第三者が仕込める値であり、認証の束縛先として信用すると既知のキーへの
// セッション固定を許してしまう。
func (h *LaunchHandler) Launch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Cookieが運ぶ既存セッションのみ再利用する（再ローンチで新しい認証に上書きされる）
	sess, err := h.binder.FetchByCookie(ctx, r)
	attachKey := false
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			slog.Error("failed to fetch session on launch", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
			return
		}
		sess, err = h.binder.Establish(ctx, w)
		if err != nil {
			slog.Error("failed to establish session on launch", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
			return
		}
		// Cookieが届く保証がないのでURL経由のキーにフォールバックできるようにする
		attachKey = true
	}

	if _, err := h.service.Launch(ctx, r, sess.ID); err != nil {
		switch {
		case errors.Is(err, lti.ErrLaunchInvalid):
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewLaunchInvalidError())
		case errors.Is(err, lti.ErrLaunchConfig):
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewLaunchConfigError())
		default:
			slog.Error("launch processing failed", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
		}
		return
	}

	target := r.URL.Path
	if q := r.URL.Query().Get("question"); q != "" {
		target = target + "?" + url.Values{"question": {q}}.Encode()
	}
	if attachKey {
		target = session.AttachKey(target, sess.ID)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// Resume はローンチ後のGETを処理し、設問表示か結果表示かに振り分ける。
// GET /lti/launch?question=xxx（LTIセッションミドルウェアでガード済み）
//
// 未回答なら設問表示へ、回答済みなら結果表示へリダイレクトする。
// リクエストがURL経由でセッションキーを運んでいる場合は、
// リダイレクト先にもキーを付け直す。
func (h *LaunchHandler) Resume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := session.FromContext(ctx)
	if err != nil {
		slog.Error("session missing from context", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	questionID := r.URL.Query().Get("question")
	if questionID == "" {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewQuestionNotFoundError(""))
		return
	}

	user, err := h.binder.User(ctx, sess)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	response, err := h.poll.FindResponse(ctx, user.ID, questionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	target := "/questions/" + questionID
	if response != nil {
		target = target + "/results"
	}
	if session.CarriesKey(r) {
		target = session.AttachKey(target, sess.ID)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
