// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/ltipoll/internal/model"
	"github.com/hitoshi/ltipoll/internal/session"
)

// NewLTISessionMiddleware はリクエストのセッションを解決し、
// LTI認証済みであることを検証するミドルウェアを返す。
// 解決済みセッションはリクエストコンテキストに注入される。
//
// このガードはローンチ認証（初回POST）を通過した後の全リクエストの
// 入口であり、再検証は行わない。認証済みフラグの確認のみの軽量な判定。
//   - セッションが解決できない場合: not-found系（404）
//   - 解決できたが未認証の場合: permission-denied系（403）
func NewLTISessionMiddleware(binder *session.Binder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := binder.Fetch(r.Context(), r)
			if err != nil {
				if errors.Is(err, session.ErrSessionNotFound) {
					slog.Warn("session not resolvable",
						slog.String("path", r.URL.Path),
					)
					WriteErrorResponse(w, http.StatusNotFound, model.NewSessionNotFoundError())
					return
				}
				slog.Error("failed to fetch session",
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			if !binder.IsAuthenticated(sess) {
				slog.Error("lti session is not found, request cannot be processed",
					slog.String("path", r.URL.Path),
					slog.String("session_id", sess.ID),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewLTISessionRequiredError())
				return
			}

			next.ServeHTTP(w, r.WithContext(session.ContextWith(r.Context(), sess)))
		})
	}
}
