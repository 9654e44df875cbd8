// Package session はLTIセッションの確立・解決・認証判定を提供する。
// サードパーティCookieが使えないiframe内クライアントのために、
// Cookieに加えてURLのsessionクエリパラメータ（直接またはReferer経由）
// からのセッション解決をサポートする。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/ltipoll/internal/model"
	"github.com/hitoshi/ltipoll/internal/repository"
)

// CookieName はセッションIDを保持するCookie名。
const CookieName = "session_id"

// QueryParam はCookieが使えない場合のセッションキーのクエリパラメータ名。
const QueryParam = "session"

// ErrSessionNotFound はCookie・クエリ・Refererのいずれからもセッションを
// 解決できなかったことを表す。そのリクエストに対して致命的なnot-found。
var ErrSessionNotFound = errors.New("session: not found")

// BinderConfig はBinderの設定。
type BinderConfig struct {
	MaxAge       int // セッション有効期間（秒）
	CookieSecure bool
	CookieDomain string
}

// Binder は検証済みローンチパラメータをセッションストアに永続化し、
// 「このリクエストは認証済みLTIセッションの一部か」という述語を
// 下流のハンドラーに提供する。
type Binder struct {
	sessions repository.SessionRepository
	users    repository.LTIUserRepository
	config   BinderConfig
}

// NewBinder はBinderを生成する。
func NewBinder(sessions repository.SessionRepository, users repository.LTIUserRepository, config BinderConfig) *Binder {
	return &Binder{
		sessions: sessions,
		users:    users,
		config:   config,
	}
}

// ResolveKey はリクエストからセッションキーを解決する。
// 優先順: Cookie → sessionクエリパラメータ → ReferrerのURLのsessionパラメータ。
// いずれも無い場合はErrSessionNotFoundを返す。
func (b *Binder) ResolveKey(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	if key := r.URL.Query().Get(QueryParam); key != "" {
		return key, nil
	}

	if referer := r.Header.Get("Referer"); referer != "" {
		if u, err := url.Parse(referer); err == nil {
			if key := u.Query().Get(QueryParam); key != "" {
				return key, nil
			}
		}
	}

	return "", ErrSessionNotFound
}

// Fetch はリクエストのセッションを解決して取得する。
// キーが解決できない場合、またはストアに存在しない/期限切れの場合は
// ErrSessionNotFoundを返す。
func (b *Binder) Fetch(ctx context.Context, r *http.Request) (*model.Session, error) {
	key, err := b.ResolveKey(r)
	if err != nil {
		return nil, err
	}

	sess, err := b.sessions.FindByID(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	return sess, nil
}

// FetchByCookie はCookieのみからセッションを解決して取得する。
// ローンチ認証の束縛先にはこちらを使うこと: URL経由のキーは第三者が
// ローンチURLに仕込めるため、検証済みアイデンティティの束縛先の選択に
// 使うとそのキーを知る相手にセッションを固定されてしまう。
// URLフォールバックはローンチ後のリクエストの解決専用。
func (b *Binder) FetchByCookie(ctx context.Context, r *http.Request) (*model.Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrSessionNotFound
	}

	sess, err := b.sessions.FindByID(ctx, cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	return sess, nil
}

// Establish は新しい未認証セッションを作成し、セッションCookieを設定する。
// iframe内ではCookieが保存されない可能性があるため、呼び出し元は
// リダイレクトURLにAttachKeyでセッションキーを付与すること。
func (b *Binder) Establish(ctx context.Context, w http.ResponseWriter) (*model.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	sess := &model.Session{
		ID:        id,
		Data:      map[string]string{},
		ExpiresAt: time.Now().Add(time.Duration(b.config.MaxAge) * time.Second),
		CreatedAt: time.Now(),
	}

	if err := b.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   b.config.CookieDomain,
		MaxAge:   b.config.MaxAge,
		HttpOnly: true,
		Secure:   b.config.CookieSecure,
		// iframe内のクロスサイトコンテキストでCookieを送るにはSameSite=Noneが必要。
		SameSite: http.SameSiteNoneMode,
	})

	return sess, nil
}

// IsAuthenticated はセッションがローンチ認証で立てられた認証済みフラグを
// 持つかを返す。LTIアイデンティティを必要とするハンドラーは必ず先に
// この述語を確認し、falseならpermission-denied系で拒否すること。
func (b *Binder) IsAuthenticated(sess *model.Session) bool {
	return sess != nil && sess.Authenticated
}

// User はセッションが保持する永続ユーザーIDを実体参照する。
// セッションにユーザーIDが無い場合はエラーを返す
// （IsAuthenticatedでガードされたハンドラーでは本来発生しない）。
func (b *Binder) User(ctx context.Context, sess *model.Session) (*model.LTIUser, error) {
	if sess == nil || sess.LTIUserID == "" {
		return nil, model.NewUserNotFoundError()
	}

	user, err := b.users.FindByID(ctx, sess.LTIUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find lti user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	return user, nil
}

// CarriesKey はリクエストがURL経由（クエリまたはRefererのURL）で
// セッションキーを運んでいるかを返す。trueの場合、以後のリダイレクトにも
// キーを付け直さないとCookieレスのクライアントでナビゲーションが切れる。
func CarriesKey(r *http.Request) bool {
	if r.URL.Query().Get(QueryParam) != "" {
		return true
	}
	if referer := r.Header.Get("Referer"); referer != "" {
		if u, err := url.Parse(referer); err == nil && u.Query().Get(QueryParam) != "" {
			return true
		}
	}
	return false
}

// AttachKey はURLにsessionクエリパラメータを付与して返す。
// 既存のクエリパラメータは保持される。
func AttachKey(rawURL, sessionID string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(QueryParam, sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var sessionContextKey = contextKey("lti_session")

// ContextWith はコンテキストにセッションを注入する。
func ContextWith(ctx context.Context, sess *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}

// FromContext はリクエストコンテキストからセッションを取得する。
// LTIセッションミドルウェアを通過したリクエストでのみ有効。
func FromContext(ctx context.Context) (*model.Session, error) {
	sess, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok || sess == nil {
		return nil, fmt.Errorf("session not found in context")
	}
	return sess, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
