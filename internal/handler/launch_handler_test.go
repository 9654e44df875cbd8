package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/ltipoll/internal/lti"
	"github.com/hitoshi/ltipoll/internal/model"
	"github.com/hitoshi/ltipoll/internal/session"
)

// --- モック定義 ---

// mockLaunchService はLaunchServiceInterfaceのモック実装。
type mockLaunchService struct {
	launchFn func(ctx context.Context, r *http.Request, sessionID string) (*model.LTIUser, error)
}

func (m *mockLaunchService) Launch(ctx context.Context, r *http.Request, sessionID string) (*model.LTIUser, error) {
	if m.launchFn != nil {
		return m.launchFn(ctx, r, sessionID)
	}
	return &model.LTIUser{ID: "lti-user-1"}, nil
}

// mockPollService はPollServiceInterfaceのモック実装。
type mockPollService struct {
	getQuestionFn  func(ctx context.Context, questionID string) (*model.Question, error)
	findResponseFn func(ctx context.Context, ltiUserID, questionID string) (*model.Response, error)
	voteFn         func(ctx context.Context, sess *model.Session, user *model.LTIUser, questionID, choiceID string) (*model.Response, error)
	resultsFn      func(ctx context.Context, questionID, ltiUserID string) ([]model.ChoiceCount, *model.Response, error)
}

func (m *mockPollService) GetQuestion(ctx context.Context, questionID string) (*model.Question, error) {
	if m.getQuestionFn != nil {
		return m.getQuestionFn(ctx, questionID)
	}
	return nil, nil
}

func (m *mockPollService) FindResponse(ctx context.Context, ltiUserID, questionID string) (*model.Response, error) {
	if m.findResponseFn != nil {
		return m.findResponseFn(ctx, ltiUserID, questionID)
	}
	return nil, nil
}

func (m *mockPollService) Vote(ctx context.Context, sess *model.Session, user *model.LTIUser, questionID, choiceID string) (*model.Response, error) {
	if m.voteFn != nil {
		return m.voteFn(ctx, sess, user, questionID, choiceID)
	}
	return nil, nil
}

func (m *mockPollService) Results(ctx context.Context, questionID, ltiUserID string) ([]model.ChoiceCount, *model.Response, error) {
	if m.resultsFn != nil {
		return m.resultsFn(ctx, questionID, ltiUserID)
	}
	return nil, nil, nil
}

// mockSessionRepository はSessionRepositoryのモック実装。
type mockSessionRepository struct {
	createFn   func(ctx context.Context, sess *model.Session) error
	findByIDFn func(ctx context.Context, id string) (*model.Session, error)
	bindFn     func(ctx context.Context, id, ltiUserID string, data map[string]string) error
}

func (m *mockSessionRepository) Create(ctx context.Context, sess *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, sess)
	}
	return nil
}

func (m *mockSessionRepository) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepository) Bind(ctx context.Context, id, ltiUserID string, data map[string]string) error {
	if m.bindFn != nil {
		return m.bindFn(ctx, id, ltiUserID, data)
	}
	return nil
}

func (m *mockSessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	return 0, nil
}

// mockLTIUserRepository はLTIUserRepositoryのモック実装。
type mockLTIUserRepository struct {
	findByIDFn func(ctx context.Context, id string) (*model.LTIUser, error)
}

func (m *mockLTIUserRepository) FindByID(ctx context.Context, id string) (*model.LTIUser, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockLTIUserRepository) FindByTriple(ctx context.Context, userID, consumerID, toolInstanceGUID string) (*model.LTIUser, error) {
	return nil, nil
}

func (m *mockLTIUserRepository) Create(ctx context.Context, user *model.LTIUser) error {
	return nil
}

// --- テストヘルパー ---

// newTestBinder はモックリポジトリを使うBinderを生成するヘルパー。
func newTestBinder(sessions *mockSessionRepository, users *mockLTIUserRepository) *session.Binder {
	return session.NewBinder(sessions, users, session.BinderConfig{
		MaxAge:       86400,
		CookieSecure: true,
	})
}

// withSession はテスト用にリクエストコンテキストにセッションを注入するヘルパー。
func withSession(r *http.Request, sess *model.Session) *http.Request {
	return r.WithContext(session.ContextWith(r.Context(), sess))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func authenticatedSession() *model.Session {
	return &model.Session{
		ID:            "sess-1",
		LTIUserID:     "lti-user-1",
		Authenticated: true,
		Data:          map[string]string{},
		ExpiresAt:     time.Now().Add(time.Hour),
	}
}

// --- POST /lti/launch テスト ---

func TestLaunchHandler_Launch_NewSession_AttachesKey(t *testing.T) {
	var createdID string
	sessions := &mockSessionRepository{
		createFn: func(ctx context.Context, sess *model.Session) error {
			createdID = sess.ID
			return nil
		},
	}
	svc := &mockLaunchService{
		launchFn: func(ctx context.Context, r *http.Request, sessionID string) (*model.LTIUser, error) {
			if sessionID == "" {
				t.Error("sessionID should not be empty")
			}
			return &model.LTIUser{ID: "lti-user-1"}, nil
		},
	}

	h := NewLaunchHandler(svc, &mockPollService{}, newTestBinder(sessions, &mockLTIUserRepository{}))

	req := httptest.NewRequest(http.MethodPost, "/lti/launch?question=q-1", strings.NewReader("lti_message_type=basic-lti-launch-request"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	h.Launch(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	if createdID == "" {
		t.Fatal("a new session should be created")
	}

	location := resp.Header.Get("Location")
	if !strings.Contains(location, "question=q-1") {
		t.Errorf("Location should keep the question param: %q", location)
	}
	// 新規セッションではCookieが保存されない可能性があるため、URLにキーを付与する
	if !strings.Contains(location, "session="+createdID) {
		t.Errorf("Location should carry the session key: %q", location)
	}

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName && c.Value == createdID {
			found = true
		}
	}
	if !found {
		t.Error("session cookie should be set")
	}
}

func TestLaunchHandler_Launch_URLSessionKey_NeverUsedAsBindTarget(t *testing.T) {
	// 攻撃者は未認証セッションのIDを知り得る（ローンチ前にEstablishされるため）。
	// そのIDをsessionクエリパラメータでローンチURLに仕込んでも、検証済み
	// アイデンティティがそのセッションへ束縛されてはならない。
	attackerSession := &model.Session{
		ID:        "attacker-known-session",
		Data:      map[string]string{},
		ExpiresAt: time.Now().Add(time.Hour),
	}

	var createdID string
	sessions := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id == attackerSession.ID {
				return attackerSession, nil
			}
			return nil, nil
		},
		createFn: func(ctx context.Context, sess *model.Session) error {
			createdID = sess.ID
			return nil
		},
	}

	var boundSessionID string
	svc := &mockLaunchService{
		launchFn: func(ctx context.Context, r *http.Request, sessionID string) (*model.LTIUser, error) {
			boundSessionID = sessionID
			return &model.LTIUser{ID: "victim-user"}, nil
		},
	}

	h := NewLaunchHandler(svc, &mockPollService{}, newTestBinder(sessions, &mockLTIUserRepository{}))

	req := httptest.NewRequest(http.MethodPost, "/lti/launch?question=q-1&session="+attackerSession.ID, strings.NewReader("lti_message_type=basic-lti-launch-request"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	h.Launch(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	if boundSessionID == attackerSession.ID {
		t.Fatal("verified identity must not be bound into a URL-supplied session")
	}
	if createdID == "" || boundSessionID != createdID {
		t.Errorf("identity should be bound into a freshly created session: bound=%q created=%q", boundSessionID, createdID)
	}
	if strings.Contains(resp.Header.Get("Location"), "session="+attackerSession.ID) {
		t.Errorf("Location should not carry the URL-supplied key: %q", resp.Header.Get("Location"))
	}
}

func TestLaunchHandler_Launch_QuestionParamEscaped(t *testing.T) {
	h := NewLaunchHandler(&mockLaunchService{}, &mockPollService{}, newTestBinder(&mockSessionRepository{}, &mockLTIUserRepository{}))

	req := httptest.NewRequest(http.MethodPost, "/lti/launch?question="+url.QueryEscape("q 1&x=y"), nil)
	w := httptest.NewRecorder()

	h.Launch(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("Location should be a valid URL: %v", err)
	}
	if got := location.Query().Get("question"); got != "q 1&x=y" {
		t.Errorf("question = %q, want %q", got, "q 1&x=y")
	}
}

func TestLaunchHandler_Launch_ExistingCookieSession_NoKeyInURL(t *testing.T) {
	sess := authenticatedSession()
	sessions := &mockSessionRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.Session, error) {
			if id != sess.ID {
				t.Errorf("id = %q, want %q", id, sess.ID)
			}
			return sess, nil
		},
		createFn: func(ctx context.Context, s *model.Session) error {
			t.Error("existing session should be reused, not recreated")
			return nil
		},
	}
	svc := &mockLaunchService{
		launchFn: func(ctx context.Context, r *http.Request, sessionID string) (*model.LTIUser, error) {
			if sessionID != sess.ID {
				t.Errorf("sessionID = %q, want %q", sessionID, sess.ID)
			}
			return &model.LTIUser{ID: "lti-user-1"}, nil
		},
	}

	h := NewLaunchHandler(svc, &mockPollService{}, newTestBinder(sessions, &mockLTIUserRepository{}))

	req := httptest.NewRequest(http.MethodPost, "/lti/launch?question=q-1", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: sess.ID})
	w := httptest.NewRecorder()

	h.Launch(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	// Cookieでセッションが運ばれているならURLにキーを晒す必要はない
	if strings.Contains(resp.Header.Get("Location"), "session=") {
		t.Errorf("Location should not carry the session key: %q", resp.Header.Get("Location"))
	}
}

func TestLaunchHandler_Launch_InvalidLaunch_ReturnsNotFound(t *testing.T) {
	svc := &mockLaunchService{
		launchFn: func(ctx context.Context, r *http.Request, sessionID string) (*model.LTIUser, error) {
			return nil, fmt.Errorf("%w: invalid_signature", lti.ErrLaunchInvalid)
		},
	}

	h := NewLaunchHandler(svc, &mockPollService{}, newTestBinder(&mockSessionRepository{}, &mockLTIUserRepository{}))

	req := httptest.NewRequest(http.MethodPost, "/lti/launch?question=q-1", nil)
	w := httptest.NewRecorder()

	h.Launch(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != model.ErrCodeLaunchInvalid {
		t.Errorf("code = %q, want %q", result["code"], model.ErrCodeLaunchInvalid)
	}
	// 拒否理由はレスポンスに含めない
	if strings.Contains(result["message"], "signature") {
		t.Errorf("rejection reason should not leak: %q", result["message"])
	}
}

func TestLaunchHandler_Launch_ConfigError_ReturnsNotFound(t *testing.T) {
	svc := &mockLaunchService{
		launchFn: func(ctx context.Context, r *http.Request, sessionID string) (*model.LTIUser, error) {
			return nil, fmt.Errorf("%w: missing guid", lti.ErrLaunchConfig)
		},
	}

	h := NewLaunchHandler(svc, &mockPollService{}, newTestBinder(&mockSessionRepository{}, &mockLTIUserRepository{}))

	req := httptest.NewRequest(http.MethodPost, "/lti/launch", nil)
	w := httptest.NewRecorder()

	h.Launch(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != model.ErrCodeLaunchConfig {
		t.Errorf("code = %q, want %q", result["code"], model.ErrCodeLaunchConfig)
	}
}

// --- GET /lti/launch テスト ---

func TestLaunchHandler_Resume_Unanswered_RedirectsToQuestion(t *testing.T) {
	users := &mockLTIUserRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.LTIUser, error) {
			return &model.LTIUser{ID: id}, nil
		},
	}
	poll := &mockPollService{
		findResponseFn: func(ctx context.Context, ltiUserID, questionID string) (*model.Response, error) {
			return nil, nil
		},
	}

	h := NewLaunchHandler(&mockLaunchService{}, poll, newTestBinder(&mockSessionRepository{}, users))

	req := httptest.NewRequest(http.MethodGet, "/lti/launch?question=q-1", nil)
	req = withSession(req, authenticatedSession())
	w := httptest.NewRecorder()

	h.Resume(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	if resp.Header.Get("Location") != "/questions/q-1" {
		t.Errorf("Location = %q, want %q", resp.Header.Get("Location"), "/questions/q-1")
	}
}

func TestLaunchHandler_Resume_Answered_RedirectsToResults(t *testing.T) {
	users := &mockLTIUserRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.LTIUser, error) {
			return &model.LTIUser{ID: id}, nil
		},
	}
	poll := &mockPollService{
		findResponseFn: func(ctx context.Context, ltiUserID, questionID string) (*model.Response, error) {
			return &model.Response{ID: "resp-1", ChoiceID: "c-1"}, nil
		},
	}

	h := NewLaunchHandler(&mockLaunchService{}, poll, newTestBinder(&mockSessionRepository{}, users))

	req := httptest.NewRequest(http.MethodGet, "/lti/launch?question=q-1", nil)
	req = withSession(req, authenticatedSession())
	w := httptest.NewRecorder()

	h.Resume(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	if resp.Header.Get("Location") != "/questions/q-1/results" {
		t.Errorf("Location = %q, want %q", resp.Header.Get("Location"), "/questions/q-1/results")
	}
}

func TestLaunchHandler_Resume_KeyInURL_ReattachesKey(t *testing.T) {
	users := &mockLTIUserRepository{
		findByIDFn: func(ctx context.Context, id string) (*model.LTIUser, error) {
			return &model.LTIUser{ID: id}, nil
		},
	}

	h := NewLaunchHandler(&mockLaunchService{}, &mockPollService{}, newTestBinder(&mockSessionRepository{}, users))

	sess := authenticatedSession()
	req := httptest.NewRequest(http.MethodGet, "/lti/launch?question=q-1&session="+sess.ID, nil)
	req = withSession(req, sess)
	w := httptest.NewRecorder()

	h.Resume(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	// Cookieレスのクライアントはリダイレクト先でもキーが必要
	if !strings.Contains(resp.Header.Get("Location"), "session="+sess.ID) {
		t.Errorf("Location should carry the session key: %q", resp.Header.Get("Location"))
	}
}

func TestLaunchHandler_Resume_MissingQuestion_ReturnsNotFound(t *testing.T) {
	h := NewLaunchHandler(&mockLaunchService{}, &mockPollService{}, newTestBinder(&mockSessionRepository{}, &mockLTIUserRepository{}))

	req := httptest.NewRequest(http.MethodGet, "/lti/launch", nil)
	req = withSession(req, authenticatedSession())
	w := httptest.NewRecorder()

	h.Resume(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	result := parseAPIErrorResponse(t, w)
	if result["code"] != model.ErrCodeQuestionNotFound {
		t.Errorf("code = %q, want %q", result["code"], model.ErrCodeQuestionNotFound)
	}
}
