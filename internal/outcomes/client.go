// Package outcomes はLMSへの成績送信（outcome/grade passback）を提供する。
// セッションに束縛されたoutcomeパラメータを使い、replaceResultリクエストを
// 署名付きで送信してLMSの応答を分類する。
package outcomes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/ltipoll/internal/lti"
	"github.com/hitoshi/ltipoll/internal/model"
	"github.com/hitoshi/ltipoll/internal/security"
)

// Outcome はLMSの応答の分類。
type Outcome string

const (
	// OutcomeSuccess はLMSが成績を受理したことを表す。
	OutcomeSuccess Outcome = "success"
	// OutcomeProcessing はLMS側で成績が非同期処理中であることを表す。
	OutcomeProcessing Outcome = "processing"
	// OutcomeWarning は警告付きで受理されたことを表す。
	OutcomeWarning Outcome = "warning"
	// OutcomeFailure は明示的な拒否、または不正/到達不能な応答を表す。
	OutcomeFailure Outcome = "failure"
)

// Report は成績送信1回分の結果。
type Report struct {
	Outcome     Outcome
	CodeMajor   string
	Severity    string
	Description string
}

// Metrics は成績送信のメトリクス記録インターフェース。
type Metrics interface {
	RecordGradeReport(outcome string)
	RecordGradeReportLatency(d time.Duration)
}

// Client はLMSのoutcome serviceへのクライアント。
// 成績送信は外部レイテンシを伴う唯一の操作であり、タイムアウト付きの
// ブロッキングI/Oとして扱う。待機中にロックやトランザクションを
// 保持してはならない。失敗してもこのコンポーネントは自動リトライしない
// （リトライはユーザーによる投票の再送信）。
type Client struct {
	httpClient *http.Client
	guard      security.SSRFGuardService
	metrics    Metrics
	now        func() time.Time // テスト用に差し替え可能
	newNonce   func() string
}

// NewClient はClientを生成する。
// timeoutは成績送信リクエスト全体の上限時間。
func NewClient(guard security.SSRFGuardService, metrics Metrics, timeout time.Duration) *Client {
	return &Client{
		httpClient: guard.NewSafeClient(timeout),
		guard:      guard,
		metrics:    metrics,
		now:        time.Now,
		newNonce:   uuid.NewString,
	}
}

// ReportGrade は学習者の成績をreplaceResultとしてLMSに送信し、応答を分類して返す。
// scoreは0.0〜1.0。範囲外は送信前に拒否する。
// serviceURLが空の場合は設定エラーとして即座に失敗する
// （outcomeパラメータを持たないローンチからの呼び出しは設定ミス）。
// OutcomeFailureの場合はエラーも返す。呼び出し元はユーザーに再試行を
// 案内しなければならず、黙って握りつぶしてはならない。
func (c *Client) ReportGrade(ctx context.Context, consumerKey, consumerSecret, serviceURL, sourcedID string, score float64) (*Report, error) {
	if score < 0.0 || score > 1.0 {
		return nil, model.NewScoreOutOfRangeError(score)
	}
	if serviceURL == "" {
		return nil, model.NewNotGradedError()
	}
	if err := c.guard.ValidateURL(serviceURL); err != nil {
		slog.Error("outcome service url rejected by ssrf guard",
			slog.String("url", serviceURL),
			slog.String("error", err.Error()),
		)
		return c.fail(fmt.Errorf("unsafe outcome service url: %w", err))
	}

	body, err := buildReplaceResultXML(c.messageIdentifier(), sourcedID, score)
	if err != nil {
		return c.fail(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL, bytes.NewReader(body))
	if err != nil {
		return c.fail(fmt.Errorf("failed to build outcome request: %w", err))
	}
	req.Header.Set("Content-Type", "application/xml")

	authHeader, err := c.signRequest(serviceURL, consumerKey, consumerSecret, body)
	if err != nil {
		return c.fail(err)
	}
	req.Header.Set("Authorization", authHeader)

	slog.Debug("sending grade update to LMS",
		slog.String("outcome_service_url", serviceURL),
		slog.String("sourcedid", sourcedID),
		slog.Float64("score", score),
	)

	start := c.now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordGradeReportLatency(time.Since(start))
	if err != nil {
		return c.fail(fmt.Errorf("outcome service unreachable: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.fail(fmt.Errorf("outcome service returned status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.fail(fmt.Errorf("failed to read outcome response: %w", err))
	}

	codeMajor, severity, description, err := parsePOXResponse(raw)
	if err != nil {
		return c.fail(err)
	}

	report := &Report{
		Outcome:     classify(codeMajor, severity),
		CodeMajor:   codeMajor,
		Severity:    severity,
		Description: description,
	}
	c.metrics.RecordGradeReport(string(report.Outcome))

	switch report.Outcome {
	case OutcomeSuccess:
		slog.Info("grade update accepted by LMS",
			slog.String("sourcedid", sourcedID),
			slog.Float64("score", score),
		)
		return report, nil
	case OutcomeProcessing:
		slog.Info("grade update is being processed by LMS",
			slog.String("sourcedid", sourcedID),
		)
		return report, nil
	case OutcomeWarning:
		slog.Warn("grade update accepted with warnings",
			slog.String("sourcedid", sourcedID),
			slog.String("description", description),
		)
		return report, nil
	default:
		slog.Error("grade update rejected by LMS",
			slog.String("sourcedid", sourcedID),
			slog.String("code_major", codeMajor),
			slog.String("description", description),
		)
		return report, fmt.Errorf("grade update rejected: code_major=%s", codeMajor)
	}
}

// signRequest は成績送信リクエストのOAuth形式Authorizationヘッダーを構築する。
// ボディはform-encodedではないため、oauth_body_hash拡張でボディを署名に含める。
func (c *Client) signRequest(serviceURL, consumerKey, consumerSecret string, body []byte) (string, error) {
	oauthParams := map[string]string{
		"oauth_consumer_key":     consumerKey,
		"oauth_nonce":            c.newNonce(),
		"oauth_timestamp":        strconv.FormatInt(c.now().Unix(), 10),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_version":          "1.0",
		"oauth_body_hash":        lti.BodyHash(body),
	}

	normalized, err := lti.NormalizeURL(serviceURL)
	if err != nil {
		return "", fmt.Errorf("failed to normalize outcome service url: %w", err)
	}

	// ベース文字列にはoauthパラメータに加えてURLのクエリパラメータも含める。
	params := url.Values{}
	if parsed, err := url.Parse(serviceURL); err == nil {
		for k, vs := range parsed.Query() {
			for _, v := range vs {
				params.Add(k, v)
			}
		}
	}
	for k, v := range oauthParams {
		params.Set(k, v)
	}

	base := lti.SignatureBaseString(http.MethodPost, normalized, params)
	oauthParams["oauth_signature"] = lti.HMACSHA1Signature(base, consumerSecret)

	return lti.AuthorizationHeader(oauthParams), nil
}

// fail は失敗の結果とエラーを返し、メトリクスに記録する。
func (c *Client) fail(err error) (*Report, error) {
	c.metrics.RecordGradeReport(string(OutcomeFailure))
	return &Report{Outcome: OutcomeFailure}, err
}

// classify はLMS応答のステータス情報をOutcomeに分類する。
func classify(codeMajor, severity string) Outcome {
	if strings.EqualFold(severity, "warning") {
		return OutcomeWarning
	}
	switch strings.ToLower(codeMajor) {
	case "success":
		return OutcomeSuccess
	case "processing":
		return OutcomeProcessing
	default:
		return OutcomeFailure
	}
}

// messageIdentifier はPOXメッセージ識別子を生成する。
func (c *Client) messageIdentifier() string {
	return strconv.FormatInt(c.now().Unix(), 10)
}
