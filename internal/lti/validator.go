package lti

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/ltipoll/internal/repository"
)

// RequestValidator はローンチリクエストのOAuth1署名を検証する。
// 検証は純粋なチェックであり副作用を持たない（nonceの記録のみ例外で、
// これはリプレイ防止のために本質的に必要な書き込み）。
type RequestValidator struct {
	nonces    repository.NonceRepository
	clockSkew time.Duration
	now       func() time.Time // テスト用に差し替え可能
}

// NewRequestValidator はRequestValidatorを生成する。
// clockSkewはoauth_timestampの許容ずれ（過去方向・未来方向の両方）。
func NewRequestValidator(nonces repository.NonceRepository, clockSkew time.Duration) *RequestValidator {
	return &RequestValidator{
		nonces:    nonces,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

// Validate はリクエストの署名がconsumerSecretで生成されたものであり、
// メソッド・URL・パラメータと一致することを検証する。
// 有効な場合のみnilを返す。拒否理由はエラーとして返すが、呼び出し元は
// すべて「無効」として扱い、クライアントには理由を漏らさないこと。
// 入力の不正（壊れたヘッダー、型不一致等）でpanicさせず必ずエラーとして返す。
func (v *RequestValidator) Validate(ctx context.Context, r *http.Request, consumerKey, consumerSecret string) (err error) {
	// 検証ロジックの予期しない不具合でローンチ処理を落とさない。
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during signature validation: %v", rec)
		}
	}()

	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("failed to parse form: %w", err)
	}

	// oauthパラメータの検査
	if method := OAuthParam(r, "oauth_signature_method"); method != "HMAC-SHA1" {
		return fmt.Errorf("unsupported oauth_signature_method: %q", method)
	}
	if version := OAuthParam(r, "oauth_version"); version != "" && version != "1.0" {
		return fmt.Errorf("unsupported oauth_version: %q", version)
	}

	signature := OAuthParam(r, "oauth_signature")
	if signature == "" {
		return fmt.Errorf("missing oauth_signature")
	}

	nonce := OAuthParam(r, "oauth_nonce")
	if nonce == "" {
		return fmt.Errorf("missing oauth_nonce")
	}

	// タイムスタンプ検証
	tsRaw := OAuthParam(r, "oauth_timestamp")
	if tsRaw == "" {
		return fmt.Errorf("missing oauth_timestamp")
	}
	ts, convErr := strconv.ParseInt(tsRaw, 10, 64)
	if convErr != nil {
		return fmt.Errorf("malformed oauth_timestamp: %w", convErr)
	}
	now := v.now()
	issued := time.Unix(ts, 0)
	if issued.Before(now.Add(-v.clockSkew)) || issued.After(now.Add(v.clockSkew)) {
		return fmt.Errorf("oauth_timestamp outside allowed window: %d", ts)
	}

	// 署名検証
	launchURL, urlErr := NormalizeURL(LaunchURL(r))
	if urlErr != nil {
		return fmt.Errorf("failed to normalize launch url: %w", urlErr)
	}
	base := SignatureBaseString(r.Method, launchURL, CollectSignedParams(r))
	expected := HMACSHA1Signature(base, consumerSecret)
	if !SignaturesEqual(signature, expected) {
		return fmt.Errorf("signature mismatch")
	}

	// リプレイ検証は署名検証の後に行う。
	// 署名が偽のリクエストでnonceテーブルを汚染させないため。
	fresh, nonceErr := v.nonces.Remember(ctx, consumerKey, nonce, ts)
	if nonceErr != nil {
		return fmt.Errorf("failed to check nonce: %w", nonceErr)
	}
	if !fresh {
		return fmt.Errorf("oauth_nonce already used (replay)")
	}

	return nil
}
