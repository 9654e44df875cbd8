// Package lti はLTI基本ローンチの認証とセッション確立を提供する。
// OAuth1形式のHMAC-SHA1リクエスト署名の検証・生成、nonce/timestampによる
// リプレイ防止、コンシューマ解決、LTIユーザーの遅延作成を含む。
package lti

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// PercentEncode はRFC 5849 §3.6のパーセントエンコードを行う。
// 非予約文字（A-Z a-z 0-9 - . _ ~）以外はすべて%XX形式にエンコードする。
// net/urlのエンコードとは空白とチルダの扱いが異なるため独自実装が必要。
func PercentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

// NormalizeURL は署名ベース文字列用にURLを正規化する。
// スキームとホストを小文字化し、デフォルトポート（http:80/https:443）を除去し、
// クエリとフラグメントを落とす。クエリパラメータはパラメータ文字列側で扱う。
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url missing scheme or host: %s", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	// デフォルトポートの除去
	if h, p, ok := strings.Cut(host, ":"); ok {
		if (scheme == "http" && p == "80") || (scheme == "https" && p == "443") {
			host = h
		}
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return scheme + "://" + host + path, nil
}

// SignatureBaseString はOAuth1の署名ベース文字列を構築する。
// method & 正規化URL & ソート済みパラメータ文字列 をそれぞれ
// パーセントエンコードして&で連結する。paramsにoauth_signatureを
// 含めてはならない。
func SignatureBaseString(method, normalizedURL string, params url.Values) string {
	type pair struct{ k, v string }
	var pairs []pair
	for k, vs := range params {
		ek := PercentEncode(k)
		for _, v := range vs {
			pairs = append(pairs, pair{ek, PercentEncode(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(p.v)
	}

	return strings.ToUpper(method) + "&" + PercentEncode(normalizedURL) + "&" + PercentEncode(b.String())
}

// HMACSHA1Signature は署名ベース文字列に対するHMAC-SHA1署名を計算し
// base64で返す。LTI基本ローンチはトークンを使用しないため、
// 署名キーは encode(consumerSecret) + "&" となる。
func HMACSHA1Signature(baseString, consumerSecret string) string {
	key := PercentEncode(consumerSecret) + "&"
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(baseString))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignaturesEqual は2つの署名を定数時間で比較する。
func SignaturesEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// BodyHash はoauth_body_hash拡張用のボディハッシュ（SHA1のbase64）を計算する。
// 成績送信のようにボディがform-encodedでないリクエストの署名に使用する。
func BodyHash(body []byte) string {
	sum := sha1.Sum(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// AuthorizationHeader はoauthパラメータからOAuth形式のAuthorizationヘッダー値を
// 構築する。キー順は安定化のためソートする。
func AuthorizationHeader(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("OAuth ")
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(PercentEncode(k))
		b.WriteString(`="`)
		b.WriteString(PercentEncode(params[k]))
		b.WriteString(`"`)
	}
	return b.String()
}

// ParseAuthorizationHeader はOAuth形式のAuthorizationヘッダーをパースする。
// OAuthスキームでない場合はnilを返す。realmパラメータは署名対象外のため除外する。
func ParseAuthorizationHeader(header string) map[string]string {
	const prefix = "OAuth "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return nil
	}

	params := map[string]string{}
	for _, part := range strings.Split(header[len(prefix):], ",") {
		part = strings.TrimSpace(part)
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		v = strings.Trim(v, `"`)
		if strings.EqualFold(k, "realm") {
			continue
		}
		dk, err := url.QueryUnescape(k)
		if err != nil {
			continue
		}
		dv, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		params[dk] = dv
	}
	return params
}
