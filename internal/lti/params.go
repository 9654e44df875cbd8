package lti

import (
	"fmt"
	"net/http"
	"net/url"
)

// requiredLaunchParams はLTI基本ローンチに必須のパラメータ。
var requiredLaunchParams = []string{
	"lti_message_type",
	"lti_version",
	"oauth_consumer_key",
	"user_id",
	"resource_link_id",
}

// ParseLaunch はローンチリクエストのフォームパラメータを検証し、
// セッション保存用のフラットなkey-valueとして返す。
// 必須パラメータの欠落はエラーになる。oauth_signatureは署名であって
// ローンチ状態ではないため除外する。
func ParseLaunch(r *http.Request) (map[string]string, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse launch form: %w", err)
	}

	params := map[string]string{}
	for k, vs := range r.PostForm {
		if len(vs) > 0 {
			params[k] = vs[0]
		}
	}

	for _, k := range requiredLaunchParams {
		if params[k] == "" {
			return nil, fmt.Errorf("missing required launch parameter: %s", k)
		}
	}

	if params["lti_message_type"] != "basic-lti-launch-request" {
		return nil, fmt.Errorf("unexpected lti_message_type: %s", params["lti_message_type"])
	}

	delete(params, "oauth_signature")
	return params, nil
}

// LaunchURL はリクエストから署名検証に使う外部から見えるURLを再構築する。
// プロトコル終端プロキシの背後ではリクエストはhttpで届くが、LMSは
// httpsのURLに対して署名を計算している。信頼できるX-Forwarded-Proto
// ヘッダーがhttpsを示す場合はhttpsとして扱う。
// これを怠るとリバースプロキシ配下で検証が誤って失敗する。
func LaunchURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// CollectSignedParams は署名検証対象の全パラメータを収集する。
// Authorizationヘッダーのoauthパラメータ、POSTフォーム、URLクエリを
// 統合し、oauth_signature自体は除外する。
// 呼び出し前にParseFormが済んでいること。
func CollectSignedParams(r *http.Request) url.Values {
	params := url.Values{}

	for k, vs := range r.PostForm {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	for k, vs := range r.URL.Query() {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	for k, v := range ParseAuthorizationHeader(r.Header.Get("Authorization")) {
		params.Set(k, v)
	}

	params.Del("oauth_signature")
	return params
}

// OAuthParam はAuthorizationヘッダーを優先してoauthパラメータを1つ取り出す。
// ヘッダーに無ければフォーム/クエリから探す。
func OAuthParam(r *http.Request, name string) string {
	if headerParams := ParseAuthorizationHeader(r.Header.Get("Authorization")); headerParams != nil {
		if v, ok := headerParams[name]; ok {
			return v
		}
	}
	if v := r.PostForm.Get(name); v != "" {
		return v
	}
	return r.URL.Query().Get(name)
}
