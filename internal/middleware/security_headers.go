package middleware

import "net/http"

// NewSecurityHeadersMiddleware はセキュリティ関連のHTTPレスポンスヘッダーを付与するミドルウェアを返す。
// このツールはLMSのiframe内に埋め込まれて動作するため、X-Frame-Options: DENYは
// 設定できない。代わりにCSPのframe-ancestorsで埋め込み元を制御する
// （空文字列の場合は全ての埋め込み元を許可する）。
func NewSecurityHeadersMiddleware(frameAncestors string) func(next http.Handler) http.Handler {
	csp := "frame-ancestors *"
	if frameAncestors != "" {
		csp = "frame-ancestors " + frameAncestors
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Content-Security-Policy", csp)
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			next.ServeHTTP(w, r)
		})
	}
}
