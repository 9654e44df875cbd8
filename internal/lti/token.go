package lti

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateToken は20文字の不透明トークンを生成する。
// コンシューマのkey/secretのデフォルト値として使用する。
// プロセスランダムなUUIDとプロセス全体シークレットを連結してSHA1でハッシュし、
// 16進ダイジェストの1文字おきの文字を取り出して20文字にする。
// secretKeyを知らなければ予測できず、レジストリの存続期間を通して
// 衝突確率は無視できる。
func GenerateToken(secretKey string) string {
	h := sha1.New()
	h.Write([]byte(uuid.NewString()))
	h.Write([]byte(secretKey))
	digest := hex.EncodeToString(h.Sum(nil)) // 40文字

	b := make([]byte, 0, len(digest)/2)
	for i := 0; i < len(digest); i += 2 {
		b = append(b, digest[i])
	}
	return string(b)
}
