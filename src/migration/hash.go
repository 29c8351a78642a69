package migration

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashString 返回字符串的 SHA-256 十六进制摘要
func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
