package thirdparty

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignHMAC 生成 HMAC-SHA256 签名（hex）
func SignHMAC(secret string, canonical string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC 常量时间比较签名
func VerifyHMAC(secret, canonical, signature string) bool {
	return hmac.Equal([]byte(SignHMAC(secret, canonical)), []byte(signature))
}

// Canonical 待签名串: method\npath\ntimestamp\nnonce\nbodySha256Hex
func Canonical(method, path string, ts int64, nonce string, body []byte) string {
	h := sha256.Sum256(body)
	return fmt.Sprintf("%s\n%s\n%d\n%s\n%s", strings.ToUpper(method), path, ts, nonce, hex.EncodeToString(h[:]))
}
