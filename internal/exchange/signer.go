package exchange

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// ClientSignature client_signature 授权所需的签名参数
type ClientSignature struct {
	Timestamp int64  // 毫秒时间戳
	Nonce     string // 随机串
	Data      string // 可选附加数据
	Signature string // hex(HMAC-SHA256(secret, timestamp\nnonce\ndata))
}

// BuildClientSignature 构建 Deribit client_signature 签名
// 消息格式：timestamp + "\n" + nonce + "\n" + data
func BuildClientSignature(secret string, timestampMs int64, nonce, data string) ClientSignature {
	message := strconv.FormatInt(timestampMs, 10) + "\n" + nonce + "\n" + data
	return ClientSignature{
		Timestamp: timestampMs,
		Nonce:     nonce,
		Data:      data,
		Signature: SignHMAC(secret, message),
	}
}

// SignHMAC 计算 HMAC-SHA256 并以小写 hex 输出
func SignHMAC(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// newNonce 生成 16 字节随机 nonce
func newNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand 不可用时退化为时间戳，仍保证签名可验证
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b)
}
