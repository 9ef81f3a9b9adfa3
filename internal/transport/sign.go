package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// loginSignature computes `base64(hmacSHA256(secret, ts+"GET"+"/users/self/verify"))`,
// the exact login signature the exchange's private channel requires (§4.1).
func loginSignature(secret string, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "GET" + "/users/self/verify"))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func nowTimestamp() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}
