package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Header names of an authenticated relayer request.
const (
	HeaderAPIKey    = "X-Relayer-Api-Key"
	HeaderTimestamp = "X-Relayer-Timestamp"
	HeaderSignature = "X-Relayer-Signature"
	HeaderAddress   = "X-Relayer-Address"
)

// RelayerAuth holds the API credentials of the confidential compute relayer.
type RelayerAuth struct {
	Key    string
	Secret string // base64 standard encoding; raw bytes are accepted as a fallback
}

// Headers returns the headers authenticating a relayer request. The
// signature is base64(HMAC-SHA256(secret, timestamp+method+path+body)).
func (a *RelayerAuth) Headers(address, method, path, body string) map[string]string {
	return a.HeadersAt(address, method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers with a caller-supplied Unix timestamp.
func (a *RelayerAuth) HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:    a.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64(a.secretBytes(), ts+method+path+body),
		HeaderAddress:   address,
	}
}

// Verify reports whether sig is the signature Headers would produce for the
// given request at timestamp ts.
func (a *RelayerAuth) Verify(ts, method, path, body, sig string) bool {
	want := hmacSHA256Base64(a.secretBytes(), ts+method+path+body)
	return hmac.Equal([]byte(want), []byte(sig))
}

// Enabled reports whether credentials are configured.
func (a *RelayerAuth) Enabled() bool {
	return a != nil && a.Key != "" && a.Secret != ""
}

func (a *RelayerAuth) secretBytes() []byte {
	b, err := base64.StdEncoding.DecodeString(a.Secret)
	if err != nil {
		return []byte(a.Secret)
	}
	return b
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (a *RelayerAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("RelayerAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}
