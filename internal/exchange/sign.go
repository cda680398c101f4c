package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// Signer produces Binance HMAC-SHA256 signed query strings. The signature
// must cover the exact byte sequence sent on the wire, so SignedQuery
// returns the final string with the signature already appended instead of
// letting the HTTP layer re-encode parameters.
type Signer struct {
	secret []byte
	now    func() time.Time // injectable for tests
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// SignedQuery url-encodes params, appends the millisecond timestamp and
// returns "<query>&signature=<hex hmac>".
func (s *Signer) SignedQuery(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	qs := params.Encode()

	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(qs))
	return qs + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}
