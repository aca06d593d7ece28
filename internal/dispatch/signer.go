package dispatch

import (
	"crypto/hmac"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the webhook signature on outbound requests
const SignatureHeader = "X-FlowCatalyst-Signature"

// Signer produces webhook signatures of the form
//
//	t=<unix>,v1=<hex hmac>
//
// where the HMAC-SHA256 is computed over "<unix>.<payload>" with the
// per-credential signing secret. Receivers verify by reproducing the HMAC
// and checking the timestamp against their tolerance.
type Signer struct{}

// NewSigner creates a webhook signer
func NewSigner() *Signer {
	return &Signer{}
}

// Sign returns the signature header value for a payload
func (s *Signer) Sign(payload, signingSecret string) string {
	return s.signAt(payload, signingSecret, time.Now())
}

func (s *Signer) signAt(payload, signingSecret string, at time.Time) string {
	ts := at.Unix()
	mac := hmacSHA256Hex(fmt.Sprintf("%d.%s", ts, payload), signingSecret)
	return fmt.Sprintf("t=%d,v1=%s", ts, mac)
}

// Verify checks a signature header against a payload. Tolerance bounds how
// old the embedded timestamp may be; zero disables the age check.
func (s *Signer) Verify(payload, header, signingSecret string, tolerance time.Duration) bool {
	ts, sig, ok := parseSignatureHeader(header)
	if !ok {
		return false
	}

	if tolerance > 0 {
		age := time.Since(time.Unix(ts, 0))
		if age < 0 {
			age = -age
		}
		if age > tolerance {
			return false
		}
	}

	expected := hmacSHA256Hex(fmt.Sprintf("%d.%s", ts, payload), signingSecret)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// parseSignatureHeader extracts the timestamp and v1 signature
func parseSignatureHeader(header string) (ts int64, sig string, ok bool) {
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return 0, "", false
		}
		switch key {
		case "t":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", false
			}
			ts = parsed
		case "v1":
			sig = value
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", false
	}
	return ts, sig, true
}
