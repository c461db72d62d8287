package sms

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// TwilioSignatureHeader carries the request signature on Twilio callbacks.
const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioSignature computes the signature Twilio sends for a form POST to
// callbackURL: HMAC-SHA1 over the URL followed by every parameter name and
// value in name order, base64 encoded.
func TwilioSignature(authToken, callbackURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(callbackURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidTwilioSignature reports whether signature matches the request.
func ValidTwilioSignature(authToken, callbackURL string, params url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	want := TwilioSignature(authToken, callbackURL, params)
	return hmac.Equal([]byte(want), []byte(signature))
}
