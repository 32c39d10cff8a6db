package shopify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

const (
	HeaderHmac      = "X-Shopify-Hmac-Sha256"
	HeaderWebhookID = "X-Shopify-Webhook-Id"
	HeaderTopic     = "X-Shopify-Topic"
	HeaderShop      = "X-Shopify-Shop-Domain"
)

// CallbackMessage canonicalizes OAuth callback parameters: hmac and
// signature are dropped, keys are sorted while each key keeps the order of
// its values, and pairs are form-encoded and joined with '&'.
func CallbackMessage(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "hmac" || k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		for _, v := range params[k] {
			parts = append(parts, formEscape(k)+"="+formEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// formEscape matches application/x-www-form-urlencoded serialization, which
// leaves '*' bare and escapes '~'.
func formEscape(s string) string {
	return formFixups.Replace(url.QueryEscape(s))
}

var formFixups = strings.NewReplacer("%2A", "*", "~", "%7E")

// CallbackHMAC returns the hex signature Shopify puts in the hmac parameter.
func CallbackHMAC(params url.Values, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(CallbackMessage(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCallbackHMAC checks the hmac parameter of an OAuth callback.
func VerifyCallbackHMAC(params url.Values, secret string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(params.Get("hmac")))
	if err != nil || len(provided) == 0 || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(CallbackMessage(params)))
	return hmac.Equal(mac.Sum(nil), provided)
}

// WebhookHMAC returns the base64 signature of a raw webhook body.
func WebhookHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookHMAC checks the X-Shopify-Hmac-Sha256 header against body.
func VerifyWebhookHMAC(body []byte, secret, header string) bool {
	provided, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil || len(provided) == 0 || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}
