package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StateRecord is one outstanding OAuth install.
type StateRecord struct {
	State     string    `json:"state" dynamodbav:"State"`
	Shop      string    `json:"shop" dynamodbav:"Shop"`
	Nonce     string    `json:"nonce" dynamodbav:"Nonce"`
	CreatedAt time.Time `json:"createdAt" dynamodbav:"CreatedAt"`
	ExpiresAt time.Time `json:"expiresAt" dynamodbav:"ExpiresAt"`
}

func (r StateRecord) expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

type StateGrant struct {
	State     string
	ExpiresAt time.Time
}

// StateStore issues single-use OAuth state values. Consume returns nil
// without error for malformed, tampered, unknown and expired states.
type StateStore interface {
	Generate(ctx context.Context, shop string) (StateGrant, error)
	Consume(ctx context.Context, state string) (*StateRecord, error)
}

type StateOptions struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

func (o StateOptions) normalize() (StateOptions, error) {
	if o.Secret == "" {
		return o, errors.New("state secret is required")
	}
	if o.TTL < 0 {
		o.TTL = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o, nil
}

type statePayload struct {
	Shop      string `json:"shop"`
	Nonce     string `json:"nonce"`
	CreatedAt int64  `json:"createdAt"`
}

// stateSigner builds states of the form base64url(payload) "." hex(hmac).
type stateSigner struct {
	secret []byte
}

func (s stateSigner) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s stateSigner) issue(shop string, now time.Time, ttl time.Duration) (StateRecord, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return StateRecord{}, fmt.Errorf("generate nonce: %w", err)
	}
	now = now.UTC()
	p := statePayload{Shop: shop, Nonce: hex.EncodeToString(nonce), CreatedAt: now.UnixMilli()}
	raw, err := json.Marshal(p)
	if err != nil {
		return StateRecord{}, err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)

	return StateRecord{
		State:     encoded + "." + s.sign(encoded),
		Shop:      shop,
		Nonce:     p.Nonce,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// verify checks the signature in constant time. It never touches storage.
func (s stateSigner) verify(state string) bool {
	parts := strings.Split(state, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	if !hmac.Equal([]byte(s.sign(parts[0])), []byte(parts[1])) {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var p statePayload
	return json.Unmarshal(raw, &p) == nil && p.Nonce != ""
}
