package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"hyperush/internal/apperr"
)

// OAuthClient talks to a shop's admin endpoints on behalf of the app.
type OAuthClient struct {
	APIKey     string
	APISecret  string
	APIVersion string
	HTTP       *http.Client

	// BaseURL maps a shop domain to its origin. Defaults to https://<shop>.
	BaseURL func(shop string) string
}

func NewOAuthClient(apiKey, apiSecret, apiVersion string) *OAuthClient {
	return &OAuthClient{
		APIKey:     apiKey,
		APISecret:  apiSecret,
		APIVersion: apiVersion,
		HTTP:       &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *OAuthClient) origin(shop string) string {
	if c.BaseURL != nil {
		return strings.TrimRight(c.BaseURL(shop), "/")
	}
	return "https://" + shop
}

func (c *OAuthClient) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// AuthorizeURL is where the merchant is sent to approve the install.
func (c *OAuthClient) AuthorizeURL(shop, scopes, redirectURI, state string) string {
	q := url.Values{}
	q.Set("client_id", c.APIKey)
	q.Set("scope", scopes)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return "https://" + shop + "/admin/oauth/authorize?" + q.Encode()
}

type AccessToken struct {
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
}

// ExchangeCode trades an authorization code for an offline access token.
// Every failure is an UpstreamFailure.
func (c *OAuthClient) ExchangeCode(ctx context.Context, shop, code string) (AccessToken, error) {
	body, _ := json.Marshal(map[string]string{
		"client_id":     c.APIKey,
		"client_secret": c.APISecret,
		"code":          code,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.origin(shop)+"/admin/oauth/access_token", bytes.NewReader(body))
	if err != nil {
		return AccessToken{}, apperr.NewUpstream("token exchange failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient().Do(req)
	if err != nil {
		return AccessToken{}, apperr.NewUpstream("token exchange failed", err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return AccessToken{}, apperr.NewUpstream("token exchange failed",
			fmt.Errorf("http %d: %s", res.StatusCode, strings.TrimSpace(string(raw))))
	}

	var tok AccessToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return AccessToken{}, apperr.NewUpstream("invalid token response", err)
	}
	if tok.AccessToken == "" || tok.Scope == "" {
		return AccessToken{}, apperr.NewUpstream("invalid token response", fmt.Errorf("missing access_token or scope"))
	}
	return tok, nil
}

type webhookCreateReq struct {
	Webhook struct {
		Address string `json:"address"`
		Topic   string `json:"topic"`
		Format  string `json:"format"`
	} `json:"webhook"`
}

// CreateWebhook registers one topic subscription delivering to address.
func (c *OAuthClient) CreateWebhook(ctx context.Context, shop, accessToken, topic, address string) error {
	var payload webhookCreateReq
	payload.Webhook.Address = address
	payload.Webhook.Topic = topic
	payload.Webhook.Format = "json"
	b, _ := json.Marshal(payload)

	u := fmt.Sprintf("%s/admin/api/%s/webhooks.json", c.origin(shop), c.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Access-Token", accessToken)

	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("create webhook failed: http %d: %s", res.StatusCode, string(raw))
	}
	return nil
}

// SubscribeWebhooks registers every topic, collecting failures instead of
// stopping at the first one.
func (c *OAuthClient) SubscribeWebhooks(ctx context.Context, shop, accessToken, address string, topics []string) (created []string, failed map[string]error) {
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if err := c.CreateWebhook(ctx, shop, accessToken, t, address); err != nil {
			if failed == nil {
				failed = map[string]error{}
			}
			failed[t] = err
			continue
		}
		created = append(created, t)
	}
	return created, failed
}
