package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"hyperush/internal/apperr"
	"hyperush/internal/shopify"
)

// WebhookArchive stores the raw body of a verified delivery.
type WebhookArchive interface {
	Put(ctx context.Context, id string, meta shopify.WebhookMeta, body []byte) error
}

type ShopsConfig struct {
	AppURL        string
	Scopes        string
	WebhookSecret string
	WebhookTopics []string
}

type ShopsHandler struct {
	oauth   *shopify.OAuthClient
	states  shopify.StateStore
	tokens  shopify.TokenStore
	ledger  shopify.WebhookLedger
	archive WebhookArchive
	cfg     ShopsConfig
	log     *zap.Logger
	now     func() time.Time
	routes  []route
}

// NewShopsHandler wires the OAuth connector. archive may be nil.
func NewShopsHandler(oauth *shopify.OAuthClient, states shopify.StateStore, tokens shopify.TokenStore, ledger shopify.WebhookLedger, archive WebhookArchive, cfg ShopsConfig, log *zap.Logger) *ShopsHandler {
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = oauth.APISecret
	}
	return &ShopsHandler{
		oauth:   oauth,
		states:  states,
		tokens:  tokens,
		ledger:  ledger,
		archive: archive,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		routes: []route{
			newRoute(http.MethodGet, "/health"),
			newRoute(http.MethodGet, "/oauth/install"),
			newRoute(http.MethodGet, "/oauth/callback"),
			newRoute(http.MethodPost, "/webhooks/shopify"),
		},
	}
}

func (h *ShopsHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	reqID := requestID(req)
	idx, _, status := dispatch(h.routes, req)
	if idx < 0 {
		return withRequestID(noRoute(status), reqID), nil
	}
	r := h.routes[idx]
	log := h.log.With(zap.String("reqId", reqID), zap.String("route", r.name))

	var resp events.APIGatewayV2HTTPResponse
	switch r.name {
	case "GET /health":
		resp = jsonResp(http.StatusOK, map[string]any{
			"ok":        true,
			"service":   "shops",
			"timestamp": h.now().UTC().Format(time.RFC3339),
		})
	case "GET /oauth/install":
		resp = h.install(ctx, log, req)
	case "GET /oauth/callback":
		resp = h.callback(ctx, log, req)
	case "POST /webhooks/shopify":
		resp = h.webhook(ctx, log, req)
	}
	return withRequestID(resp, reqID), nil
}

func (h *ShopsHandler) redirectURI() string { return h.cfg.AppURL + "/oauth/callback" }

func (h *ShopsHandler) webhookAddress() string { return h.cfg.AppURL + "/webhooks/shopify" }

func (h *ShopsHandler) install(ctx context.Context, log *zap.Logger, req events.APIGatewayV2HTTPRequest) events.APIGatewayV2HTTPResponse {
	shop, err := shopify.NormalizeShopDomain(queryParams(req).Get("shop"))
	if err != nil {
		return writeError(log, err)
	}
	grant, err := h.states.Generate(ctx, shop)
	if err != nil {
		return writeError(log, apperr.NewInternal("generate oauth state", err))
	}
	log.Info("oauth install", zap.String("shop", shop), zap.Time("stateExpiresAt", grant.ExpiresAt))

	resp := emptyResp(http.StatusFound)
	resp.Headers["location"] = h.oauth.AuthorizeURL(shop, h.cfg.Scopes, h.redirectURI(), grant.State)
	return resp
}

func (h *ShopsHandler) callback(ctx context.Context, log *zap.Logger, req events.APIGatewayV2HTTPRequest) events.APIGatewayV2HTTPResponse {
	params := queryParams(req)
	code := strings.TrimSpace(params.Get("code"))
	state := strings.TrimSpace(params.Get("state"))
	if params.Get("shop") == "" || code == "" || state == "" || params.Get("hmac") == "" {
		return writeError(log, apperr.NewValidation("missing_params", "shop, code, state and hmac are required"))
	}
	shop, err := shopify.NormalizeShopDomain(params.Get("shop"))
	if err != nil {
		return writeError(log, err)
	}
	log = log.With(zap.String("shop", shop))

	if !shopify.VerifyCallbackHMAC(params, h.oauth.APISecret) {
		return writeError(log, apperr.NewBadSignature("invalid_hmac", "invalid hmac"))
	}

	rec, err := h.states.Consume(ctx, state)
	if err != nil {
		return writeError(log, apperr.NewInternal("consume oauth state", err))
	}
	if rec == nil || rec.Shop != shop {
		log.Warn("oauth state rejected", zap.String("outcome", "invalid_state"))
		return writeError(log, apperr.NewValidation("invalid_state", "invalid or expired state"))
	}

	tok, err := h.oauth.ExchangeCode(ctx, shop, code)
	if err != nil {
		return writeError(log, err)
	}

	installed := shopify.TokenRecord{
		Shop:        shop,
		AccessToken: tok.AccessToken,
		Scope:       tok.Scope,
		InstalledAt: h.now().UTC(),
	}
	if err := h.tokens.Save(ctx, installed); err != nil {
		return writeError(log, apperr.NewInternal("save access token", err))
	}

	if len(h.cfg.WebhookTopics) > 0 {
		subscribed, failed := h.oauth.SubscribeWebhooks(ctx, shop, tok.AccessToken, h.webhookAddress(), h.cfg.WebhookTopics)
		for topic, ferr := range failed {
			log.Warn("webhook subscription failed", zap.String("topic", topic), zap.Error(ferr))
		}
		log.Info("webhooks subscribed", zap.Strings("topics", subscribed))
	}

	log.Info("shop installed", zap.String("scope", tok.Scope), zap.String("outcome", "installed"))
	return jsonResp(http.StatusOK, map[string]any{
		"ok":          true,
		"shop":        shop,
		"scope":       tok.Scope,
		"installedAt": installed.InstalledAt,
	})
}

func (h *ShopsHandler) webhook(ctx context.Context, log *zap.Logger, req events.APIGatewayV2HTTPRequest) events.APIGatewayV2HTTPResponse {
	id := strings.TrimSpace(header(req, shopify.HeaderWebhookID))
	if id == "" {
		return writeError(log, apperr.NewValidation("missing_webhook_id", "missing webhook id"))
	}
	payload, err := body(req)
	if err != nil {
		return writeError(log, apperr.NewValidation("invalid_body", "request body is not valid base64"))
	}
	if len(payload) == 0 {
		return writeError(log, apperr.NewValidation("empty_body", "empty body"))
	}

	meta := shopify.WebhookMeta{
		Shop:  strings.ToLower(strings.TrimSpace(header(req, shopify.HeaderShop))),
		Topic: strings.TrimSpace(header(req, shopify.HeaderTopic)),
	}
	log = log.With(zap.String("webhookId", id), zap.String("shop", meta.Shop), zap.String("topic", meta.Topic))

	if !shopify.VerifyWebhookHMAC(payload, h.cfg.WebhookSecret, header(req, shopify.HeaderHmac)) {
		return writeError(log, apperr.NewBadSignature("invalid_hmac", "invalid webhook signature"))
	}

	if h.archive != nil {
		if err := h.archive.Put(ctx, id, meta, payload); err != nil {
			return writeError(log, apperr.NewInternal("archive webhook", err))
		}
	}

	fresh, err := h.ledger.MarkHandled(ctx, id, meta)
	if err != nil {
		return writeError(log, apperr.NewInternal("mark webhook handled", err))
	}
	if fresh {
		log.Info("webhook received", zap.String("outcome", "processed"))
	} else {
		log.Info("webhook replay", zap.String("outcome", "replay"))
	}
	return jsonResp(http.StatusOK, map[string]any{"ok": true, "replay": !fresh})
}

// queryParams keeps repeated keys, which the callback HMAC covers.
func queryParams(req events.APIGatewayV2HTTPRequest) url.Values {
	if req.RawQueryString != "" {
		if v, err := url.ParseQuery(req.RawQueryString); err == nil {
			return v
		}
	}
	v := url.Values{}
	for k, val := range req.QueryStringParameters {
		v.Set(k, val)
	}
	return v
}
