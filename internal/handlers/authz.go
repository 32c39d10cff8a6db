package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"hyperush/internal/apperr"
	"hyperush/internal/auth"
	"hyperush/internal/authz"
	"hyperush/internal/idempotency"
)

type AuthzHandler struct {
	svc    *authz.Service
	authn  *auth.Authenticator
	log    *zap.Logger
	routes []route
}

func NewAuthzHandler(svc *authz.Service, authn *auth.Authenticator, log *zap.Logger) *AuthzHandler {
	return &AuthzHandler{
		svc:   svc,
		authn: authn,
		log:   log,
		routes: []route{
			newRoute(http.MethodGet, "/health"),
			newRoute(http.MethodGet, "/me"),
			newRoute(http.MethodPost, "/tenants"),
			newRoute(http.MethodHead, "/tenants/:tenantId/access"),
			newRoute(http.MethodGet, "/tenants/:tenantId/roles"),
			newRoute(http.MethodPost, "/invitations"),
			newRoute(http.MethodGet, "/invitations/:token"),
			newRoute(http.MethodDelete, "/invitations/:token"),
			newRoute(http.MethodPost, "/invitations/:token/accept"),
		},
	}
}

func (h *AuthzHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	reqID := requestID(req)
	idx, params, status := dispatch(h.routes, req)
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
			"service":   "authz",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	case "GET /invitations/:token":
		resp = h.getInvitation(ctx, log, params["token"])
	default:
		p, err := h.authn.Authenticate(req)
		if err != nil {
			if !auth.IsUnauthorized(err) {
				resp = writeError(log, err)
				break
			}
			log.Info("unauthenticated request", zap.String("outcome", "unauthorized"))
			if r.method == http.MethodHead {
				resp = emptyResp(http.StatusUnauthorized)
				break
			}
			resp = writeError(log, err)
			break
		}
		log = log.With(zap.String("uid", p.UID))
		resp = h.authenticated(ctx, log, r.name, req, p, params)
	}
	return withRequestID(resp, reqID), nil
}

func (h *AuthzHandler) authenticated(ctx context.Context, log *zap.Logger, name string, req events.APIGatewayV2HTTPRequest, p auth.Principal, params map[string]string) events.APIGatewayV2HTTPResponse {
	key := header(req, idempotency.HeaderName)
	switch name {
	case "GET /me":
		me, err := h.svc.ListMemberships(ctx, p)
		if err != nil {
			return writeError(log, err)
		}
		return jsonResp(http.StatusOK, me)

	case "POST /tenants":
		if err := idempotency.ValidateKey(key); err != nil {
			return writeError(log, err)
		}
		var in authz.CreateTenantInput
		if err := decodeJSON(req, &in); err != nil {
			return writeError(log, err)
		}
		out, err := h.svc.CreateTenant(ctx, p, key, in)
		if err != nil {
			return writeError(log, err)
		}
		return created(out.FromCache, out.Raw)

	case "POST /invitations":
		if err := idempotency.ValidateKey(key); err != nil {
			return writeError(log, err)
		}
		var in authz.CreateInvitationInput
		if err := decodeJSON(req, &in); err != nil {
			return writeError(log, err)
		}
		out, err := h.svc.CreateInvitation(ctx, p, key, in)
		if err != nil {
			return writeError(log, err)
		}
		return created(out.FromCache, out.Raw)

	case "POST /invitations/:token/accept":
		out, err := h.svc.AcceptInvitation(ctx, p, key, params["token"])
		if err != nil {
			return writeError(log, err)
		}
		return created(out.FromCache, out.Raw)

	case "DELETE /invitations/:token":
		if err := h.svc.CancelInvitation(ctx, p, params["token"]); err != nil {
			return writeError(log, err)
		}
		return emptyResp(http.StatusNoContent)

	case "HEAD /tenants/:tenantId/access":
		err := h.svc.CheckAccess(ctx, p, params["tenantId"])
		if err != nil {
			kind := apperr.KindOf(err)
			log.Info("tenant access", zap.String("tenantId", params["tenantId"]), zap.String("outcome", kind.String()))
			if kind == apperr.Internal {
				log.Error("tenant access check failed", zap.Error(err))
			}
			return emptyResp(kind.HTTPStatus())
		}
		log.Info("tenant access", zap.String("tenantId", params["tenantId"]), zap.String("outcome", "allow"))
		return emptyResp(http.StatusOK)

	case "GET /tenants/:tenantId/roles":
		roles, err := h.svc.GetRoles(ctx, p, params["tenantId"])
		if err != nil {
			return writeError(log, err)
		}
		return jsonResp(http.StatusOK, roles)
	}
	return noRoute(http.StatusNotFound)
}

func (h *AuthzHandler) getInvitation(ctx context.Context, log *zap.Logger, token string) events.APIGatewayV2HTTPResponse {
	view, err := h.svc.GetInvitation(ctx, token)
	if err != nil {
		log.Info("get invitation", zap.String("outcome", apperr.KindOf(err).String()))
		return writeError(log, err)
	}
	return jsonResp(http.StatusOK, view)
}

// created answers 201 for a fresh execution and 200 for a replay, with the
// stored body either way.
func created(fromCache bool, raw []byte) events.APIGatewayV2HTTPResponse {
	if fromCache {
		return rawResp(http.StatusOK, raw)
	}
	return rawResp(http.StatusCreated, raw)
}
