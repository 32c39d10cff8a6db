package handlers

import (
	"context"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"hyperush/internal/auth"
	"hyperush/internal/authz"
	"hyperush/internal/docstore"
	"hyperush/internal/idempotency"
)

var (
	ownerClaims = map[string]string{"sub": "U1", "email": "owner@example.com", "email_verified": "true"}
	bobClaims   = map[string]string{"sub": "U2", "email": "bob@example.com", "email_verified": "true"}
	eveClaims   = map[string]string{"sub": "U3", "email": "eve@example.com", "email_verified": "true"}
)

func newAuthzHandler(t *testing.T) *AuthzHandler {
	t.Helper()
	store := docstore.NewMemory()
	svc := authz.NewService(store, idempotency.NewEngine(store, nil), nil, authz.Options{EnforceInviteEmail: true})
	return NewAuthzHandler(svc, auth.NewAuthenticator(""), zap.NewNop())
}

func idem(key string) map[string]string {
	return map[string]string{"x-idempotency-key": key, "content-type": "application/json"}
}

func call(t *testing.T, h *AuthzHandler, req events.APIGatewayV2HTTPRequest) events.APIGatewayV2HTTPResponse {
	t.Helper()
	resp, err := h.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Headers["x-request-id"] == "" {
		t.Fatalf("missing x-request-id header")
	}
	return resp
}

func TestAuthzFlow(t *testing.T) {
	t.Parallel()
	h := newAuthzHandler(t)

	resp := call(t, h, apiRequest("POST", "/tenants", nil, idem("tenant-key-0001"), `{"name":"Acme"}`))
	if resp.StatusCode != 401 {
		t.Fatalf("anonymous create = %d", resp.StatusCode)
	}
	resp = call(t, h, apiRequest("POST", "/tenants", ownerClaims, nil, `{"name":"Acme"}`))
	if resp.StatusCode != 400 || decodeBody(t, resp)["code"] != "missing_idempotency_key" {
		t.Fatalf("missing key = %d %s", resp.StatusCode, resp.Body)
	}
	resp = call(t, h, apiRequest("POST", "/tenants", ownerClaims, idem("tenant-key-0001"), `{"name":`))
	if resp.StatusCode != 400 || decodeBody(t, resp)["code"] != "invalid_json" {
		t.Fatalf("bad json = %d %s", resp.StatusCode, resp.Body)
	}

	first := call(t, h, apiRequest("POST", "/tenants", ownerClaims, idem("tenant-key-0001"), `{"name":"Acme"}`))
	if first.StatusCode != 201 {
		t.Fatalf("create tenant = %d %s", first.StatusCode, first.Body)
	}
	replay := call(t, h, apiRequest("POST", "/tenants", ownerClaims, idem("tenant-key-0001"), `{"name":"Acme"}`))
	if replay.StatusCode != 200 || replay.Body != first.Body {
		t.Fatalf("replay = %d %s, want 200 %s", replay.StatusCode, replay.Body, first.Body)
	}
	conflict := call(t, h, apiRequest("POST", "/tenants", ownerClaims, idem("tenant-key-0001"), `{"name":"Other"}`))
	if conflict.StatusCode != 409 {
		t.Fatalf("conflict = %d %s", conflict.StatusCode, conflict.Body)
	}
	tenantID, _ := decodeBody(t, first)["tenantId"].(string)

	inviteBody := `{"tenantId":"` + tenantID + `","email":"bob@example.com","role":"Collaborator"}`
	resp = call(t, h, apiRequest("POST", "/invitations", eveClaims, idem("invite-key-0001"), inviteBody))
	if resp.StatusCode != 403 {
		t.Fatalf("non-owner invite = %d %s", resp.StatusCode, resp.Body)
	}
	resp = call(t, h, apiRequest("POST", "/invitations", ownerClaims, idem("invite-key-0002"), inviteBody))
	if resp.StatusCode != 201 {
		t.Fatalf("invite = %d %s", resp.StatusCode, resp.Body)
	}
	token, _ := decodeBody(t, resp)["token"].(string)

	resp = call(t, h, apiRequest("GET", "/invitations/"+token, nil, nil, ""))
	if resp.StatusCode != 200 || decodeBody(t, resp)["status"] != "PENDING" {
		t.Fatalf("get invitation = %d %s", resp.StatusCode, resp.Body)
	}
	resp = call(t, h, apiRequest("GET", "/invitations/unknown", nil, nil, ""))
	if resp.StatusCode != 404 {
		t.Fatalf("get unknown = %d", resp.StatusCode)
	}

	resp = call(t, h, apiRequest("POST", "/invitations/"+token+"/accept", eveClaims, idem("accept-key-0001"), ""))
	if resp.StatusCode != 403 || decodeBody(t, resp)["code"] != "email_mismatch" {
		t.Fatalf("mismatch accept = %d %s", resp.StatusCode, resp.Body)
	}
	accepted := call(t, h, apiRequest("POST", "/invitations/"+token+"/accept", bobClaims, idem("accept-key-0002"), ""))
	if accepted.StatusCode != 201 {
		t.Fatalf("accept = %d %s", accepted.StatusCode, accepted.Body)
	}
	again := call(t, h, apiRequest("POST", "/invitations/"+token+"/accept", bobClaims, idem("accept-key-0002"), ""))
	if again.StatusCode != 200 || again.Body != accepted.Body {
		t.Fatalf("accept replay = %d %s", again.StatusCode, again.Body)
	}

	resp = call(t, h, apiRequest("HEAD", "/tenants/"+tenantID+"/access", bobClaims, nil, ""))
	if resp.StatusCode != 200 || resp.Body != "" {
		t.Fatalf("bob access = %d %q", resp.StatusCode, resp.Body)
	}
	resp = call(t, h, apiRequest("HEAD", "/tenants/"+tenantID+"/access", eveClaims, nil, ""))
	if resp.StatusCode != 403 || resp.Body != "" {
		t.Fatalf("eve access = %d %q", resp.StatusCode, resp.Body)
	}
	resp = call(t, h, apiRequest("HEAD", "/tenants/bad-id/access", eveClaims, nil, ""))
	if resp.StatusCode != 400 {
		t.Fatalf("bad id access = %d", resp.StatusCode)
	}
	resp = call(t, h, apiRequest("HEAD", "/tenants/01ARZ3NDEKTSV4RRFFQ69G5FAV/access", eveClaims, nil, ""))
	if resp.StatusCode != 404 {
		t.Fatalf("missing tenant access = %d", resp.StatusCode)
	}

	resp = call(t, h, apiRequest("GET", "/tenants/"+tenantID+"/roles", bobClaims, nil, ""))
	if resp.StatusCode != 200 {
		t.Fatalf("roles = %d %s", resp.StatusCode, resp.Body)
	}
	if roles, _ := decodeBody(t, resp)["roles"].([]any); len(roles) != 1 || roles[0] != "Collaborator" {
		t.Fatalf("roles body = %s", resp.Body)
	}

	resp = call(t, h, apiRequest("DELETE", "/invitations/"+token, bobClaims, nil, ""))
	if resp.StatusCode != 403 {
		t.Fatalf("non-owner cancel = %d", resp.StatusCode)
	}
	resp = call(t, h, apiRequest("DELETE", "/invitations/"+token, ownerClaims, nil, ""))
	if resp.StatusCode != 204 {
		t.Fatalf("cancel accepted = %d", resp.StatusCode)
	}
	resp = call(t, h, apiRequest("DELETE", "/invitations/unknown", ownerClaims, nil, ""))
	if resp.StatusCode != 204 {
		t.Fatalf("cancel unknown = %d", resp.StatusCode)
	}
	resp = call(t, h, apiRequest("GET", "/invitations/"+token, nil, nil, ""))
	if resp.StatusCode != 410 {
		t.Fatalf("get accepted = %d", resp.StatusCode)
	}

	resp = call(t, h, apiRequest("GET", "/me", bobClaims, nil, ""))
	me := decodeBody(t, resp)
	if resp.StatusCode != 200 || me["uid"] != "U2" || me["email"] != "bob@example.com" {
		t.Fatalf("me = %d %s", resp.StatusCode, resp.Body)
	}
	if tenants, _ := me["tenants"].([]any); len(tenants) != 1 {
		t.Fatalf("me tenants = %s", resp.Body)
	}
}

func TestAuthzRouting(t *testing.T) {
	t.Parallel()
	h := newAuthzHandler(t)

	if resp := call(t, h, apiRequest("GET", "/health", nil, nil, "")); resp.StatusCode != 200 {
		t.Fatalf("health = %d", resp.StatusCode)
	}
	if resp := call(t, h, apiRequest("PUT", "/tenants", ownerClaims, nil, "")); resp.StatusCode != 405 {
		t.Fatalf("PUT /tenants = %d", resp.StatusCode)
	}
	if resp := call(t, h, apiRequest("GET", "/nope", ownerClaims, nil, "")); resp.StatusCode != 404 {
		t.Fatalf("unknown = %d", resp.StatusCode)
	}
	resp := call(t, h, apiRequest("HEAD", "/tenants/01ARZ3NDEKTSV4RRFFQ69G5FAV/access", nil, nil, ""))
	if resp.StatusCode != 401 || resp.Body != "" {
		t.Fatalf("anonymous HEAD = %d %q", resp.StatusCode, resp.Body)
	}
}
