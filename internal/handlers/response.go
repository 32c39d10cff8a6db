// Package handlers adapts API Gateway HTTP API events to the services.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"hyperush/internal/apperr"
)

const headerRequestID = "x-request-id"

func jsonResp(status int, v any) events.APIGatewayV2HTTPResponse {
	b, _ := json.Marshal(v)
	return rawResp(status, b)
}

// rawResp writes an already encoded JSON body, used for idempotent replays.
func rawResp(status int, body []byte) events.APIGatewayV2HTTPResponse {
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"content-type":                "application/json",
			"access-control-allow-origin": "*",
		},
		Body: string(body),
	}
}

func emptyResp(status int) events.APIGatewayV2HTTPResponse {
	return events.APIGatewayV2HTTPResponse{StatusCode: status, Headers: map[string]string{}}
}

func errResp(status int, code, msg string) events.APIGatewayV2HTTPResponse {
	return jsonResp(status, map[string]string{"code": code, "message": msg})
}

// writeError maps err onto its status and {code, message} body. Internal
// causes are logged and never written to the client.
func writeError(log *zap.Logger, err error) events.APIGatewayV2HTTPResponse {
	ae, ok := apperr.As(err)
	if !ok || ae.Kind == apperr.Internal {
		log.Error("request failed", zap.Error(err))
		return errResp(http.StatusInternalServerError, apperr.Internal.String(), "internal error")
	}
	switch ae.Kind {
	case apperr.BadSignature:
		log.Warn("signature rejected", zap.String("code", ae.PublicCode()), zap.String("outcome", "bad_signature"))
	case apperr.UpstreamFailure:
		log.Error("upstream failure", zap.Error(err))
	}
	return errResp(ae.Kind.HTTPStatus(), ae.PublicCode(), ae.Message)
}

func withRequestID(resp events.APIGatewayV2HTTPResponse, id string) events.APIGatewayV2HTTPResponse {
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers[headerRequestID] = id
	return resp
}

func requestID(req events.APIGatewayV2HTTPRequest) string {
	if id := strings.TrimSpace(header(req, headerRequestID)); id != "" {
		return id
	}
	return uuid.NewString()
}

// header looks name up case-insensitively.
func header(req events.APIGatewayV2HTTPRequest, name string) string {
	if v, ok := req.Headers[strings.ToLower(name)]; ok {
		return v
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func method(req events.APIGatewayV2HTTPRequest) string {
	return strings.ToUpper(req.RequestContext.HTTP.Method)
}

func requestPath(req events.APIGatewayV2HTTPRequest) string {
	if req.RawPath != "" {
		return req.RawPath
	}
	return req.RequestContext.HTTP.Path
}

func body(req events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}

func decodeJSON(req events.APIGatewayV2HTTPRequest, dst any) error {
	b, err := body(req)
	if err != nil {
		return apperr.NewValidation("invalid_json", "request body is not valid base64")
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return apperr.NewValidation("invalid_json", "request body is not valid JSON")
	}
	return nil
}

// route matches a method and a path pattern whose ":name" segments capture
// parameters.
type route struct {
	method  string
	pattern []string
	name    string
}

func newRoute(method, pattern string) route {
	return route{method: method, pattern: splitPath(pattern), name: method + " " + pattern}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func (r route) match(segs []string) (map[string]string, bool) {
	if len(segs) != len(r.pattern) {
		return nil, false
	}
	params := map[string]string{}
	for i, p := range r.pattern {
		if name, ok := strings.CutPrefix(p, ":"); ok {
			if segs[i] == "" {
				return nil, false
			}
			params[name] = segs[i]
			continue
		}
		if p != segs[i] {
			return nil, false
		}
	}
	return params, true
}

// dispatch returns the index of the route matching req, or the status to
// answer with when nothing matches.
func dispatch(routes []route, req events.APIGatewayV2HTTPRequest) (int, map[string]string, int) {
	segs := splitPath(requestPath(req))
	m := method(req)
	pathMatched := false
	for i, r := range routes {
		params, ok := r.match(segs)
		if !ok {
			continue
		}
		pathMatched = true
		if r.method == m {
			return i, params, 0
		}
	}
	if pathMatched {
		return -1, nil, http.StatusMethodNotAllowed
	}
	return -1, nil, http.StatusNotFound
}

func noRoute(status int) events.APIGatewayV2HTTPResponse {
	if status == http.StatusMethodNotAllowed {
		return errResp(status, "method_not_allowed", "method not allowed")
	}
	return errResp(status, "not_found", "not found")
}
