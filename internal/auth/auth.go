// Package auth turns an API Gateway request into the calling principal.
package auth

import (
	"errors"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"

	"hyperush/internal/apperr"
)

type Principal struct {
	UID           string
	Email         string
	EmailVerified bool
}

// Authenticator prefers claims from the HTTP API JWT authorizer. When a
// secret is configured, an HS256 bearer token is accepted for requests that
// did not pass through an authorizer (local runs, internal callers).
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

func NewAuthenticator(hs256Secret string) *Authenticator {
	a := &Authenticator{parser: jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())}
	if hs256Secret != "" {
		a.secret = []byte(hs256Secret)
	}
	return a
}

func (a *Authenticator) Authenticate(req events.APIGatewayV2HTTPRequest) (Principal, error) {
	if az := req.RequestContext.Authorizer; az != nil && az.JWT != nil && len(az.JWT.Claims) > 0 {
		return fromAuthorizer(az.JWT.Claims)
	}
	if len(a.secret) > 0 {
		if raw, ok := bearer(req.Headers); ok {
			return a.fromBearer(raw)
		}
	}
	return Principal{}, apperr.NewUnauthorized("missing credentials")
}

func fromAuthorizer(claims map[string]string) (Principal, error) {
	sub := strings.TrimSpace(claims["sub"])
	if sub == "" {
		return Principal{}, apperr.NewUnauthorized("missing sub claim")
	}
	return Principal{
		UID:           sub,
		Email:         strings.TrimSpace(claims["email"]),
		EmailVerified: claims["email_verified"] == "true",
	}, nil
}

func (a *Authenticator) fromBearer(raw string) (Principal, error) {
	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return Principal{}, apperr.Wrap(apperr.Unauthorized, "", "invalid token", err)
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return Principal{}, apperr.NewUnauthorized("missing sub claim")
	}
	p := Principal{UID: sub}
	if email, ok := claims["email"].(string); ok {
		p.Email = strings.TrimSpace(email)
	}
	if verified, ok := claims["email_verified"].(bool); ok {
		p.EmailVerified = verified
	}
	return p, nil
}

func bearer(headers map[string]string) (string, bool) {
	for k, v := range headers {
		if !strings.EqualFold(k, "authorization") {
			continue
		}
		const prefix = "bearer "
		if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
			return strings.TrimSpace(v[len(prefix):]), true
		}
	}
	return "", false
}

// IsUnauthorized reports whether err is an authentication failure.
func IsUnauthorized(err error) bool {
	var ae *apperr.Error
	return errors.As(err, &ae) && ae.Kind == apperr.Unauthorized
}
