package shopify

import (
	"regexp"
	"strings"

	"hyperush/internal/apperr"
)

var shopDomainPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.myshopify\.com$`)

// NormalizeShopDomain accepts "Acme.myshopify.com", "https://acme.myshopify.com/admin"
// and similar, and returns the bare lowercase domain.
func NormalizeShopDomain(raw string) (string, error) {
	shop := strings.ToLower(strings.TrimSpace(raw))
	shop = strings.TrimPrefix(shop, "https://")
	shop = strings.TrimPrefix(shop, "http://")
	if i := strings.IndexAny(shop, "/?#"); i >= 0 {
		shop = shop[:i]
	}
	if !shopDomainPattern.MatchString(shop) {
		return "", apperr.NewValidation("invalid_shop", "invalid shop (expected like your-store.myshopify.com)")
	}
	return shop, nil
}
