package docstore

import (
	"fmt"
	"strings"
)

// KeySeparator joins the parts of a compound key. Parts may not contain it.
const KeySeparator = "_"

// CompoundKey builds a deterministic key such as "<tenantId>_<uid>".
func CompoundKey(parts ...string) (string, error) {
	for i, p := range parts {
		if p == "" {
			return "", fmt.Errorf("compound key part %d is empty", i)
		}
		if strings.Contains(p, KeySeparator) {
			return "", fmt.Errorf("compound key part %q contains %q", p, KeySeparator)
		}
	}
	return strings.Join(parts, KeySeparator), nil
}
