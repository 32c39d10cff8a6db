package authz

import (
	"testing"

	"github.com/oklog/ulid/v2"

	"hyperush/internal/apperr"
)

func TestValidateTenantID(t *testing.T) {
	t.Parallel()

	for _, id := range []string{ulid.Make().String(), "01ARZ3NDEKTSV4RRFFQ69G5FAV", "7ZZZZZZZZZZZZZZZZZZZZZZZZZ"} {
		if err := ValidateTenantID(id); err != nil {
			t.Errorf("ValidateTenantID(%q) = %v", id, err)
		}
	}

	for _, id := range []string{
		"",
		"not-a-ulid",
		"01arz3ndektsv4rrffq69g5fav",  // lower case
		"8ZZZZZZZZZZZZZZZZZZZZZZZZZ",  // overflows 128 bits
		"01ARZ3NDEKTSV4RRFFQ69G5FA",   // 25 chars
		"01ARZ3NDEKTSV4RRFFQ69G5FAVX", // 27 chars
		"01ARZ3NDEKTSV4RRFFQ69G5FAU",  // U is not in the alphabet
	} {
		err := ValidateTenantID(id)
		if ae, ok := apperr.As(err); !ok || ae.Code != "invalid_tenant_id" {
			t.Errorf("ValidateTenantID(%q) = %v, want invalid_tenant_id", id, err)
		}
	}
}

func TestCreateInvitationInputRejectsOverflowingTenantID(t *testing.T) {
	t.Parallel()

	in := CreateInvitationInput{TenantID: "8ZZZZZZZZZZZZZZZZZZZZZZZZZ", Email: "x@example.com", Role: RoleCollaborator}
	err := ValidateStruct(in)
	if ae, ok := apperr.As(err); !ok || ae.Code != "invalid_body" {
		t.Fatalf("ValidateStruct = %v, want invalid_body", err)
	}
}
