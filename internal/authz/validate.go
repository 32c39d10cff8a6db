package authz

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"hyperush/internal/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("tenantid", func(fl validator.FieldLevel) bool {
		return isTenantID(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// ValidateStruct runs the struct tags of v and reports the first failing
// field as a validation error.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		return apperr.NewValidation("invalid_body", fmt.Sprintf("field %s failed %s", fe.Field(), fe.Tag()))
	}
	return apperr.NewValidation("invalid_body", "invalid request body")
}

// isTenantID accepts only ULIDs in their canonical upper-case encoding, as
// minted by the service.
func isTenantID(id string) bool {
	if _, err := ulid.ParseStrict(id); err != nil {
		return false
	}
	return strings.ToUpper(id) == id
}

// ValidateTenantID checks that id is a canonical ULID.
func ValidateTenantID(id string) error {
	if !isTenantID(id) {
		return apperr.NewValidation("invalid_tenant_id", "invalid tenantId format")
	}
	return nil
}

// NormalizeEmail is applied to invitation emails and to the principal's
// email before comparing them.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
