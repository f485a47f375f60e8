package handlers

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON names so messages match the request body
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidateRequest checks the validate tags on a decoded request body and
// describes the first offending field.
func ValidateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("validation failed: %s: %s", fe.Field(), describeRule(fe))
	}
	return fmt.Errorf("validation failed: %w", err)
}

var ruleMessages = map[string]string{
	"required": "this field is required",
	"email":    "must be a valid email address",
	"numeric":  "must contain digits only",
	"min":      "must have a minimum of %s characters",
	"max":      "must have a maximum of %s characters",
	"len":      "must be exactly %s characters",
}

func describeRule(fe validator.FieldError) string {
	msg, ok := ruleMessages[fe.Tag()]
	if !ok {
		return "failed validation: " + fe.Tag()
	}
	if strings.Contains(msg, "%s") {
		return fmt.Sprintf(msg, fe.Param())
	}
	return msg
}
