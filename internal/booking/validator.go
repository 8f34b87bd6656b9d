package booking

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/clinicflow/dental-scheduling/internal/apperr"
)

// Validator checks request structs by their validate tags and reports the
// first failure under the field's json name.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return apperr.Validation("", err.Error())
	}
	return translate(validationErrs[0])
}

func translate(fe validator.FieldError) *apperr.ValidationError {
	message := fe.Error()
	switch fe.Tag() {
	case "required":
		message = "is required"
	case "required_without":
		message = fmt.Sprintf("is required when %s is empty", fe.Param())
	case "email":
		message = "must be a valid email address"
	case "max":
		message = fmt.Sprintf("must be at most %s characters", fe.Param())
	case "oneof":
		message = fmt.Sprintf("must be one of: %s", fe.Param())
	}
	return apperr.Validation(fe.Field(), message)
}
