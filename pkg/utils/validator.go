// Package utils holds small helpers shared across layers.
package utils

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/turtacn/cryptod/pkg/errors"
)

var defaultValidator *validator.Validate

func init() {
	defaultValidator = validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	defaultValidator.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = defaultValidator.RegisterValidation("notblank", validateNotBlank)
}

// ValidateStruct validates s against its `validate` tags. A failure is a validation
// CryptoError listing every offending field in its metadata.
// ValidateStruct 根据 `validate` 标签校验结构体。
func ValidateStruct(s interface{}) error {
	err := defaultValidator.Struct(s)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return errors.ErrInvalidArgument(err.Error())
	}

	fields := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		fields = append(fields, fieldPath(fe)+" "+formatValidationError(fe))
	}
	cErr := errors.ErrInvalidArgument(strings.Join(fields, "; "))
	for _, fe := range validationErrors {
		cErr = cErr.WithMetadata(fieldPath(fe), formatValidationError(fe))
	}
	return cErr
}

// fieldPath drops the root type name from the namespace, e.g. "context.tenantId".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "notblank":
		return "must not be blank"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed on the '%s' tag", fe.Tag())
	}
}
