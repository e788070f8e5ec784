package http

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"ledgersync/internal/domain/transaction"
)

var nonBlank = regexp.MustCompile(`\S`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// report json names, not Go field names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	// a zero Date counts as missing
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		d, ok := field.Interface().(transaction.Date)
		if !ok || d.IsZero() {
			return nil
		}
		return d.String()
	}, transaction.Date{})

	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return nonBlank.MatchString(fl.Field().String())
	})
	return v
}

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("invalid input: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fieldErrorToString(e))
	}
	return fmt.Errorf("invalid input: %s", strings.Join(msgs, "; "))
}

func fieldErrorToString(e validator.FieldError) string {
	field := e.Namespace()
	if _, rest, found := strings.Cut(field, "."); found {
		field = rest
	}

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "notblank":
		return fmt.Sprintf("%s must not be blank", field)
	case "uuid":
		return fmt.Sprintf("%s must be a UUID", field)
	case "len":
		return fmt.Sprintf("%s must be %s characters", field, e.Param())
	case "min":
		if e.Param() == "1" {
			return fmt.Sprintf("%s must not be empty", field)
		}
		return fmt.Sprintf("%s is too short", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
