package target

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

// FieldError describes one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct validates s against its `validate` tags and returns one
// FieldError per failed rule. A nil result means s is valid.
func ValidateStruct(s any) []FieldError {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Message: messageFor(fe.Tag()),
		})
	}
	return out
}

func messageFor(tag string) string {
	switch tag {
	case "required":
		return "This field is required."
	case "min":
		return "Value is too short."
	case "max":
		return "Value is too long."
	case "email":
		return "Invalid email format."
	case "gte":
		return "Value must be greater than or equal to required threshold."
	case "lte":
		return "Value must be less than or equal to required threshold."
	default:
		return "Invalid value."
	}
}
