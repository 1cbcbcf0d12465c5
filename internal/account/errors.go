package account

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// FieldError describes why one field of a registration was rejected.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every rejected field of a registration.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (v *ValidationError) Error() string {
	messages := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		messages = append(messages, f.Field+": "+f.Message)
	}
	return "invalid user: " + strings.Join(messages, "; ")
}

func validUsername(fl validator.FieldLevel) bool {
	return usernamePattern.MatchString(fl.Field().String())
}

func formatValidationError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return "must be at least " + e.Param() + " characters"
	case "max":
		return "must be at most " + e.Param() + " characters"
	case "username":
		return "may only contain lowercase letters, digits, '.', '_' and '-'"
	default:
		return "is invalid"
	}
}
