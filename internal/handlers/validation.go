package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"

	pkghttp "github.com/BradenHooton/stepguard/pkg/http"
	"github.com/go-playground/validator/v10"
)

// maxRequestBody caps every JSON request body
const maxRequestBody = 64 << 10

var screenResolutionPattern = regexp.MustCompile(`^[0-9]{1,5}x[0-9]{1,5}$`)

// FieldError names one failed field by its JSON path
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every field that failed
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// normalizer is implemented by requests that clean their own input before
// validation runs
type normalizer interface {
	normalize()
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// Report fields by JSON name so messages match the request body
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("screenres", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()
		return value == "" || screenResolutionPattern.MatchString(value)
	})

	return v
}

// ValidateRequest validates a request struct, returning a *ValidationError
// listing every failed field
func ValidateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := &ValidationError{Fields: make([]FieldError, 0, len(ve))}
	for _, fe := range ve {
		out.Fields = append(out.Fields, FieldError{
			Field:   fieldPath(fe),
			Message: formatValidationError(fe),
		})
	}
	return out
}

// fieldPath drops the root struct name, leaving e.g. "fingerprint.user_agent"
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "max":
		return fmt.Sprintf("must have a maximum of %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "screenres":
		return "must look like WIDTHxHEIGHT"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// decodeAndValidate decodes a JSON body into req, normalizes and validates
// it, and writes a 400 on failure
func decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return false
	}

	if n, ok := req.(normalizer); ok {
		n.normalize()
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteErrorWithDetails(w, http.StatusBadRequest, "bad_request", "Validation failed", err.Error())
		return false
	}
	return true
}
