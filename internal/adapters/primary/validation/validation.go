package validation

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
)

const maxBodyBytes = 1 << 20

var (
	roomPattern       = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-:]{0,63}$`)
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

var roomValidatorFunc validator.Func = func(fl validator.FieldLevel) bool {
	room, ok := fl.Field().Interface().(string)
	return ok && roomPattern.MatchString(room)
}

// Empty identifiers pass; presence is the job of the required tags.
var identifierValidatorFunc validator.Func = func(fl validator.FieldLevel) bool {
	id, ok := fl.Field().Interface().(string)
	return ok && (id == "" || identifierPattern.MatchString(id))
}

// Validator validates decoded request bodies. Field names in errors use the
// json tag.
type Validator struct {
	validate *validator.Validate
}

// New creates a validator with the relay's custom tags registered:
// "room" for relay room names and "ident" for table and action names.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("room", roomValidatorFunc)
	_ = v.RegisterValidation("ident", identifierValidatorFunc)
	return &Validator{validate: v}
}

// Struct validates s and converts failures into ValidationErrors.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.NewBadRequestError(err, "Invalid request")
	}

	out := apperrors.NewValidationErrors()
	for _, fe := range fieldErrs {
		out.Add(fe.Field(), message(fe))
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return "This field is required"
	case "oneof":
		return "Must be one of: " + strings.Join(strings.Fields(fe.Param()), ", ")
	case "max":
		return "Must be at most " + fe.Param() + " characters"
	case "room":
		return "Must be a lowercase room name"
	case "ident":
		return "Must be an identifier"
	default:
		return "Is invalid (" + fe.Tag() + ")"
	}
}

// DecodeAndValidate decodes a JSON request body into T and validates it.
func DecodeAndValidate[T any](r *http.Request, v *Validator) (*T, error) {
	var req T

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return nil, apperrors.NewBadRequestError(err, "Invalid request body")
	}

	if n, ok := any(&req).(interface{ Normalize() }); ok {
		n.Normalize()
	}

	if err := v.Struct(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ParseInt64QueryParam parses a non-negative integer query parameter. It
// reports whether the parameter was present and valid.
func ParseInt64QueryParam(r *http.Request, key string) (int64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}

// ParseIntQueryParam safely parses an integer query parameter
func ParseIntQueryParam(r *http.Request, key string, defaultValue int) int {
	valueStr := r.URL.Query().Get(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil || value < 0 {
		return defaultValue
	}

	return value
}

// ValidRoom reports whether room is an acceptable room name.
func ValidRoom(room string) bool {
	return roomPattern.MatchString(room)
}
