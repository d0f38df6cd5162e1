package httpjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/shopmesh/orderflow/internal/domain"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode reads a JSON body into dst and checks its validate tags. Any
// failure is returned as a *domain.ValidationError.
func Decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.NewValidationError("body", "invalid request body")
	}
	return Validate(dst)
}

func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		field := strings.TrimPrefix(fe.Namespace(), reflect.Indirect(reflect.ValueOf(v)).Type().Name()+".")
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		return domain.NewValidationError(field, "failed on "+rule)
	}
	return domain.NewValidationError("body", err.Error())
}

// PathID parses a positive integer path parameter.
func PathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.NewValidationError(name, "must be a positive integer")
	}
	return id, nil
}

// HeaderUserID and HeaderUserRole carry the authenticated caller from the
// gateway to the services behind it. Service-to-service calls carry
// neither.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

func UserID(r *http.Request) (int64, error) {
	raw := r.Header.Get(HeaderUserID)
	if raw == "" {
		return 0, fmt.Errorf("missing %s header: %w", HeaderUserID, domain.ErrUnauthentic)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("malformed %s header: %w", HeaderUserID, domain.ErrUnauthentic)
	}
	return id, nil
}

// Caller reports the gateway-authenticated user behind r. ok is false for
// requests that carry no identity, which only internal callers send.
func Caller(r *http.Request) (userID int64, role domain.Role, ok bool) {
	id, err := UserID(r)
	if err != nil {
		return 0, "", false
	}
	return id, domain.Role(r.Header.Get(HeaderUserRole)), true
}
