package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dukerupert/acctbroker/internal/apperr"
)

const maxBodyBytes = 64 << 10

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type errorBody struct {
	Kind              apperr.Kind `json:"kind"`
	Message           string      `json:"message"`
	RetryAfterSeconds *int        `json:"retry_after_seconds,omitempty"`
	TodayCount        *int        `json:"today_count,omitempty"`
	Limit             *int        `json:"limit,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into dst and validates it.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.New(apperr.InvalidArgument, "invalid JSON: %v", err)
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperr.New(apperr.InvalidArgument, "%s", describe(verrs[0]))
		}
		return apperr.New(apperr.InvalidArgument, "invalid request")
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.InvalidArgument:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.LicenseExpired, apperr.LicenseExhausted, apperr.LicenseInactive:
		return http.StatusForbidden
	case apperr.DeviceConflict, apperr.CurrentAccountStillUsable:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.PoolExhausted, apperr.VerifierUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err in the public error shape. Causes of internal
// errors are logged, never rendered.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Wrap(apperr.Internal, err, "internal error")
	}

	body := errorBody{Kind: ae.Kind, Message: ae.Detail}
	if body.Message == "" {
		body.Message = string(ae.Kind)
	}
	status := statusOf(ae.Kind)
	if status >= 500 && ae.Kind == apperr.Internal {
		logger.Error("request failed", "error", err)
		body.Message = "internal error"
	}
	if ae.RetryAfter > 0 {
		secs := int(math.Ceil(ae.RetryAfter.Seconds()))
		body.RetryAfterSeconds = &secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if ae.Limit > 0 {
		today, limit := ae.TodayCount, ae.Limit
		body.TodayCount = &today
		body.Limit = &limit
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}
