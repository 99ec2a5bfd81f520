// Package validation provides input validation helpers and middleware for the API.
package validation

import (
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 2000

var (
	// identifiers: POI ids, tag UIDs, idempotency keys, user ids
	idRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)

	strict = bluemonday.StrictPolicy()
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks an opaque identifier (letters, digits, _-:. up to 128 chars).
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// SanitizeText strips all markup, null bytes and surrounding whitespace and
// caps the length. Used for free text that ends up in audit logs or the
// admin dashboard.
func SanitizeText(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strict.Sanitize(s)
	s = strings.TrimSpace(s)
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// SanitizeMetadata applies SanitizeText to every string value of m,
// recursing into nested maps and slices.
func SanitizeMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[SanitizeText(k, 128)] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return SanitizeText(val, MaxStringLength)
	case map[string]any:
		return SanitizeMetadata(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return val
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks an identifier field. Empty values pass; pair with Required.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || IsValidID(value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, '_', '-', ':' or '.'"}
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Latitude checks a WGS84 latitude.
func Latitude(field string, v float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(v) || v < -90 || v > 90 {
			return &ValidationError{Field: field, Message: "must be between -90 and 90"}
		}
		return nil
	}
}

// Longitude checks a WGS84 longitude.
func Longitude(field string, v float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(v) || v < -180 || v > 180 {
			return &ValidationError{Field: field, Message: "must be between -180 and 180"}
		}
		return nil
	}
}

// NonNegative rejects negative or non-finite numbers.
func NonNegative(field string, v float64) func() *ValidationError {
	return func() *ValidationError {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return &ValidationError{Field: field, Message: "must be a non-negative number"}
		}
		return nil
	}
}

// CountBetween checks a collection size.
func CountBetween(field string, n, min, max int) func() *ValidationError {
	return func() *ValidationError {
		if n < min || n > max {
			return &ValidationError{Field: field, Message: "must contain between " + strconv.Itoa(min) + " and " + strconv.Itoa(max) + " items"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed :name URL params early.
func IDParamMiddleware(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(name); v != "" && !IsValidID(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + name,
				"message": name + " is malformed",
			})
			return
		}
		c.Next()
	}
}

// RespondError writes the standard 400 body for validation failures.
func RespondError(c *gin.Context, errs ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}
