package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"upfweb/internal/apiclient"
)

// ValidationError represents a structured validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects multiple field errors.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (ve *ValidationErrors) Add(field, message string) {
	ve.Errors = append(ve.Errors, ValidationError{Field: field, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return ve != nil && len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, len(ve.Errors))
	for i, e := range ve.Errors {
		msgs[i] = e.Field + ": " + e.Message
	}
	return strings.Join(msgs, "; ")
}

// ByField returns the first message per field, for inline rendering next to
// the offending control.
func (ve *ValidationErrors) ByField() map[string]string {
	out := make(map[string]string)
	if ve == nil {
		return out
	}
	for _, e := range ve.Errors {
		if _, ok := out[e.Field]; !ok {
			out[e.Field] = e.Message
		}
	}
	return out
}

// RequireField checks a required string field is non-empty.
func RequireField(ve *ValidationErrors, field, value string) {
	if strings.TrimSpace(value) == "" {
		ve.Add(field, "is required")
	}
}

// ValidateEnum checks a field is one of allowed values.
func ValidateEnum(ve *ValidationErrors, field, value string, allowed []string) {
	if value == "" {
		return
	}
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	ve.Add(field, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
}

// ValidatePositiveInt checks a field is > 0.
func ValidatePositiveInt(ve *ValidationErrors, field string, value int) {
	if value <= 0 {
		ve.Add(field, "must be a positive integer")
	}
}

// ValidatePositiveFloat checks a field is > 0.
func ValidatePositiveFloat(ve *ValidationErrors, field string, value float64) {
	if value <= 0 {
		ve.Add(field, "must be a positive number")
	}
}

// ValidateNonNegativeFloat checks a field is >= 0.
func ValidateNonNegativeFloat(ve *ValidationErrors, field string, value float64) {
	if value < 0 {
		ve.Add(field, "must be non-negative")
	}
}

// Maximum value constants.
const (
	MaxQuantity     = 1000000.0
	MaxStringLength = 10000
	MaxNotesLength  = 2000
)

// ValidateMaxQuantity checks quantity doesn't exceed reasonable maximum.
func ValidateMaxQuantity(ve *ValidationErrors, field string, value float64) {
	if value > MaxQuantity {
		ve.Add(field, fmt.Sprintf("exceeds maximum allowed quantity of %.0f", MaxQuantity))
	}
}

// ValidateMaxLength checks string doesn't exceed max length.
func ValidateMaxLength(ve *ValidationErrors, field, value string, max int) {
	if len(value) > max {
		ve.Add(field, fmt.Sprintf("must be at most %d characters", max))
	}
}

// ParseFloatField parses a numeric form value, recording an error when it is
// present but not a number. Empty input yields 0.
func ParseFloatField(ve *ValidationErrors, field, raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		ve.Add(field, "must be a number")
		return 0
	}
	return v
}

// ParseIntField parses an integer form value the same way.
func ParseIntField(ve *ValidationErrors, field, raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		ve.Add(field, "must be a whole number")
		return 0
	}
	return v
}

// Upload limits.
const (
	MaxImageSize  = 5 * 1024 * 1024
	MaxImportSize = 20 * 1024 * 1024
)

var (
	ImageExtensions  = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}
	ImportExtensions = []string{".xlsx", ".csv"}
)

// ValidateUpload validates an uploaded file's name, size and extension.
func ValidateUpload(ve *ValidationErrors, field, filename string, size, maxSize int64, allowed []string) {
	if filename == "" {
		ve.Add(field, "is required")
		return
	}
	if size == 0 {
		ve.Add(field, "cannot be empty (0 bytes)")
		return
	}
	if size > maxSize {
		ve.Add(field, fmt.Sprintf("exceeds maximum size of %d MB", maxSize/(1024*1024)))
		return
	}
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, "/\\\x00") {
		ve.Add(field, "has an invalid file name")
		return
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, a := range allowed {
		if ext == a {
			return
		}
	}
	ve.Add(field, fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")))
}

// FromAPIError converts an upstream structured validation failure into field
// errors. It returns nil when err carries no field-level detail.
func FromAPIError(err error) *ValidationErrors {
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) || len(apiErr.Fields) == 0 {
		return nil
	}
	fields := make([]string, 0, len(apiErr.Fields))
	for f := range apiErr.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	ve := &ValidationErrors{}
	for _, f := range fields {
		ve.Add(f, apiErr.Fields[f])
	}
	return ve
}
