package apiclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ErrUnauthorized matches any *APIError carrying HTTP 401. Page handlers
// answer it with a redirect to the login path.
var ErrUnauthorized = errors.New("apiclient: unauthorized")

// Error codes the console branches on.
const (
	CodeConflict        = "conflict"
	CodeInvalidResponse = "invalid_response"
	CodeValidation      = "validation_error"
)

// APIError is a non-success answer from the backend. Fields holds per-field
// validation messages when the backend sent them.
type APIError struct {
	Status  int
	Code    string
	Message string
	Fields  map[string]string
	Body    []byte
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api %d", e.Status)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// CodeOf returns the structured error code carried by err, or "".
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// MessageOf returns a human readable message for any error. It never
// returns an empty string.
func MessageOf(err error, fallback string) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if fallback != "" {
		return fallback
	}
	if err != nil {
		return err.Error()
	}
	return "Unknown error"
}

// IsConflict reports whether err is a 409 from the backend.
func IsConflict(err error) bool {
	return StatusOf(err) == http.StatusConflict
}

// AsConflict decodes the body of a 409 response into v. It returns false
// when err is not a conflict or the body does not decode.
func AsConflict(err error, v any) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict || len(apiErr.Body) == 0 {
		return false
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if json.Unmarshal(apiErr.Body, &env) == nil && len(env.Data) > 0 && env.Data[0] == '{' {
		if json.Unmarshal(env.Data, v) == nil {
			return true
		}
	}
	return json.Unmarshal(apiErr.Body, v) == nil
}

var codeToken = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// errorBody covers the error payload shapes the backend produces.
type errorBody struct {
	Error       json.RawMessage `json:"error"`
	Message     string          `json:"message"`
	Code        string          `json:"code"`
	Errors      json.RawMessage `json:"errors"`
	Details     json.RawMessage `json:"details"`
	FieldErrors json.RawMessage `json:"field_errors"`
}

// parseError builds an *APIError from a non-2xx response body, falling back
// to the status text when the body is not a JSON error document.
func parseError(status int, body []byte) *APIError {
	e := &APIError{Status: status, Body: body}
	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		var errText string
		if len(eb.Error) > 0 {
			if json.Unmarshal(eb.Error, &errText) != nil {
				var nested struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				}
				if json.Unmarshal(eb.Error, &nested) == nil {
					errText = nested.Message
					if eb.Code == "" {
						eb.Code = nested.Code
					}
				}
			}
		}
		switch {
		case errText != "" && !codeToken.MatchString(errText):
			e.Message = errText
		case eb.Message != "":
			e.Message = eb.Message
		default:
			e.Message = errText
		}
		e.Code = eb.Code
		if e.Code == "" && codeToken.MatchString(errText) {
			e.Code = errText
		}
		for _, raw := range []json.RawMessage{eb.Errors, eb.FieldErrors, eb.Details} {
			if f := parseFields(raw); len(f) > 0 {
				e.Fields = f
				break
			}
		}
		if e.Code == "" && len(e.Fields) > 0 {
			e.Code = CodeValidation
		}
	}
	if e.Code == "" && status == http.StatusConflict {
		e.Code = CodeConflict
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("Request failed with status %d", status)
	}
	return e
}

// parseFields accepts {"field":"msg"}, {"field":["msg",...]} and
// [{"field":"f","message":"msg"}].
func parseFields(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string)
	var flat map[string]string
	if json.Unmarshal(raw, &flat) == nil {
		for k, v := range flat {
			out[k] = v
		}
		return out
	}
	var multi map[string][]string
	if json.Unmarshal(raw, &multi) == nil {
		for k, v := range multi {
			out[k] = strings.Join(v, "; ")
		}
		return out
	}
	var list []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &list) == nil {
		for _, fe := range list {
			if fe.Field == "" {
				continue
			}
			if prev, ok := out[fe.Field]; ok {
				out[fe.Field] = prev + "; " + fe.Message
				continue
			}
			out[fe.Field] = fe.Message
		}
	}
	return out
}
