package common

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"upfweb/internal/validation"
)

// Field is one input of a generic form page.
type Field struct {
	Name  string
	Label string
	// Type is an input type, "textarea" or "select".
	Type     string
	Value    string
	Options  []Option
	Required bool
	Step     string
	Error    string
}

// Option is one select choice.
type Option struct {
	Value string
	Label string
}

// Form is the view model of the generic form page.
type Form struct {
	Heading   string
	Action    string
	Submit    string
	Cancel    string
	Multipart bool
	Fields    []Field
	// Extra is page specific data rendered above the fields.
	Extra any
}

// Options builds select options whose labels equal their values.
func Options(values ...string) []Option {
	out := make([]Option, len(values))
	for i, v := range values {
		out[i] = Option{Value: v, Label: v}
	}
	return out
}

// Fill copies submitted values into the form's fields.
func (f *Form) Fill(v url.Values) *Form {
	for i := range f.Fields {
		if vals, ok := v[f.Fields[i].Name]; ok && len(vals) > 0 {
			f.Fields[i].Value = strings.TrimSpace(vals[0])
		}
	}
	return f
}

// Set sets the value of the named field.
func (f *Form) Set(name, value string) *Form {
	for i := range f.Fields {
		if f.Fields[i].Name == name {
			f.Fields[i].Value = value
		}
	}
	return f
}

// Value returns the value of the named field.
func (f *Form) Value(name string) string {
	for _, fld := range f.Fields {
		if fld.Name == name {
			return fld.Value
		}
	}
	return ""
}

// SetErrors attaches messages to fields by name. Messages for unknown fields
// are attached to the first field so they are not lost.
func (f *Form) SetErrors(byField map[string]string) {
	for name, msg := range byField {
		placed := false
		for i := range f.Fields {
			if f.Fields[i].Name == name {
				f.Fields[i].Error = msg
				placed = true
			}
		}
		if !placed && len(f.Fields) > 0 {
			f.Fields[0].Error = strings.TrimSpace(f.Fields[0].Error + " " + name + ": " + msg)
		}
	}
}

// Itoa formats ids for form values; zero renders empty.
func Itoa(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// Ftoa formats quantities for form values.
func Ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// PostForm parses the request body, including multipart bodies, and returns
// the posted values.
func PostForm(r *http.Request) url.Values {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		r.ParseMultipartForm(validation.MaxImageSize)
	} else {
		r.ParseForm()
	}
	return r.PostForm
}
