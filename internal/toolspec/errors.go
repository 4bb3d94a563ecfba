package toolspec

import (
	"regexp"
	"strconv"
	"strings"

	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

const rootPath = "(root)"

// ParseError reports arguments that are not valid JSON.
type ParseError struct {
	Tool string
	Err  error
}

func (e *ParseError) Error() string {
	return "invalid JSON arguments for " + e.Tool + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

// FieldError is one schema violation.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError lists every schema violation of one call. The message is
// written for the model to correct its next attempt.
type ValidationError struct {
	Tool   string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid arguments for ")
	b.WriteString(e.Tool)
	b.WriteString(": ")
	for i, f := range e.Fields {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Path)
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	return b.String()
}

var quotedName = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)

// fieldErrors flattens the validator's cause tree into leaf errors.
func fieldErrors(verr *validator.ValidationError) []FieldError {
	var out []FieldError
	collectLeaves(verr, &out)
	if len(out) == 0 {
		out = append(out, FieldError{Path: rootPath, Message: verr.Message})
	}
	sortFieldErrors(out)
	return out
}

func collectLeaves(verr *validator.ValidationError, out *[]FieldError) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			collectLeaves(cause, out)
		}
		return
	}

	base := pointerToPath(verr.InstanceLocation)
	switch {
	case strings.HasPrefix(verr.Message, "missing properties:"):
		for _, name := range quotedNames(verr.Message) {
			*out = append(*out, FieldError{Path: joinPath(base, name), Message: "is required"})
		}
	case strings.HasPrefix(verr.Message, "additionalProperties"):
		for _, name := range quotedNames(verr.Message) {
			*out = append(*out, FieldError{Path: joinPath(base, name), Message: "is not a recognized argument"})
		}
	default:
		if base == "" {
			base = rootPath
		}
		*out = append(*out, FieldError{Path: base, Message: verr.Message})
	}
}

func quotedNames(msg string) []string {
	matches := quotedName.FindAllStringSubmatch(msg, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.ReplaceAll(m[1], `\'`, `'`))
	}
	return names
}

// pointerToPath renders a JSON pointer such as /tags/1 as tags[1].
func pointerToPath(pointer string) string {
	if pointer == "" || pointer == "/" {
		return ""
	}
	var b strings.Builder
	for _, seg := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}
