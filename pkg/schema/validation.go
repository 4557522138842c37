package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in an action, schedule query or
// config, located by a dotted path such as "steps[1].config.outputFields".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects issues. Warnings never make a result invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Within returns a copy whose issue paths are rooted at prefix, so the
// result of checking one element of a bundle reads "actions[2].steps[0]...".
func (r *ValidationResult) Within(prefix string) *ValidationResult {
	out := &ValidationResult{
		Errors:   make([]ValidationIssue, 0, len(r.Errors)),
		Warnings: make([]ValidationIssue, 0, len(r.Warnings)),
	}
	for _, is := range r.Errors {
		is.Path = joinPath(prefix, is.Path)
		out.Errors = append(out.Errors, is)
	}
	for _, is := range r.Warnings {
		is.Path = joinPath(prefix, is.Path)
		out.Warnings = append(out.Warnings, is)
	}
	return out
}

func joinPath(prefix, path string) string {
	switch {
	case prefix == "":
		return path
	case path == "" || path == "/":
		return prefix
	case strings.HasPrefix(path, "["):
		return prefix + path
	default:
		return prefix + "." + path
	}
}

// ToError returns nil for a valid result, otherwise a CONFIGURATION_ERROR
// naming the first error and carrying every issue in its details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, n-1)
	}

	return NewError(ErrCodeConfiguration, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
