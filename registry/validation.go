package registry

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError carries field-level diagnostics for a rejected registration.
type ValidationError struct {
	Name        string
	Diagnostics []Diagnostic
}

// Diagnostic describes one validation finding.
type Diagnostic struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Diagnostics) == 0 {
		return fmt.Sprintf("registry: registration %q is invalid", e.Name)
	}
	parts := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		parts = append(parts, d.Field+": "+d.Message)
	}
	return fmt.Sprintf("registry: registration %q is invalid: %s", e.Name, strings.Join(parts, "; "))
}

// ValidateRegistration checks a registration before it is persisted.
func ValidateRegistration(reg ServerRegistration) error {
	var diags []Diagnostic

	if !validServerName(reg.Name) {
		diags = append(diags, Diagnostic{
			Field:   "name",
			Message: "must be lowercase letters, digits, and dashes",
		})
	}
	if reg.Category != "" && !slices.Contains(KnownCategories, reg.Category) {
		diags = append(diags, Diagnostic{
			Field:   "category",
			Message: fmt.Sprintf("unknown category %q", reg.Category),
		})
	}

	diags = append(diags, validateTransport(reg.Transport)...)

	if len(diags) > 0 {
		return &ValidationError{Name: reg.Name, Diagnostics: diags}
	}
	return nil
}

func validateTransport(spec TransportSpec) []Diagnostic {
	var diags []Diagnostic
	switch spec.Kind {
	case TransportStdio:
		if strings.TrimSpace(spec.Command) == "" {
			diags = append(diags, Diagnostic{
				Field:   "transport.command",
				Message: "stdio transport requires a command",
			})
		}
	case TransportSSE:
		endpoint := strings.TrimSpace(spec.Endpoint)
		if endpoint == "" {
			diags = append(diags, Diagnostic{
				Field:   "transport.endpoint",
				Message: "sse transport requires an endpoint",
			})
		} else if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			diags = append(diags, Diagnostic{
				Field:   "transport.endpoint",
				Message: "endpoint must be http(s)",
			})
		}
	default:
		diags = append(diags, Diagnostic{
			Field:   "transport.kind",
			Message: fmt.Sprintf("unknown transport kind %q", spec.Kind),
		})
	}
	return diags
}

func validServerName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return name[0] != '-' && name[len(name)-1] != '-'
}
