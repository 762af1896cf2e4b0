package binder

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jrammler/httprun/internal/entity"
)

var MissingParameterError = errors.New("Required parameter is missing")
var InvalidParameterError = errors.New("Parameter value is invalid")

const MaxValueLength = 10000

const maskedValue = "***"

var placeholderRegex = regexp.MustCompile(`\{\{\s*\.?([a-zA-Z_][a-zA-Z0-9_]*)\s*}}`)
var intRegex = regexp.MustCompile(`^-?\d+$`)

// forbidden caller input: shell metacharacters, line breaks and NUL
const forbiddenChars = ";|&$`<>\\\n\r\x00"

// Placeholders returns the distinct parameter names referenced by template
// in order of first appearance.
func Placeholders(template string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholderRegex.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// CheckValue validates a caller supplied value against the injection rules.
func CheckValue(name, value string) error {
	if len(value) > MaxValueLength {
		return fmt.Errorf("%w: %s exceeds %d characters", InvalidParameterError, name, MaxValueLength)
	}
	if i := strings.IndexAny(value, forbiddenChars); i >= 0 {
		return fmt.Errorf("%w: %s contains forbidden character %q", InvalidParameterError, name, value[i])
	}
	if strings.Contains(value, "../") {
		return fmt.Errorf("%w: %s contains path traversal", InvalidParameterError, name)
	}
	return nil
}

// Normalize type-checks value for spec and returns its canonical form.
func Normalize(spec entity.ParamSpec, value string) (string, error) {
	switch spec.Type {
	case entity.ParamInt:
		if !intRegex.MatchString(value) {
			return "", fmt.Errorf("%w: %s must be an integer", InvalidParameterError, spec.Name)
		}
	case entity.ParamBool:
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return "true", nil
		case "false", "0", "no":
			return "false", nil
		default:
			return "", fmt.Errorf("%w: %s must be a boolean", InvalidParameterError, spec.Name)
		}
	case entity.ParamString, "":
	default:
		return "", fmt.Errorf("%w: %s has unknown type %q", InvalidParameterError, spec.Name, spec.Type)
	}
	return value, nil
}

// Resolve computes the final value of every declared parameter. Caller
// values win when their key is present, even if empty.
func Resolve(specs []entity.ParamSpec, values map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(specs))
	for _, spec := range specs {
		value, ok := values[spec.Name]
		if ok {
			if err := CheckValue(spec.Name, value); err != nil {
				return nil, err
			}
		} else {
			value = spec.DefaultValue
		}
		if value == "" {
			if spec.Required {
				return nil, fmt.Errorf("%w: %s", MissingParameterError, spec.Name)
			}
			resolved[spec.Name] = ""
			continue
		}
		normalized, err := Normalize(spec, value)
		if err != nil {
			return nil, err
		}
		resolved[spec.Name] = normalized
	}
	return resolved, nil
}

func substitute(template string, resolved map[string]string) string {
	return placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		name := placeholderRegex.FindStringSubmatch(match)[1]
		if value, ok := resolved[name]; ok {
			return value
		}
		return match
	})
}

// Render binds values into template. Undeclared placeholders are kept as is.
func Render(template string, specs []entity.ParamSpec, values map[string]string) (string, error) {
	resolved, err := Resolve(specs, values)
	if err != nil {
		return "", err
	}
	return substitute(template, resolved), nil
}

// Mask renders template for logging with sensitive values replaced. It
// never fails; unresolvable parameters stay as placeholders.
func Mask(template string, specs []entity.ParamSpec, values map[string]string) string {
	resolved := map[string]string{}
	for _, spec := range specs {
		value, ok := values[spec.Name]
		if !ok {
			value = spec.DefaultValue
		}
		if spec.Sensitive && value != "" {
			value = maskedValue
		}
		resolved[spec.Name] = value
	}
	return substitute(template, resolved)
}
