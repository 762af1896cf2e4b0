package command

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/service/binder"
)

var ValidationError = errors.New("Command definition is invalid")

var commandNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)
var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CheckTemplate rejects templates that chain or substitute commands. A
// backslash-newline continuation is the only line break allowed.
func CheckTemplate(template string) error {
	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '\\':
			if i+1 < len(template) && template[i+1] == '\r' && i+2 < len(template) && template[i+2] == '\n' {
				i += 2
				continue
			}
			// escaped character, including a continuation newline
			i++
		case '\n', '\r':
			return fmt.Errorf("%w: template contains a line break", ValidationError)
		case ';':
			return fmt.Errorf("%w: template contains ';'", ValidationError)
		case '&':
			if i+1 < len(template) && template[i+1] == '&' {
				return fmt.Errorf("%w: template contains '&&'", ValidationError)
			}
			return fmt.Errorf("%w: template contains unescaped '&'", ValidationError)
		case '|':
			if i+1 < len(template) && template[i+1] == '|' {
				return fmt.Errorf("%w: template contains '||'", ValidationError)
			}
			return fmt.Errorf("%w: template contains unescaped '|'", ValidationError)
		case '`':
			return fmt.Errorf("%w: template contains command substitution", ValidationError)
		case '$':
			if i+1 < len(template) && template[i+1] == '(' {
				return fmt.Errorf("%w: template contains command substitution", ValidationError)
			}
		}
	}
	return nil
}

// IsLoopback reports whether host names the local machine.
func IsLoopback(host string) bool {
	h := strings.ToLower(strings.Trim(host, "[]"))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// normalize fills defaults that are implied by an empty field.
func normalize(cmd *entity.Command) {
	cmd.Name = strings.TrimSpace(cmd.Name)
	if cmd.Status == "" {
		cmd.Status = entity.CommandActive
	}
	if cmd.Target.Kind == "" {
		cmd.Target.Kind = entity.TargetLocal
	}
	if cmd.Target.Kind == entity.TargetLocal {
		cmd.Target.SSH = nil
	}
	if cmd.Target.SSH != nil {
		cmd.Target.SSH.Host = strings.TrimSpace(cmd.Target.SSH.Host)
		if cmd.Target.SSH.Port == 0 {
			cmd.Target.SSH.Port = 22
		}
	}
	for i := range cmd.Params {
		if cmd.Params[i].Type == "" {
			cmd.Params[i].Type = entity.ParamString
		}
	}
}

// Validate checks a normalized command definition and reports every
// problem at once.
func Validate(cmd *entity.Command) error {
	var errs []string

	if !commandNameRegex.MatchString(cmd.Name) {
		errs = append(errs, fmt.Sprintf("name %q must start with a letter or digit and contain only letters, digits, '_', '.', '-'", cmd.Name))
	}
	if strings.TrimSpace(cmd.Template) == "" {
		errs = append(errs, "shellTemplate is required")
	} else if err := CheckTemplate(cmd.Template); err != nil {
		errs = append(errs, strings.TrimPrefix(err.Error(), ValidationError.Error()+": "))
	}

	declared := map[string]bool{}
	for _, p := range cmd.Params {
		if !identifierRegex.MatchString(p.Name) {
			errs = append(errs, fmt.Sprintf("parameter name %q is malformed", p.Name))
			continue
		}
		if declared[p.Name] {
			errs = append(errs, fmt.Sprintf("parameter %q is declared twice", p.Name))
			continue
		}
		declared[p.Name] = true
		switch p.Type {
		case entity.ParamString, entity.ParamInt, entity.ParamBool:
		default:
			errs = append(errs, fmt.Sprintf("parameter %q has unknown type %q", p.Name, p.Type))
			continue
		}
		if p.DefaultValue != "" {
			if _, err := binder.Normalize(p, p.DefaultValue); err != nil {
				errs = append(errs, fmt.Sprintf("parameter %q: invalid default value for type %s", p.Name, p.Type))
			}
		}
	}
	referenced := map[string]bool{}
	for _, name := range binder.Placeholders(cmd.Template) {
		referenced[name] = true
		if !declared[name] {
			errs = append(errs, fmt.Sprintf("placeholder %q has no parameter", name))
		}
	}
	for _, p := range cmd.Params {
		if declared[p.Name] && !referenced[p.Name] {
			errs = append(errs, fmt.Sprintf("parameter %q is never used in the template", p.Name))
		}
	}

	envNames := map[string]bool{}
	for _, v := range cmd.Env {
		if !identifierRegex.MatchString(v.Name) {
			errs = append(errs, fmt.Sprintf("env name %q is malformed", v.Name))
		} else if envNames[v.Name] {
			errs = append(errs, fmt.Sprintf("env %q is declared twice", v.Name))
		}
		envNames[v.Name] = true
	}

	switch cmd.Target.Kind {
	case entity.TargetLocal:
	case entity.TargetSSH:
		errs = append(errs, validateSSH(cmd.Target.SSH)...)
	default:
		errs = append(errs, fmt.Sprintf("unknown execution target %q", cmd.Target.Kind))
	}

	switch cmd.Status {
	case entity.CommandActive, entity.CommandInactive:
	default:
		errs = append(errs, fmt.Sprintf("unknown status %q", cmd.Status))
	}
	if cmd.DangerLevel < entity.DangerNone || cmd.DangerLevel > entity.DangerHigh {
		errs = append(errs, "dangerLevel must be 0, 1 or 2")
	}
	if cmd.TimeoutSeconds < 0 {
		errs = append(errs, "timeoutSeconds must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ValidationError, strings.Join(errs, "; "))
	}
	return nil
}

func validateSSH(t *entity.SSHTarget) []string {
	if t == nil {
		return []string{"ssh target requires host and username"}
	}
	var errs []string
	if t.Host == "" {
		errs = append(errs, "ssh host is required")
	} else if IsLoopback(t.Host) {
		errs = append(errs, fmt.Sprintf("ssh host %q is a loopback address, use a local target instead", t.Host))
	}
	if t.Username == "" {
		errs = append(errs, "ssh username is required")
	}
	if t.Port < 1 || t.Port > 65535 {
		errs = append(errs, fmt.Sprintf("ssh port %d is out of range", t.Port))
	}
	if t.Password != "" && t.PrivateKey != "" {
		errs = append(errs, "ssh target takes either a password or a private key, not both")
	}
	return errs
}
