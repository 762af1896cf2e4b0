package command

import (
	_ "embed"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jrammler/httprun/internal/entity"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

type rulesFile struct {
	High struct {
		Patterns []string `yaml:"patterns"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"high"`
	Warning struct {
		Commands []string `yaml:"commands"`
	} `yaml:"warning"`
	Messages []struct {
		Commands []string `yaml:"commands"`
		Message  string   `yaml:"message"`
	} `yaml:"messages"`
	Default string `yaml:"default"`
}

// DangerRules classifies shell templates into danger levels.
type DangerRules struct {
	patterns []*regexp.Regexp
	keywords []string
	warning  map[string]bool
	messages map[string]string
	fallback string
}

// LoadDangerRules reads rules from path, or the built-in rules if path is
// empty.
func LoadDangerRules(path string) (*DangerRules, error) {
	if path == "" {
		return ParseDangerRules(defaultRulesYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDangerRules(data)
}

func ParseDangerRules(data []byte) (*DangerRules, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse danger rules: %w", err)
	}
	r := &DangerRules{
		warning:  map[string]bool{},
		messages: map[string]string{},
		fallback: file.Default,
	}
	for _, p := range file.High.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("danger pattern %q: %w", p, err)
		}
		r.patterns = append(r.patterns, re)
	}
	for _, k := range file.High.Keywords {
		r.keywords = append(r.keywords, strings.ToLower(k))
	}
	for _, c := range file.Warning.Commands {
		r.warning[c] = true
	}
	for _, m := range file.Messages {
		for _, c := range m.Commands {
			r.messages[c] = m.Message
		}
	}
	return r, nil
}

// firstWord returns the program name of template, skipping sudo and env
// assignments.
func firstWord(template string) string {
	for _, f := range strings.Fields(template) {
		if f == "sudo" || strings.Contains(f, "=") {
			continue
		}
		return path.Base(f)
	}
	return ""
}

// Assess returns the danger level of template and, for dangerous ones, a
// message describing the risk.
func (r *DangerRules) Assess(template string) (int, string) {
	program := firstWord(template)
	message := r.messages[program]
	if message == "" {
		message = r.fallback
	}
	lower := strings.ToLower(template)
	for _, re := range r.patterns {
		if re.MatchString(template) {
			return entity.DangerHigh, message
		}
	}
	for _, k := range r.keywords {
		if strings.Contains(lower, k) {
			return entity.DangerHigh, message
		}
	}
	if r.warning[program] {
		return entity.DangerWarning, message
	}
	return entity.DangerNone, ""
}
