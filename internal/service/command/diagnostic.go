package command

import (
	"context"

	"github.com/jrammler/httprun/internal/entity"
)

// Diagnostic describes the execution setup of one stored command.
// Warnings are listed with the problems but keep the command healthy.
type Diagnostic struct {
	Name            string            `json:"name"`
	Mode            entity.TargetKind `json:"executionMode"`
	HasRemoteConfig bool              `json:"hasRemoteConfig"`
	Host            string            `json:"host,omitempty"`
	Port            int               `json:"port,omitempty"`
	Username        string            `json:"username,omitempty"`
	HasPassword     bool              `json:"hasPassword"`
	HasPrivateKey   bool              `json:"hasPrivateKey"`
	Problems        []string          `json:"problems"`
	Warnings        []string          `json:"warnings"`
	Healthy         bool              `json:"healthy"`
}

type DiagnosticReport struct {
	TotalCommands  int                       `json:"totalCommands"`
	ModeStatistics map[entity.TargetKind]int `json:"modeStatistics"`
	Issues         []Diagnostic              `json:"issues"`
	Healthy        bool                      `json:"healthy"`
}

func Diagnose(cmd entity.Command) Diagnostic {
	d := Diagnostic{
		Name:     cmd.Name,
		Mode:     cmd.Target.Kind,
		Problems: []string{},
		Warnings: []string{},
	}
	if d.Mode == "" {
		d.Mode = entity.TargetLocal
	}
	if d.Mode == entity.TargetSSH {
		t := cmd.Target.SSH
		if t == nil {
			d.Problems = append(d.Problems, "ssh target has no remote configuration")
		} else {
			d.HasRemoteConfig = true
			d.Host = t.Host
			d.Port = t.Port
			d.Username = t.Username
			d.HasPassword = t.Password != "" || t.HasPassword
			d.HasPrivateKey = t.PrivateKey != "" || t.HasPrivateKey
			switch {
			case t.Host == "":
				d.Problems = append(d.Problems, "ssh host is missing")
			case IsLoopback(t.Host):
				d.Problems = append(d.Problems, "ssh host is a loopback address")
			}
			if t.Username == "" {
				d.Problems = append(d.Problems, "ssh username is missing")
			}
			if !d.HasPassword && !d.HasPrivateKey {
				d.Warnings = append(d.Warnings, "no password or private key stored, default key files will be tried")
			}
		}
	}
	d.Healthy = len(d.Problems) == 0
	return d
}

// Diagnose checks a single command. Secrets are never returned, only
// their presence.
func (s *CommandService) Diagnose(ctx context.Context, name string) (*Diagnostic, error) {
	cmd, err := s.load(ctx, name)
	if err != nil {
		return nil, err
	}
	d := Diagnose(*cmd)
	return &d, nil
}

func (s *CommandService) DiagnoseAll(ctx context.Context) (*DiagnosticReport, error) {
	cmds, err := s.store.ListCommands(ctx)
	if err != nil {
		return nil, err
	}
	report := &DiagnosticReport{
		TotalCommands:  len(cmds),
		ModeStatistics: map[entity.TargetKind]int{},
		Issues:         []Diagnostic{},
		Healthy:        true,
	}
	for _, cmd := range cmds {
		d := Diagnose(cmd)
		report.ModeStatistics[d.Mode]++
		if len(d.Problems) > 0 || len(d.Warnings) > 0 {
			report.Issues = append(report.Issues, d)
		}
		if !d.Healthy {
			report.Healthy = false
		}
	}
	return report, nil
}
