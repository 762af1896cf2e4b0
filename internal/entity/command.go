package entity

import "time"

type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamBool   ParamType = "bool"
)

type CommandStatus string

const (
	CommandActive   CommandStatus = "active"
	CommandInactive CommandStatus = "inactive"
)

type TargetKind string

const (
	TargetLocal TargetKind = "local"
	TargetSSH   TargetKind = "ssh"
)

const (
	DangerNone    = 0
	DangerWarning = 1
	DangerHigh    = 2
)

type ParamSpec struct {
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	Type         ParamType `json:"type" yaml:"type"`
	Required     bool      `json:"required" yaml:"required"`
	DefaultValue string    `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	Sensitive    bool      `json:"sensitive,omitempty" yaml:"sensitive,omitempty"`
}

type EnvVar struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// SSHTarget holds the connection data of a remote host. Password and
// PrivateKey are stored encrypted and never returned by read APIs.
type SSHTarget struct {
	Host          string `json:"host" yaml:"host"`
	Port          int    `json:"port,omitempty" yaml:"port,omitempty"`
	Username      string `json:"username" yaml:"username"`
	Password      string `json:"password,omitempty" yaml:"password,omitempty"`
	PrivateKey    string `json:"privateKey,omitempty" yaml:"privateKey,omitempty"`
	HasPassword   bool   `json:"hasPassword,omitempty" yaml:"-"`
	HasPrivateKey bool   `json:"hasPrivateKey,omitempty" yaml:"-"`
}

type ExecutionTarget struct {
	Kind TargetKind `json:"kind" yaml:"kind"`
	SSH  *SSHTarget `json:"ssh,omitempty" yaml:"ssh,omitempty"`
}

func (t ExecutionTarget) IsSSH() bool {
	return t.Kind == TargetSSH
}

type Command struct {
	ID             int64           `json:"id"`
	Name           string          `json:"name" yaml:"name"`
	Description    string          `json:"description" yaml:"description"`
	Template       string          `json:"shellTemplate" yaml:"shellTemplate"`
	Params         []ParamSpec     `json:"parameters" yaml:"parameters"`
	Env            []EnvVar        `json:"envVars" yaml:"envVars"`
	Target         ExecutionTarget `json:"executionTarget" yaml:"executionTarget"`
	DangerLevel    int             `json:"dangerLevel" yaml:"dangerLevel"`
	DangerWarning  string          `json:"dangerWarning,omitempty" yaml:"-"`
	Status         CommandStatus   `json:"status" yaml:"status"`
	TimeoutSeconds int             `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	Group          string          `json:"group,omitempty" yaml:"group,omitempty"`
	Tags           []string        `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt      time.Time       `json:"createdAt" yaml:"-"`
	UpdatedAt      time.Time       `json:"updatedAt" yaml:"-"`
}

// Redacted returns a copy safe to hand to API callers: secrets are replaced
// by presence flags.
func (c Command) Redacted() Command {
	if c.Target.SSH != nil {
		ssh := *c.Target.SSH
		ssh.HasPassword = ssh.Password != ""
		ssh.HasPrivateKey = ssh.PrivateKey != ""
		ssh.Password = ""
		ssh.PrivateKey = ""
		c.Target.SSH = &ssh
	}
	return c
}

func (c Command) IsActive() bool {
	return c.Status == "" || c.Status == CommandActive
}

func (c Command) Param(name string) (ParamSpec, bool) {
	for _, p := range c.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}
