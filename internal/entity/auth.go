package entity

import "time"

type Token struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Subject          string     `json:"subject"`
	IsAdmin          bool       `json:"isAdmin"`
	IssuedAt         time.Time  `json:"issuedAt"`
	ExpiresAt        *time.Time `json:"expiresAt"`
	AllowedStartTime string     `json:"allowedStartTime,omitempty"`
	AllowedEndTime   string     `json:"allowedEndTime,omitempty"`
	AllowedWeekdays  []int      `json:"allowedWeekdays,omitempty"`
	Revoked          bool       `json:"revoked"`
	Remark           string     `json:"remark,omitempty"`
	SecretHash       string     `json:"-"`
}

func (t Token) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// IsUsableAdmin reports whether t can currently authenticate as an admin,
// ignoring time windows.
func (t Token) IsUsableAdmin(now time.Time) bool {
	return t.IsAdmin && !t.Revoked && !t.IsExpired(now)
}

// IssuedToken is a freshly created token together with the bearer value,
// which is only available at issuance.
type IssuedToken struct {
	Token
	Value string `json:"token"`
}

// AuthContext is the result of a successful authentication.
type AuthContext struct {
	TokenID         string
	TokenName       string
	IsAdmin         bool
	AllowedCommands []string
	Token           Token
	Value           string
}

func (a *AuthContext) AllowsAll() bool {
	if a.IsAdmin || len(a.AllowedCommands) == 0 {
		return true
	}
	for _, c := range a.AllowedCommands {
		if c == "*" {
			return true
		}
	}
	return false
}
