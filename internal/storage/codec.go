package storage

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/jrammler/httprun/internal/entity"
)

// commandColumns is the JSON-encoded part of a command row. Lists are kept
// as JSON so their order survives a round trip.
type commandColumns struct {
	Params string
	Env    string
	Target string
	Tags   string
}

func encodeCommand(cmd *entity.Command) (commandColumns, error) {
	var cols commandColumns
	params := cmd.Params
	if params == nil {
		params = []entity.ParamSpec{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return cols, err
	}
	cols.Params = string(b)

	env := cmd.Env
	if env == nil {
		env = []entity.EnvVar{}
	}
	if b, err = json.Marshal(env); err != nil {
		return cols, err
	}
	cols.Env = string(b)

	// secrets are persisted in their encrypted form, presence flags are derived
	target := cmd.Target
	if target.SSH != nil {
		ssh := *target.SSH
		ssh.HasPassword = false
		ssh.HasPrivateKey = false
		target.SSH = &ssh
	}
	if b, err = json.Marshal(target); err != nil {
		return cols, err
	}
	cols.Target = string(b)

	tags := cmd.Tags
	if tags == nil {
		tags = []string{}
	}
	if b, err = json.Marshal(tags); err != nil {
		return cols, err
	}
	cols.Tags = string(b)
	return cols, nil
}

func decodeCommand(cmd *entity.Command, cols commandColumns) error {
	if err := json.Unmarshal([]byte(cols.Params), &cmd.Params); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(cols.Env), &cmd.Env); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(cols.Target), &cmd.Target); err != nil {
		return err
	}
	if cols.Tags != "" {
		if err := json.Unmarshal([]byte(cols.Tags), &cmd.Tags); err != nil {
			return err
		}
	}
	return nil
}

func encodeWeekdays(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func decodeWeekdays(s string) []int {
	if s == "" {
		return nil
	}
	var days []int
	for _, part := range strings.Split(s, ",") {
		d, err := strconv.Atoi(strings.TrimSpace(part))
		if err == nil {
			days = append(days, d)
		}
	}
	return days
}

// likePattern escapes s for use in a LIKE ... ESCAPE '\' clause.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + strings.ToLower(r.Replace(s)) + "%"
}

// accessLogFilter renders the WHERE clause of an access log search.
// placeholder returns the bind marker for the n-th (1-based) argument and
// timeArg converts a time bound to the column representation.
func accessLogFilter(q entity.AccessLogQuery, placeholder func(n int) string, timeArg func(time.Time) any) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", placeholder(len(args))))
	}
	if q.TokenID != "" {
		add("token_id = ?", q.TokenID)
	}
	if q.CommandOnly {
		clauses = append(clauses, "command_name <> ''")
	}
	if q.CommandName != "" {
		add("command_name = ?", q.CommandName)
	}
	switch q.Status {
	case entity.StatusSuccess:
		clauses = append(clauses, "status_code < 400")
	case entity.StatusError:
		clauses = append(clauses, "status_code >= 400")
	}
	if q.From != nil {
		add("created_at >= ?", timeArg(*q.From))
	}
	if q.To != nil {
		add("created_at <= ?", timeArg(*q.To))
	}
	if q.Keyword != "" {
		pattern := likePattern(q.Keyword)
		var ors []string
		for _, col := range []string{"path", "command_name", "request", "response"} {
			args = append(args, pattern)
			ors = append(ors, "LOWER("+col+") LIKE "+placeholder(len(args))+` ESCAPE '\'`)
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}
	return strings.Join(clauses, " AND "), args
}
