package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jrammler/httprun/internal/entity"

	_ "modernc.org/sqlite"
)

// SqliteStorage persists everything in a single SQLite file. Times are
// stored as unix milliseconds.
type SqliteStorage struct {
	db *sql.DB
}

func NewSqliteStorage(dbPath string) (*SqliteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SqliteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		name            TEXT NOT NULL UNIQUE,
		description     TEXT NOT NULL DEFAULT '',
		template        TEXT NOT NULL,
		params          TEXT NOT NULL DEFAULT '[]',
		env             TEXT NOT NULL DEFAULT '[]',
		target          TEXT NOT NULL DEFAULT '{}',
		danger_level    INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'active',
		timeout_seconds INTEGER NOT NULL DEFAULT 30,
		group_name      TEXT NOT NULL DEFAULT '',
		tags            TEXT NOT NULL DEFAULT '[]',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tokens (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		subject          TEXT NOT NULL DEFAULT '',
		is_admin         INTEGER NOT NULL DEFAULT 0,
		issued_at        INTEGER NOT NULL,
		expires_at       INTEGER,
		allowed_start    TEXT NOT NULL DEFAULT '',
		allowed_end      TEXT NOT NULL DEFAULT '',
		allowed_weekdays TEXT NOT NULL DEFAULT '',
		revoked          INTEGER NOT NULL DEFAULT 0,
		remark           TEXT NOT NULL DEFAULT '',
		secret_hash      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS access_logs (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id   TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL DEFAULT '',
		command_name TEXT NOT NULL DEFAULT '',
		path         TEXT NOT NULL DEFAULT '',
		method       TEXT NOT NULL DEFAULT '',
		token_id     TEXT NOT NULL DEFAULT '',
		token_name   TEXT NOT NULL DEFAULT '',
		ip           TEXT NOT NULL DEFAULT '',
		user_agent   TEXT NOT NULL DEFAULT '',
		status_code  INTEGER NOT NULL DEFAULT 0,
		duration_ms  INTEGER NOT NULL DEFAULT 0,
		request      TEXT NOT NULL DEFAULT '',
		response     TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_logs_token ON access_logs(token_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_access_logs_created ON access_logs(created_at);

	CREATE TABLE IF NOT EXISTS ssh_host_keys (
		host        TEXT NOT NULL,
		port        INTEGER NOT NULL,
		key_type    TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		key         TEXT NOT NULL,
		first_seen  INTEGER NOT NULL,
		last_seen   INTEGER NOT NULL,
		PRIMARY KEY (host, port)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SqliteStorage) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func sqlitePlaceholder(int) string {
	return "?"
}

func inClause(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
}

const sqliteCommandColumns = `id, name, description, template, params, env, target, danger_level, status,
	timeout_seconds, group_name, tags, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSqliteCommand(row rowScanner) (*entity.Command, error) {
	var cmd entity.Command
	var cols commandColumns
	var status string
	var created, updated int64
	err := row.Scan(&cmd.ID, &cmd.Name, &cmd.Description, &cmd.Template, &cols.Params, &cols.Env,
		&cols.Target, &cmd.DangerLevel, &status, &cmd.TimeoutSeconds, &cmd.Group, &cols.Tags, &created, &updated)
	if err != nil {
		return nil, err
	}
	cmd.Status = entity.CommandStatus(status)
	cmd.CreatedAt = fromMillis(created)
	cmd.UpdatedAt = fromMillis(updated)
	if err := decodeCommand(&cmd, cols); err != nil {
		return nil, fmt.Errorf("decode command %q: %w", cmd.Name, err)
	}
	return &cmd, nil
}

func (s *SqliteStorage) GetCommand(ctx context.Context, name string) (*entity.Command, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteCommandColumns+" FROM commands WHERE name = ?", name)
	cmd, err := scanSqliteCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError
	}
	return cmd, err
}

func (s *SqliteStorage) ListCommands(ctx context.Context) ([]entity.Command, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sqliteCommandColumns+" FROM commands ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []entity.Command
	for rows.Next() {
		cmd, err := scanSqliteCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *cmd)
	}
	return commands, rows.Err()
}

func (s *SqliteStorage) CreateCommand(ctx context.Context, cmd *entity.Command) error {
	cols, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (name, description, template, params, env, target, danger_level, status,
			timeout_seconds, group_name, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.Name, cmd.Description, cmd.Template, cols.Params, cols.Env, cols.Target, cmd.DangerLevel,
		string(cmd.Status), cmd.TimeoutSeconds, cmd.Group, cols.Tags, toMillis(now), toMillis(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: command %q", ConflictError, cmd.Name)
	}
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	cmd.ID = id
	cmd.CreatedAt = fromMillis(toMillis(now))
	cmd.UpdatedAt = cmd.CreatedAt
	return nil
}

func (s *SqliteStorage) UpdateCommand(ctx context.Context, cmd *entity.Command) error {
	cols, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET description = ?, template = ?, params = ?, env = ?, target = ?, danger_level = ?,
			status = ?, timeout_seconds = ?, group_name = ?, tags = ?, updated_at = ?
		WHERE name = ?`,
		cmd.Description, cmd.Template, cols.Params, cols.Env, cols.Target, cmd.DangerLevel,
		string(cmd.Status), cmd.TimeoutSeconds, cmd.Group, cols.Tags, toMillis(now), cmd.Name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return NotFoundError
	}
	cmd.UpdatedAt = fromMillis(toMillis(now))
	return nil
}

func namesArgs(names []string) []any {
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	return args
}

func (s *SqliteStorage) DeleteCommands(ctx context.Context, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM commands WHERE name IN "+inClause(len(names)), namesArgs(names)...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SqliteStorage) SetCommandStatus(ctx context.Context, names []string, status entity.CommandStatus) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}
	args := append([]any{string(status), toMillis(time.Now())}, namesArgs(names)...)
	res, err := s.db.ExecContext(ctx,
		"UPDATE commands SET status = ?, updated_at = ? WHERE name IN "+inClause(len(names)), args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const sqliteTokenColumns = `id, name, subject, is_admin, issued_at, expires_at, allowed_start, allowed_end,
	allowed_weekdays, revoked, remark, secret_hash`

func scanSqliteToken(row rowScanner) (*entity.Token, error) {
	var t entity.Token
	var issued int64
	var expires sql.NullInt64
	var weekdays string
	err := row.Scan(&t.ID, &t.Name, &t.Subject, &t.IsAdmin, &issued, &expires, &t.AllowedStartTime,
		&t.AllowedEndTime, &weekdays, &t.Revoked, &t.Remark, &t.SecretHash)
	if err != nil {
		return nil, err
	}
	t.IssuedAt = fromMillis(issued)
	if expires.Valid {
		exp := fromMillis(expires.Int64)
		t.ExpiresAt = &exp
	}
	t.AllowedWeekdays = decodeWeekdays(weekdays)
	return &t, nil
}

func (s *SqliteStorage) GetToken(ctx context.Context, id string) (*entity.Token, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteTokenColumns+" FROM tokens WHERE id = ?", id)
	token, err := scanSqliteToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError
	}
	return token, err
}

func (s *SqliteStorage) ListTokens(ctx context.Context) ([]entity.Token, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+sqliteTokenColumns+" FROM tokens ORDER BY issued_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []entity.Token
	for rows.Next() {
		token, err := scanSqliteToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *token)
	}
	return tokens, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertSqliteToken(ctx context.Context, db execer, t *entity.Token) error {
	var expires sql.NullInt64
	if t.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: toMillis(*t.ExpiresAt), Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO tokens (`+sqliteTokenColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Subject, t.IsAdmin, toMillis(t.IssuedAt), expires, t.AllowedStartTime, t.AllowedEndTime,
		encodeWeekdays(t.AllowedWeekdays), t.Revoked, t.Remark, t.SecretHash)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: token %q", ConflictError, t.ID)
	}
	return err
}

func (s *SqliteStorage) CreateToken(ctx context.Context, token *entity.Token) error {
	return insertSqliteToken(ctx, s.db, token)
}

const sqliteUsableAdmins = `SELECT COUNT(*) FROM tokens
	WHERE is_admin = 1 AND revoked = 0 AND (expires_at IS NULL OR expires_at > ?)`

func (s *SqliteStorage) removeTokens(ctx context.Context, stmt string, ids []string, now time.Time, replacement *entity.Token) (int, bool, error) {
	if len(ids) == 0 {
		return 0, false, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, stmt+" WHERE id IN "+inClause(len(ids)), namesArgs(ids)...)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}

	reissued := false
	if n > 0 && replacement != nil {
		var admins int
		if err := tx.QueryRowContext(ctx, sqliteUsableAdmins, toMillis(now)).Scan(&admins); err != nil {
			return 0, false, err
		}
		if admins == 0 {
			if err := insertSqliteToken(ctx, tx, replacement); err != nil {
				return 0, false, err
			}
			reissued = true
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return int(n), reissued, nil
}

func (s *SqliteStorage) DeleteTokens(ctx context.Context, ids []string, now time.Time, replacement *entity.Token) (int, bool, error) {
	return s.removeTokens(ctx, "DELETE FROM tokens", ids, now, replacement)
}

func (s *SqliteStorage) RevokeTokens(ctx context.Context, ids []string, now time.Time, replacement *entity.Token) (int, bool, error) {
	return s.removeTokens(ctx, "UPDATE tokens SET revoked = 1", ids, now, replacement)
}

func (s *SqliteStorage) CountUsableAdmins(ctx context.Context, now time.Time) (int, error) {
	var admins int
	err := s.db.QueryRowContext(ctx, sqliteUsableAdmins, toMillis(now)).Scan(&admins)
	return admins, err
}

func (s *SqliteStorage) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE expires_at IS NOT NULL AND expires_at <= ?", toMillis(now))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const sqliteAccessLogColumns = `id, request_id, source, command_name, path, method, token_id, token_name, ip,
	user_agent, status_code, duration_ms, request, response, created_at`

func scanSqliteAccessLog(row rowScanner) (*entity.AccessLog, error) {
	var l entity.AccessLog
	var source string
	var created int64
	err := row.Scan(&l.ID, &l.RequestID, &source, &l.CommandName, &l.Path, &l.Method, &l.TokenID, &l.TokenName,
		&l.IP, &l.UserAgent, &l.StatusCode, &l.DurationMs, &l.Request, &l.Response, &created)
	if err != nil {
		return nil, err
	}
	l.Source = entity.Source(source)
	l.CreatedAt = fromMillis(created)
	return &l, nil
}

func (s *SqliteStorage) AppendAccessLog(ctx context.Context, l *entity.AccessLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO access_logs (request_id, source, command_name, path, method, token_id, token_name, ip,
			user_agent, status_code, duration_ms, request, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, string(l.Source), l.CommandName, l.Path, l.Method, l.TokenID, l.TokenName, l.IP,
		l.UserAgent, l.StatusCode, l.DurationMs, l.Request, l.Response, toMillis(l.CreatedAt))
	if err != nil {
		return err
	}
	l.ID, err = res.LastInsertId()
	return err
}

func (s *SqliteStorage) GetAccessLog(ctx context.Context, id int64) (*entity.AccessLog, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+sqliteAccessLogColumns+" FROM access_logs WHERE id = ?", id)
	l, err := scanSqliteAccessLog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError
	}
	return l, err
}

func (s *SqliteStorage) SearchAccessLogs(ctx context.Context, q entity.AccessLogQuery) ([]entity.AccessLog, int64, error) {
	where, args := accessLogFilter(q, sqlitePlaceholder, func(t time.Time) any { return toMillis(t) })
	if where != "" {
		where = " WHERE " + where
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM access_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + sqliteAccessLogColumns + " FROM access_logs" + where + " ORDER BY id DESC"
	if q.PageSize > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.PageSize, q.Offset())
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []entity.AccessLog
	for rows.Next() {
		l, err := scanSqliteAccessLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, *l)
	}
	return logs, total, rows.Err()
}

func (s *SqliteStorage) DeleteAccessLogs(ctx context.Context, ids []int64, tokenID string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	query := "DELETE FROM access_logs WHERE id IN " + inClause(len(ids))
	if tokenID != "" {
		query += " AND token_id = ?"
		args = append(args, tokenID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SqliteStorage) ClearAccessLogs(ctx context.Context, tokenID string) (int, error) {
	var res sql.Result
	var err error
	if tokenID == "" {
		res, err = s.db.ExecContext(ctx, "DELETE FROM access_logs")
	} else {
		res, err = s.db.ExecContext(ctx, "DELETE FROM access_logs WHERE token_id = ?", tokenID)
	}
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SqliteStorage) DeleteAccessLogsBefore(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM access_logs WHERE created_at < ?", toMillis(before))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SqliteStorage) GetHostKey(ctx context.Context, host string, port int) (*entity.HostKey, error) {
	var k entity.HostKey
	var first, last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT host, port, key_type, fingerprint, key, first_seen, last_seen
		FROM ssh_host_keys WHERE host = ? AND port = ?`, host, port).
		Scan(&k.Host, &k.Port, &k.KeyType, &k.Fingerprint, &k.Key, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundError
	}
	if err != nil {
		return nil, err
	}
	k.FirstSeen = fromMillis(first)
	k.LastSeen = fromMillis(last)
	return &k, nil
}

func (s *SqliteStorage) SaveHostKey(ctx context.Context, k *entity.HostKey) error {
	if k.FirstSeen.IsZero() {
		k.FirstSeen = time.Now()
	}
	if k.LastSeen.IsZero() {
		k.LastSeen = k.FirstSeen
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ssh_host_keys (host, port, key_type, fingerprint, key, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (host, port) DO UPDATE SET
			key_type = excluded.key_type,
			fingerprint = excluded.fingerprint,
			key = excluded.key,
			last_seen = excluded.last_seen`,
		k.Host, k.Port, k.KeyType, k.Fingerprint, k.Key, toMillis(k.FirstSeen), toMillis(k.LastSeen))
	return err
}
