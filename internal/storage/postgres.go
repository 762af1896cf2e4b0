package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jrammler/httprun/internal/entity"
)

// PostgresStorage implements Storage on a PostgreSQL connection pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresStorage(ctx context.Context, connString string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStorage{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *PostgresStorage) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id              BIGSERIAL PRIMARY KEY,
		name            TEXT NOT NULL UNIQUE,
		description     TEXT NOT NULL DEFAULT '',
		template        TEXT NOT NULL,
		params          JSONB NOT NULL DEFAULT '[]',
		env             JSONB NOT NULL DEFAULT '[]',
		target          JSONB NOT NULL DEFAULT '{}',
		danger_level    INTEGER NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'active',
		timeout_seconds INTEGER NOT NULL DEFAULT 30,
		group_name      TEXT NOT NULL DEFAULT '',
		tags            JSONB NOT NULL DEFAULT '[]',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS tokens (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		subject          TEXT NOT NULL DEFAULT '',
		is_admin         BOOLEAN NOT NULL DEFAULT FALSE,
		issued_at        TIMESTAMPTZ NOT NULL,
		expires_at       TIMESTAMPTZ,
		allowed_start    TEXT NOT NULL DEFAULT '',
		allowed_end      TEXT NOT NULL DEFAULT '',
		allowed_weekdays TEXT NOT NULL DEFAULT '',
		revoked          BOOLEAN NOT NULL DEFAULT FALSE,
		remark           TEXT NOT NULL DEFAULT '',
		secret_hash      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS access_logs (
		id           BIGSERIAL PRIMARY KEY,
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
		duration_ms  BIGINT NOT NULL DEFAULT 0,
		request      TEXT NOT NULL DEFAULT '',
		response     TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_access_logs_token ON access_logs(token_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_access_logs_created ON access_logs(created_at);

	CREATE TABLE IF NOT EXISTS ssh_host_keys (
		host        TEXT NOT NULL,
		port        INTEGER NOT NULL,
		key_type    TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		key         TEXT NOT NULL,
		first_seen  TIMESTAMPTZ NOT NULL,
		last_seen   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (host, port)
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func pgPlaceholder(n int) string {
	return "$" + strconv.Itoa(n)
}

const pgCommandColumns = `id, name, description, template, params::text, env::text, target::text, danger_level,
	status, timeout_seconds, group_name, tags::text, created_at, updated_at`

func scanPgCommand(row pgx.Row) (*entity.Command, error) {
	var cmd entity.Command
	var cols commandColumns
	var status string
	err := row.Scan(&cmd.ID, &cmd.Name, &cmd.Description, &cmd.Template, &cols.Params, &cols.Env, &cols.Target,
		&cmd.DangerLevel, &status, &cmd.TimeoutSeconds, &cmd.Group, &cols.Tags, &cmd.CreatedAt, &cmd.UpdatedAt)
	if err != nil {
		return nil, err
	}
	cmd.Status = entity.CommandStatus(status)
	if err := decodeCommand(&cmd, cols); err != nil {
		return nil, fmt.Errorf("decode command %q: %w", cmd.Name, err)
	}
	return &cmd, nil
}

func (s *PostgresStorage) GetCommand(ctx context.Context, name string) (*entity.Command, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+pgCommandColumns+" FROM commands WHERE name = $1", name)
	cmd, err := scanPgCommand(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFoundError
	}
	return cmd, err
}

func (s *PostgresStorage) ListCommands(ctx context.Context) ([]entity.Command, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+pgCommandColumns+" FROM commands ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []entity.Command
	for rows.Next() {
		cmd, err := scanPgCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, *cmd)
	}
	return commands, rows.Err()
}

func (s *PostgresStorage) CreateCommand(ctx context.Context, cmd *entity.Command) error {
	cols, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO commands (name, description, template, params, env, target, danger_level, status,
			timeout_seconds, group_name, tags)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7, $8, $9, $10, $11::jsonb)
		RETURNING id, created_at, updated_at`,
		cmd.Name, cmd.Description, cmd.Template, cols.Params, cols.Env, cols.Target, cmd.DangerLevel,
		string(cmd.Status), cmd.TimeoutSeconds, cmd.Group, cols.Tags,
	).Scan(&cmd.ID, &cmd.CreatedAt, &cmd.UpdatedAt)
	if isPgUniqueViolation(err) {
		return fmt.Errorf("%w: command %q", ConflictError, cmd.Name)
	}
	return err
}

func (s *PostgresStorage) UpdateCommand(ctx context.Context, cmd *entity.Command) error {
	cols, err := encodeCommand(cmd)
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx, `
		UPDATE commands SET description = $2, template = $3, params = $4::jsonb, env = $5::jsonb,
			target = $6::jsonb, danger_level = $7, status = $8, timeout_seconds = $9, group_name = $10,
			tags = $11::jsonb, updated_at = NOW()
		WHERE name = $1
		RETURNING id, created_at, updated_at`,
		cmd.Name, cmd.Description, cmd.Template, cols.Params, cols.Env, cols.Target, cmd.DangerLevel,
		string(cmd.Status), cmd.TimeoutSeconds, cmd.Group, cols.Tags,
	).Scan(&cmd.ID, &cmd.CreatedAt, &cmd.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFoundError
	}
	return err
}

func (s *PostgresStorage) DeleteCommands(ctx context.Context, names []string) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM commands WHERE name = ANY($1)", names)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStorage) SetCommandStatus(ctx context.Context, names []string, status entity.CommandStatus) (int, error) {
	tag, err := s.pool.Exec(ctx,
		"UPDATE commands SET status = $1, updated_at = NOW() WHERE name = ANY($2)", string(status), names)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const pgTokenColumns = `id, name, subject, is_admin, issued_at, expires_at, allowed_start, allowed_end,
	allowed_weekdays, revoked, remark, secret_hash`

func scanPgToken(row pgx.Row) (*entity.Token, error) {
	var t entity.Token
	var weekdays string
	err := row.Scan(&t.ID, &t.Name, &t.Subject, &t.IsAdmin, &t.IssuedAt, &t.ExpiresAt, &t.AllowedStartTime,
		&t.AllowedEndTime, &weekdays, &t.Revoked, &t.Remark, &t.SecretHash)
	if err != nil {
		return nil, err
	}
	t.AllowedWeekdays = decodeWeekdays(weekdays)
	return &t, nil
}

func (s *PostgresStorage) GetToken(ctx context.Context, id string) (*entity.Token, error) {
	token, err := scanPgToken(s.pool.QueryRow(ctx, "SELECT "+pgTokenColumns+" FROM tokens WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFoundError
	}
	return token, err
}

func (s *PostgresStorage) ListTokens(ctx context.Context) ([]entity.Token, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+pgTokenColumns+" FROM tokens ORDER BY issued_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []entity.Token
	for rows.Next() {
		token, err := scanPgToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *token)
	}
	return tokens, rows.Err()
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertPgToken(ctx context.Context, db pgExecer, t *entity.Token) error {
	_, err := db.Exec(ctx, `
		INSERT INTO tokens (`+pgTokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Name, t.Subject, t.IsAdmin, t.IssuedAt, t.ExpiresAt, t.AllowedStartTime, t.AllowedEndTime,
		encodeWeekdays(t.AllowedWeekdays), t.Revoked, t.Remark, t.SecretHash)
	if isPgUniqueViolation(err) {
		return fmt.Errorf("%w: token %q", ConflictError, t.ID)
	}
	return err
}

func (s *PostgresStorage) CreateToken(ctx context.Context, token *entity.Token) error {
	return insertPgToken(ctx, s.pool, token)
}

const pgUsableAdmins = `SELECT COUNT(*) FROM tokens
	WHERE is_admin AND NOT revoked AND (expires_at IS NULL OR expires_at > $1)`

// removeTokens runs stmt and the admin check in a serializable transaction
// so two concurrent removals cannot both observe a remaining admin.
func (s *PostgresStorage) removeTokens(ctx context.Context, stmt string, ids []string, now time.Time, replacement *entity.Token) (int, bool, error) {
	if len(ids) == 0 {
		return 0, false, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, stmt+" WHERE id = ANY($1)", ids)
	if err != nil {
		return 0, false, err
	}
	n := int(tag.RowsAffected())

	reissued := false
	if n > 0 && replacement != nil {
		var admins int
		if err := tx.QueryRow(ctx, pgUsableAdmins, now).Scan(&admins); err != nil {
			return 0, false, err
		}
		if admins == 0 {
			if err := insertPgToken(ctx, tx, replacement); err != nil {
				return 0, false, err
			}
			reissued = true
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, err
	}
	return n, reissued, nil
}

func (s *PostgresStorage) DeleteTokens(ctx context.Context, ids []string, now time.Time, replacement *entity.Token) (int, bool, error) {
	return s.removeTokens(ctx, "DELETE FROM tokens", ids, now, replacement)
}

func (s *PostgresStorage) RevokeTokens(ctx context.Context, ids []string, now time.Time, replacement *entity.Token) (int, bool, error) {
	return s.removeTokens(ctx, "UPDATE tokens SET revoked = TRUE", ids, now, replacement)
}

func (s *PostgresStorage) CountUsableAdmins(ctx context.Context, now time.Time) (int, error) {
	var admins int
	err := s.pool.QueryRow(ctx, pgUsableAdmins, now).Scan(&admins)
	return admins, err
}

func (s *PostgresStorage) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM tokens WHERE expires_at IS NOT NULL AND expires_at <= $1", now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

const pgAccessLogColumns = `id, request_id, source, command_name, path, method, token_id, token_name, ip,
	user_agent, status_code, duration_ms, request, response, created_at`

func scanPgAccessLog(row pgx.Row) (*entity.AccessLog, error) {
	var l entity.AccessLog
	var source string
	err := row.Scan(&l.ID, &l.RequestID, &source, &l.CommandName, &l.Path, &l.Method, &l.TokenID, &l.TokenName,
		&l.IP, &l.UserAgent, &l.StatusCode, &l.DurationMs, &l.Request, &l.Response, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.Source = entity.Source(source)
	return &l, nil
}

func (s *PostgresStorage) AppendAccessLog(ctx context.Context, l *entity.AccessLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO access_logs (request_id, source, command_name, path, method, token_id, token_name, ip,
			user_agent, status_code, duration_ms, request, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		l.RequestID, string(l.Source), l.CommandName, l.Path, l.Method, l.TokenID, l.TokenName, l.IP,
		l.UserAgent, l.StatusCode, l.DurationMs, l.Request, l.Response, l.CreatedAt,
	).Scan(&l.ID)
}

func (s *PostgresStorage) GetAccessLog(ctx context.Context, id int64) (*entity.AccessLog, error) {
	l, err := scanPgAccessLog(s.pool.QueryRow(ctx,
		"SELECT "+pgAccessLogColumns+" FROM access_logs WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFoundError
	}
	return l, err
}

func (s *PostgresStorage) SearchAccessLogs(ctx context.Context, q entity.AccessLogQuery) ([]entity.AccessLog, int64, error) {
	where, args := accessLogFilter(q, pgPlaceholder, func(t time.Time) any { return t })
	if where != "" {
		where = " WHERE " + where
	}

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM access_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + pgAccessLogColumns + " FROM access_logs" + where + " ORDER BY id DESC"
	if q.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT %s OFFSET %s", pgPlaceholder(len(args)+1), pgPlaceholder(len(args)+2))
		args = append(args, q.PageSize, q.Offset())
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []entity.AccessLog
	for rows.Next() {
		l, err := scanPgAccessLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, *l)
	}
	return logs, total, rows.Err()
}

func (s *PostgresStorage) DeleteAccessLogs(ctx context.Context, ids []int64, tokenID string) (int, error) {
	var tag pgconn.CommandTag
	var err error
	if tokenID == "" {
		tag, err = s.pool.Exec(ctx, "DELETE FROM access_logs WHERE id = ANY($1)", ids)
	} else {
		tag, err = s.pool.Exec(ctx, "DELETE FROM access_logs WHERE id = ANY($1) AND token_id = $2", ids, tokenID)
	}
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStorage) ClearAccessLogs(ctx context.Context, tokenID string) (int, error) {
	var tag pgconn.CommandTag
	var err error
	if tokenID == "" {
		tag, err = s.pool.Exec(ctx, "DELETE FROM access_logs")
	} else {
		tag, err = s.pool.Exec(ctx, "DELETE FROM access_logs WHERE token_id = $1", tokenID)
	}
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStorage) DeleteAccessLogsBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM access_logs WHERE created_at < $1", before)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStorage) GetHostKey(ctx context.Context, host string, port int) (*entity.HostKey, error) {
	var k entity.HostKey
	err := s.pool.QueryRow(ctx, `
		SELECT host, port, key_type, fingerprint, key, first_seen, last_seen
		FROM ssh_host_keys WHERE host = $1 AND port = $2`, host, port).
		Scan(&k.Host, &k.Port, &k.KeyType, &k.Fingerprint, &k.Key, &k.FirstSeen, &k.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NotFoundError
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStorage) SaveHostKey(ctx context.Context, k *entity.HostKey) error {
	if k.FirstSeen.IsZero() {
		k.FirstSeen = time.Now()
	}
	if k.LastSeen.IsZero() {
		k.LastSeen = k.FirstSeen
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ssh_host_keys (host, port, key_type, fingerprint, key, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (host, port) DO UPDATE SET
			key_type = EXCLUDED.key_type,
			fingerprint = EXCLUDED.fingerprint,
			key = EXCLUDED.key,
			last_seen = EXCLUDED.last_seen`,
		k.Host, k.Port, k.KeyType, k.Fingerprint, k.Key, k.FirstSeen, k.LastSeen)
	return err
}
