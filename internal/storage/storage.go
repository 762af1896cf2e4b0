package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/entity"
)

var NotFoundError = errors.New("Record not found")
var ConflictError = errors.New("Record already exists")

type CommandStore interface {
	GetCommand(ctx context.Context, name string) (*entity.Command, error)
	ListCommands(ctx context.Context) ([]entity.Command, error)
	// CreateCommand stores cmd and sets its ID and timestamps.
	CreateCommand(ctx context.Context, cmd *entity.Command) error
	UpdateCommand(ctx context.Context, cmd *entity.Command) error
	DeleteCommands(ctx context.Context, names []string) (int, error)
	SetCommandStatus(ctx context.Context, names []string, status entity.CommandStatus) (int, error)
}

type TokenStore interface {
	GetToken(ctx context.Context, id string) (*entity.Token, error)
	ListTokens(ctx context.Context) ([]entity.Token, error)
	CreateToken(ctx context.Context, token *entity.Token) error
	// DeleteTokens removes the given tokens. When no usable admin token is
	// left afterwards, replacement is inserted in the same transaction.
	DeleteTokens(ctx context.Context, ids []string, now time.Time, replacement *entity.Token) (deleted int, reissued bool, err error)
	// RevokeTokens behaves like DeleteTokens but only flags the tokens.
	RevokeTokens(ctx context.Context, ids []string, now time.Time, replacement *entity.Token) (revoked int, reissued bool, err error)
	CountUsableAdmins(ctx context.Context, now time.Time) (int, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

type AccessLogStore interface {
	AppendAccessLog(ctx context.Context, log *entity.AccessLog) error
	GetAccessLog(ctx context.Context, id int64) (*entity.AccessLog, error)
	SearchAccessLogs(ctx context.Context, query entity.AccessLogQuery) ([]entity.AccessLog, int64, error)
	// DeleteAccessLogs removes records by id. A non-empty tokenID restricts
	// deletion to records owned by that token.
	DeleteAccessLogs(ctx context.Context, ids []int64, tokenID string) (int, error)
	// ClearAccessLogs removes all records of tokenID, or every record when
	// tokenID is empty.
	ClearAccessLogs(ctx context.Context, tokenID string) (int, error)
	DeleteAccessLogsBefore(ctx context.Context, before time.Time) (int, error)
}

type HostKeyStore interface {
	GetHostKey(ctx context.Context, host string, port int) (*entity.HostKey, error)
	SaveHostKey(ctx context.Context, key *entity.HostKey) error
}

type Storage interface {
	CommandStore
	TokenStore
	AccessLogStore
	HostKeyStore
	Close() error
}

// Open returns the storage backend selected in cfg.
func Open(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSqliteStorage(cfg.DSN)
	case "postgres":
		return NewPostgresStorage(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
