package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jrammler/httprun/internal/entity"
)

// MemoryStorage keeps everything in process memory. Each collection has its
// own lock so readers of one never wait on writers of another.
type MemoryStorage struct {
	commandsMu sync.RWMutex
	commands   map[string]*entity.Command
	commandSeq int64

	tokensMu sync.RWMutex
	tokens   map[string]*entity.Token

	logsMu sync.RWMutex
	logs   []entity.AccessLog
	logSeq int64

	hostKeysMu sync.RWMutex
	hostKeys   map[string]entity.HostKey
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		commands: make(map[string]*entity.Command),
		tokens:   make(map[string]*entity.Token),
		hostKeys: make(map[string]entity.HostKey),
	}
}

func (s *MemoryStorage) Close() error {
	return nil
}

func cloneCommand(c *entity.Command) *entity.Command {
	cp := *c
	cp.Params = slices.Clone(c.Params)
	cp.Env = slices.Clone(c.Env)
	cp.Tags = slices.Clone(c.Tags)
	if c.Target.SSH != nil {
		ssh := *c.Target.SSH
		cp.Target.SSH = &ssh
	}
	return &cp
}

func (s *MemoryStorage) GetCommand(ctx context.Context, name string) (*entity.Command, error) {
	s.commandsMu.RLock()
	defer s.commandsMu.RUnlock()
	cmd, ok := s.commands[name]
	if !ok {
		return nil, NotFoundError
	}
	return cloneCommand(cmd), nil
}

func (s *MemoryStorage) ListCommands(ctx context.Context) ([]entity.Command, error) {
	s.commandsMu.RLock()
	defer s.commandsMu.RUnlock()
	commands := make([]entity.Command, 0, len(s.commands))
	for _, cmd := range s.commands {
		commands = append(commands, *cloneCommand(cmd))
	}
	sort.Slice(commands, func(i, j int) bool { return commands[i].Name < commands[j].Name })
	return commands, nil
}

func (s *MemoryStorage) CreateCommand(ctx context.Context, cmd *entity.Command) error {
	s.commandsMu.Lock()
	defer s.commandsMu.Unlock()
	if _, ok := s.commands[cmd.Name]; ok {
		return fmt.Errorf("%w: command %q", ConflictError, cmd.Name)
	}
	s.commandSeq++
	now := time.Now()
	cmd.ID = s.commandSeq
	cmd.CreatedAt = now
	cmd.UpdatedAt = now
	s.commands[cmd.Name] = cloneCommand(cmd)
	return nil
}

func (s *MemoryStorage) UpdateCommand(ctx context.Context, cmd *entity.Command) error {
	s.commandsMu.Lock()
	defer s.commandsMu.Unlock()
	existing, ok := s.commands[cmd.Name]
	if !ok {
		return NotFoundError
	}
	cmd.ID = existing.ID
	cmd.CreatedAt = existing.CreatedAt
	cmd.UpdatedAt = time.Now()
	s.commands[cmd.Name] = cloneCommand(cmd)
	return nil
}

func (s *MemoryStorage) DeleteCommands(ctx context.Context, names []string) (int, error) {
	s.commandsMu.Lock()
	defer s.commandsMu.Unlock()
	count := 0
	for _, name := range names {
		if _, ok := s.commands[name]; ok {
			delete(s.commands, name)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) SetCommandStatus(ctx context.Context, names []string, status entity.CommandStatus) (int, error) {
	s.commandsMu.Lock()
	defer s.commandsMu.Unlock()
	count := 0
	for _, name := range names {
		if cmd, ok := s.commands[name]; ok {
			cmd.Status = status
			cmd.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

func cloneToken(t *entity.Token) *entity.Token {
	cp := *t
	cp.AllowedWeekdays = slices.Clone(t.AllowedWeekdays)
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		cp.ExpiresAt = &exp
	}
	return &cp
}

func (s *MemoryStorage) GetToken(ctx context.Context, id string) (*entity.Token, error) {
	s.tokensMu.RLock()
	defer s.tokensMu.RUnlock()
	token, ok := s.tokens[id]
	if !ok {
		return nil, NotFoundError
	}
	return cloneToken(token), nil
}

func (s *MemoryStorage) ListTokens(ctx context.Context) ([]entity.Token, error) {
	s.tokensMu.RLock()
	defer s.tokensMu.RUnlock()
	tokens := make([]entity.Token, 0, len(s.tokens))
	for _, token := range s.tokens {
		tokens = append(tokens, *cloneToken(token))
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].IssuedAt.Before(tokens[j].IssuedAt) })
	return tokens, nil
}

func (s *MemoryStorage) CreateToken(ctx context.Context, token *entity.Token) error {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	if _, ok := s.tokens[token.ID]; ok {
		return fmt.Errorf("%w: token %q", ConflictError, token.ID)
	}
	s.tokens[token.ID] = cloneToken(token)
	return nil
}

func (s *MemoryStorage) usableAdminsLocked(now time.Time) int {
	count := 0
	for _, token := range s.tokens {
		if token.IsUsableAdmin(now) {
			count++
		}
	}
	return count
}

// removeTokens applies remove to every existing token in ids and inserts
// replacement if that left no usable admin. The token lock is held for the
// whole operation.
func (s *MemoryStorage) removeTokens(ids []string, now time.Time, replacement *entity.Token, remove func(id string)) (int, bool) {
	count := 0
	for _, id := range ids {
		if _, ok := s.tokens[id]; ok {
			remove(id)
			count++
		}
	}
	if count == 0 || replacement == nil || s.usableAdminsLocked(now) > 0 {
		return count, false
	}
	s.tokens[replacement.ID] = cloneToken(replacement)
	return count, true
}

func (s *MemoryStorage) DeleteTokens(ctx context.Context, ids []string, now time.Time, replacement *entity.Token) (int, bool, error) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	count, reissued := s.removeTokens(ids, now, replacement, func(id string) {
		delete(s.tokens, id)
	})
	return count, reissued, nil
}

func (s *MemoryStorage) RevokeTokens(ctx context.Context, ids []string, now time.Time, replacement *entity.Token) (int, bool, error) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	count, reissued := s.removeTokens(ids, now, replacement, func(id string) {
		s.tokens[id].Revoked = true
	})
	return count, reissued, nil
}

func (s *MemoryStorage) CountUsableAdmins(ctx context.Context, now time.Time) (int, error) {
	s.tokensMu.RLock()
	defer s.tokensMu.RUnlock()
	return s.usableAdminsLocked(now), nil
}

func (s *MemoryStorage) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.tokensMu.Lock()
	defer s.tokensMu.Unlock()
	count := 0
	for id, token := range s.tokens {
		if token.IsExpired(now) {
			delete(s.tokens, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) AppendAccessLog(ctx context.Context, log *entity.AccessLog) error {
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	s.logSeq++
	log.ID = s.logSeq
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	s.logs = append(s.logs, *log)
	return nil
}

func (s *MemoryStorage) GetAccessLog(ctx context.Context, id int64) (*entity.AccessLog, error) {
	s.logsMu.RLock()
	defer s.logsMu.RUnlock()
	for _, log := range s.logs {
		if log.ID == id {
			return &log, nil
		}
	}
	return nil, NotFoundError
}

func matchesAccessLog(q entity.AccessLogQuery, log entity.AccessLog) bool {
	if q.TokenID != "" && log.TokenID != q.TokenID {
		return false
	}
	if q.CommandOnly && log.CommandName == "" {
		return false
	}
	if q.CommandName != "" && log.CommandName != q.CommandName {
		return false
	}
	switch q.Status {
	case entity.StatusSuccess:
		if log.StatusCode >= 400 {
			return false
		}
	case entity.StatusError:
		if log.StatusCode < 400 {
			return false
		}
	}
	if q.From != nil && log.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && log.CreatedAt.After(*q.To) {
		return false
	}
	if q.Keyword != "" {
		kw := strings.ToLower(q.Keyword)
		found := false
		for _, field := range []string{log.Path, log.CommandName, log.Request, log.Response} {
			if strings.Contains(strings.ToLower(field), kw) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *MemoryStorage) SearchAccessLogs(ctx context.Context, q entity.AccessLogQuery) ([]entity.AccessLog, int64, error) {
	s.logsMu.RLock()
	defer s.logsMu.RUnlock()
	var matched []entity.AccessLog
	// newest first
	for i := len(s.logs) - 1; i >= 0; i-- {
		if matchesAccessLog(q, s.logs[i]) {
			matched = append(matched, s.logs[i])
		}
	}
	total := int64(len(matched))
	offset := q.Offset()
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := len(matched)
	if q.PageSize > 0 && offset+q.PageSize < end {
		end = offset + q.PageSize
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStorage) deleteLogsLocked(keep func(entity.AccessLog) bool) int {
	kept := s.logs[:0]
	for _, log := range s.logs {
		if keep(log) {
			kept = append(kept, log)
		}
	}
	removed := len(s.logs) - len(kept)
	s.logs = kept
	return removed
}

func (s *MemoryStorage) DeleteAccessLogs(ctx context.Context, ids []int64, tokenID string) (int, error) {
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	return s.deleteLogsLocked(func(log entity.AccessLog) bool {
		if !slices.Contains(ids, log.ID) {
			return true
		}
		return tokenID != "" && log.TokenID != tokenID
	}), nil
}

func (s *MemoryStorage) ClearAccessLogs(ctx context.Context, tokenID string) (int, error) {
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	return s.deleteLogsLocked(func(log entity.AccessLog) bool {
		return tokenID != "" && log.TokenID != tokenID
	}), nil
}

func (s *MemoryStorage) DeleteAccessLogsBefore(ctx context.Context, before time.Time) (int, error) {
	s.logsMu.Lock()
	defer s.logsMu.Unlock()
	return s.deleteLogsLocked(func(log entity.AccessLog) bool {
		return !log.CreatedAt.Before(before)
	}), nil
}

func hostKeyID(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

func (s *MemoryStorage) GetHostKey(ctx context.Context, host string, port int) (*entity.HostKey, error) {
	s.hostKeysMu.RLock()
	defer s.hostKeysMu.RUnlock()
	key, ok := s.hostKeys[hostKeyID(host, port)]
	if !ok {
		return nil, NotFoundError
	}
	return &key, nil
}

func (s *MemoryStorage) SaveHostKey(ctx context.Context, key *entity.HostKey) error {
	s.hostKeysMu.Lock()
	defer s.hostKeysMu.Unlock()
	id := hostKeyID(key.Host, key.Port)
	if existing, ok := s.hostKeys[id]; ok && key.FirstSeen.IsZero() {
		key.FirstSeen = existing.FirstSeen
	}
	s.hostKeys[id] = *key
	return nil
}
