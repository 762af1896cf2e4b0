package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/storage"
)

type failingStore struct {
	storage.AccessLogStore
}

func (f *failingStore) AppendAccessLog(ctx context.Context, log *entity.AccessLog) error {
	return errors.New("disk full")
}

func TestInferSource(t *testing.T) {
	testCases := []struct {
		userAgent string
		expected  entity.Source
	}{
		{"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36", entity.SourceWeb},
		{"curl/8.4.0", entity.SourceCLI},
		{"Wget/1.21", entity.SourceCLI},
		{"HTTPie/3.2.2", entity.SourceCLI},
		{"PostmanRuntime/7.36.0", entity.SourceCLI},
		{"httprun-cli/1.0", entity.SourceCLI},
		{"Go-http-client/1.1", entity.SourceAPI},
		{"", entity.SourceAPI},
	}
	for _, tc := range testCases {
		t.Run(tc.userAgent, func(t *testing.T) {
			if got := InferSource(tc.userAgent); got != tc.expected {
				t.Errorf("Expected %s, got %s", tc.expected, got)
			}
		})
	}
}

func TestMask(t *testing.T) {
	testCases := []struct {
		name      string
		snapshot  string
		sensitive []string
		expected  string
	}{
		{
			name:     "JSON keys",
			snapshot: `{"name":"deploy","password":"hunter2","apiKey":"abc"}`,
			expected: `{"apiKey":"***","name":"deploy","password":"***"}`,
		},
		{
			name:      "Sensitive param",
			snapshot:  `{"name":"login","params":[{"name":"user","value":"bob"},{"name":"pin","value":"1234"}]}`,
			sensitive: []string{"pin"},
			expected:  `{"name":"login","params":[{"name":"user","value":"bob"},{"name":"pin","value":"***"}]}`,
		},
		{
			name:     "Keyword param",
			snapshot: `{"params":[{"name":"db_password","value":"x"}]}`,
			expected: `{"params":[{"name":"db_password","value":"***"}]}`,
		},
		{
			name:     "Plain text",
			snapshot: "login password=hunter2 user=bob",
			expected: "login password=*** user=bob",
		},
		{
			name:     "Nothing to mask",
			snapshot: "hello",
			expected: "hello",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Mask(tc.snapshot, tc.sensitive); got != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("é", 100)

	got := Truncate(long, 51)

	if len(got) > 51 {
		t.Errorf("Expected at most 51 bytes, got %d", len(got))
	}
	if !utf8.ValidString(got) {
		t.Errorf("Expected valid UTF-8, got %q", got)
	}
	if !strings.HasSuffix(got, truncatedSuffix) {
		t.Errorf("Expected truncation marker, got %q", got)
	}
	if Truncate("short", 51) != "short" {
		t.Errorf("Expected short input unchanged")
	}
}

func TestRecordMasksAndStores(t *testing.T) {
	// Arrange
	store := storage.NewMemoryStorage()
	s := NewAuditService(store, config.AuditConfig{PayloadLimit: 1000, RetentionDays: 30})
	ctx := context.Background()

	// Act
	s.Record(ctx, &entity.AccessLog{TokenID: "t1", CommandName: "login", Path: "/api/run",
		Request: `{"params":[{"name":"pin","value":"1234"}]}`, StatusCode: 200}, []string{"pin"})

	// Assert
	logs, total, _ := store.SearchAccessLogs(ctx, entity.AccessLogQuery{})
	if total != 1 {
		t.Fatalf("Expected 1 record, got %d", total)
	}
	if strings.Contains(logs[0].Request, "1234") {
		t.Errorf("Expected sensitive value to be masked, got %s", logs[0].Request)
	}
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	s := NewAuditService(&failingStore{}, config.AuditConfig{})

	s.Record(context.Background(), &entity.AccessLog{Path: "/api/run"}, nil)
}

func seed(t *testing.T) (*AuditService, *storage.MemoryStorage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	s := NewAuditService(store, config.AuditConfig{RetentionDays: 30})
	ctx := context.Background()
	for _, l := range []entity.AccessLog{
		{TokenID: "alice", CommandName: "deploy", StatusCode: 200},
		{TokenID: "alice", Path: "/api/run/commands", StatusCode: 200},
		{TokenID: "bob", CommandName: "deploy", StatusCode: 500},
		{TokenID: "bob", CommandName: "backup", StatusCode: 200, CreatedAt: time.Now().Add(-60 * 24 * time.Hour)},
	} {
		store.AppendAccessLog(ctx, &l)
	}
	return s, store
}

func TestSearchScopesNonAdmins(t *testing.T) {
	s, _ := seed(t)
	ctx := context.Background()
	alice := &entity.AuthContext{TokenID: "alice"}
	admin := &entity.AuthContext{TokenID: "root", IsAdmin: true}

	page, err := s.Search(ctx, alice, entity.AccessLogQuery{TokenID: "bob"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if page.Total != 2 {
		t.Errorf("Expected alice to see her 2 records, got %d", page.Total)
	}
	page, _ = s.Search(ctx, admin, entity.AccessLogQuery{TokenID: "bob", PageSize: 1})
	if page.Total != 2 || page.TotalPages != 2 || !page.HasNext {
		t.Errorf("Expected admin to page through bob's records, got %+v", page)
	}
	history, _ := s.History(ctx, alice, entity.AccessLogQuery{})
	if history.Total != 1 {
		t.Errorf("Expected 1 history entry, got %d", history.Total)
	}
}

func TestDeleteOwnership(t *testing.T) {
	s, store := seed(t)
	ctx := context.Background()
	alice := &entity.AuthContext{TokenID: "alice"}

	if err := s.DeleteOne(ctx, alice, 3); !errors.Is(err, OwnershipError) {
		t.Errorf("Expected OwnershipError, got %v", err)
	}
	if err := s.DeleteOne(ctx, alice, 99); !errors.Is(err, RecordNotFoundError) {
		t.Errorf("Expected RecordNotFoundError, got %v", err)
	}
	if err := s.DeleteOne(ctx, alice, 1); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	n, _ := s.Clear(ctx, alice)
	if n != 1 {
		t.Errorf("Expected 1 record cleared, got %d", n)
	}
	_, total, _ := store.SearchAccessLogs(ctx, entity.AccessLogQuery{})
	if total != 2 {
		t.Errorf("Expected bob's 2 records to remain, got %d", total)
	}
}

func TestCleanup(t *testing.T) {
	s, _ := seed(t)

	n, err := s.Cleanup(context.Background())

	if err != nil || n != 1 {
		t.Errorf("Expected 1 old record removed, got %d (%v)", n, err)
	}
}
