package executor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/entity"
)

// testServer is an in-process SSH server on loopback that accepts any
// user and answers every global request.
type testServer struct {
	addr    string
	mu      sync.Mutex
	dials   int
	servers []net.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	srv := &testServer{addr: ln.Addr().String()}
	t.Cleanup(func() {
		ln.Close()
		srv.breakAll()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			srv.mu.Lock()
			srv.servers = append(srv.servers, conn)
			srv.mu.Unlock()
			go serveConn(conn, cfg)
		}
	}()
	return srv
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()
	for ch := range chans {
		ch.Reject(ssh.Prohibited, "sessions are not served")
	}
}

func (s *testServer) dial(ctx context.Context, target *entity.SSHTarget) (*ssh.Client, error) {
	c, err := ssh.Dial("tcp", s.addr, &ssh.ClientConfig{
		User:            target.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()
	return c, nil
}

func (s *testServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// breakAll drops the server side of every connection.
func (s *testServer) breakAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.servers {
		c.Close()
	}
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func newTestPool(t *testing.T, cfg config.SSHPoolConfig) (*Pool, *testServer, *testClock) {
	t.Helper()
	d := newTestServer(t)
	clock := &testClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	p := newPool(cfg, d.dial)
	p.now = clock.Now
	t.Cleanup(p.Close)
	return p, d, clock
}

func sshTarget(password string) *entity.SSHTarget {
	return &entity.SSHTarget{Host: "build.example.com", Port: 22, Username: "ci", Password: password}
}

func TestPoolReusesClientPerCredentials(t *testing.T) {
	// Arrange
	p, d, _ := newTestPool(t, config.SSHPoolConfig{})
	ctx := context.Background()

	// Act
	first, err := p.acquire(ctx, sshTarget("a"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	second, err := p.acquire(ctx, sshTarget("a"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	other, err := p.acquire(ctx, sshTarget("b"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// Assert
	if first != second {
		t.Errorf("Expected the same client for equal credentials")
	}
	if first == other {
		t.Errorf("Expected a separate client for changed credentials")
	}
	if d.count() != 2 {
		t.Errorf("Expected 2 dials, got %d", d.count())
	}
	status := p.Status()
	if status.Total != 2 || status.Active != 2 || status.Idle != 0 {
		t.Errorf("Expected 2 active clients, got %+v", status)
	}
	p.release(first)
	p.release(second)
	if status := p.Status(); status.Active != 1 || status.Idle != 1 {
		t.Errorf("Expected 1 active and 1 idle client, got %+v", status)
	}
}

func TestPoolSweep(t *testing.T) {
	cfg := config.SSHPoolConfig{IdleTimeout: time.Minute, MaxLifetime: 10 * time.Minute}
	testCases := []struct {
		name            string
		advance         time.Duration
		keepActive      bool
		breakConn       bool
		expectedRetired int
		expectedTotal   int
	}{
		{"Fresh idle client is kept", 10 * time.Second, false, false, 0, 1},
		{"Idle timeout", 2 * time.Minute, false, false, 1, 0},
		{"Active client survives idle timeout", 2 * time.Minute, true, false, 0, 1},
		{"Lifetime retires active client after its session", 11 * time.Minute, true, false, 1, 1},
		{"Failed keepalive", 10 * time.Second, false, true, 1, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			p, d, clock := newTestPool(t, cfg)
			pc, err := p.acquire(context.Background(), sshTarget("a"))
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if !tc.keepActive {
				p.release(pc)
			}
			if tc.breakConn {
				d.breakAll()
			}
			clock.now = clock.now.Add(tc.advance)

			// Act
			retired := p.Sweep(context.Background())

			// Assert
			if retired != tc.expectedRetired {
				t.Errorf("Expected %d retired clients, got %d", tc.expectedRetired, retired)
			}
			if total := p.Status().Total; total != tc.expectedTotal {
				t.Errorf("Expected %d pooled clients, got %d", tc.expectedTotal, total)
			}
			if tc.keepActive {
				p.release(pc)
				if tc.expectedRetired > 0 && p.Status().Total != 0 {
					t.Errorf("Expected retired client to close after its last session")
				}
			}
		})
	}
}

func TestPoolMaxClients(t *testing.T) {
	// Arrange
	p, d, clock := newTestPool(t, config.SSHPoolConfig{MaxClients: 1})
	ctx := context.Background()
	first, err := p.acquire(ctx, sshTarget("a"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	// Act
	_, busyErr := p.acquire(ctx, sshTarget("b"))
	p.release(first)
	clock.now = clock.now.Add(time.Second)
	second, err := p.acquire(ctx, sshTarget("b"))

	// Assert
	if !errors.Is(busyErr, PoolExhaustedError) {
		t.Errorf("Expected PoolExhaustedError, got %v", busyErr)
	}
	if err != nil {
		t.Fatalf("Expected idle client to make room, got %v", err)
	}
	if status := p.Status(); status.Total != 1 || status.Clients[0].Active != 1 {
		t.Errorf("Expected only the new client to remain, got %+v", status)
	}
	if d.count() != 2 {
		t.Errorf("Expected 2 dials, got %d", d.count())
	}
	p.release(second)
}

func TestPoolReleaseTarget(t *testing.T) {
	// Arrange
	p, d, _ := newTestPool(t, config.SSHPoolConfig{})
	ctx := context.Background()
	for _, password := range []string{"a", "b"} {
		pc, err := p.acquire(ctx, sshTarget(password))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		p.release(pc)
	}

	// Act
	n := p.Release(sshTarget(""))
	pc, err := p.acquire(ctx, sshTarget("a"))

	// Assert
	if n != 2 {
		t.Errorf("Expected 2 released clients, got %d", n)
	}
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if d.count() != 3 {
		t.Errorf("Expected a fresh dial after release, got %d dials", d.count())
	}
	p.release(pc)
}
