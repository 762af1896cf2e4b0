package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/metrics"
)

var PoolExhaustedError = errors.New("SSH connection pool is full")

type dialFunc func(ctx context.Context, t *entity.SSHTarget) (*ssh.Client, error)

type pooledClient struct {
	key      string
	addr     string
	client   *ssh.Client
	created  time.Time
	lastUsed time.Time
	active   int
	retired  bool
}

type PoolClient struct {
	Target   string    `json:"target"`
	Active   int       `json:"active"`
	Retired  bool      `json:"retired,omitempty"`
	Created  time.Time `json:"created"`
	LastUsed time.Time `json:"lastUsed"`
}

type PoolStatus struct {
	Total      int          `json:"total"`
	Active     int          `json:"activeConnections"`
	Idle       int          `json:"idleConnections"`
	MaxClients int          `json:"maxClients"`
	Clients    []PoolClient `json:"clients"`
}

// Pool keeps one authenticated client per target and credential set.
// Retired clients stay open until their last session ends.
type Pool struct {
	dial        dialFunc
	idleTimeout time.Duration
	maxLifetime time.Duration
	maxClients  int
	now         func() time.Time

	mu       sync.Mutex
	clients  map[string]*pooledClient
	draining []*pooledClient
}

func newPool(cfg config.SSHPoolConfig, dial dialFunc) *Pool {
	return &Pool{
		dial:        dial,
		idleTimeout: cfg.IdleTimeout,
		maxLifetime: cfg.MaxLifetime,
		maxClients:  cfg.MaxClients,
		now:         time.Now,
		clients:     make(map[string]*pooledClient),
	}
}

func targetAddr(t *entity.SSHTarget) string {
	return t.Username + "@" + net.JoinHostPort(t.Host, strconv.Itoa(targetPort(t)))
}

// poolKey also covers the stored credentials, so changed secrets never
// reuse a login made with the old ones.
func poolKey(t *entity.SSHTarget) string {
	sum := sha256.Sum256([]byte(t.Password + "\x00" + t.PrivateKey))
	return targetAddr(t) + "#" + hex.EncodeToString(sum[:6])
}

func (p *Pool) acquire(ctx context.Context, t *entity.SSHTarget) (*pooledClient, error) {
	key := poolKey(t)
	p.mu.Lock()
	if pc, ok := p.clients[key]; ok {
		p.useLocked(pc)
		p.mu.Unlock()
		return pc, nil
	}
	err := p.makeRoomLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c, err := p.dial(ctx, t)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pc, ok := p.clients[key]; ok {
		c.Close()
		p.useLocked(pc)
		return pc, nil
	}
	if err := p.makeRoomLocked(); err != nil {
		c.Close()
		return nil, err
	}
	now := p.now()
	pc := &pooledClient{key: key, addr: targetAddr(t), client: c, created: now, lastUsed: now}
	p.clients[key] = pc
	p.useLocked(pc)
	return pc, nil
}

func (p *Pool) useLocked(pc *pooledClient) {
	pc.active++
	pc.lastUsed = p.now()
	p.reportLocked()
}

// makeRoomLocked closes the least recently used idle client when the pool
// is at its limit.
func (p *Pool) makeRoomLocked() error {
	if p.maxClients <= 0 || len(p.clients)+len(p.draining) < p.maxClients {
		return nil
	}
	var oldest *pooledClient
	for _, pc := range p.clients {
		if pc.active == 0 && (oldest == nil || pc.lastUsed.Before(oldest.lastUsed)) {
			oldest = pc
		}
	}
	if oldest == nil {
		return PoolExhaustedError
	}
	p.retireLocked(oldest)
	return nil
}

func (p *Pool) release(pc *pooledClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc.active--
	pc.lastUsed = p.now()
	if pc.retired && pc.active == 0 {
		pc.client.Close()
		p.draining = removeClient(p.draining, pc)
	}
	p.reportLocked()
}

func removeClient(list []*pooledClient, pc *pooledClient) []*pooledClient {
	for i, c := range list {
		if c == pc {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (p *Pool) retireLocked(pc *pooledClient) {
	if pc.retired {
		return
	}
	pc.retired = true
	if p.clients[pc.key] == pc {
		delete(p.clients, pc.key)
	}
	if pc.active == 0 {
		pc.client.Close()
	} else {
		p.draining = append(p.draining, pc)
	}
	p.reportLocked()
}

// evict retires a client whose connection turned out to be broken.
func (p *Pool) evict(pc *pooledClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retireLocked(pc)
}

// Release retires every client connected to the host of t, whatever
// credentials it used.
func (p *Pool) Release(t *entity.SSHTarget) int {
	addr := targetAddr(t)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pc := range p.clients {
		if pc.addr == addr {
			p.retireLocked(pc)
			n++
		}
	}
	return n
}

// Sweep retires idle and expired clients and pings the remaining idle
// ones with a keepalive. It returns the number of clients retired.
func (p *Pool) Sweep(ctx context.Context) int {
	now := p.now()
	retired := 0
	var ping []*pooledClient

	p.mu.Lock()
	for _, pc := range p.clients {
		switch {
		case p.maxLifetime > 0 && now.Sub(pc.created) >= p.maxLifetime:
			p.retireLocked(pc)
			retired++
		case pc.active > 0:
		case p.idleTimeout > 0 && now.Sub(pc.lastUsed) >= p.idleTimeout:
			p.retireLocked(pc)
			retired++
		default:
			ping = append(ping, pc)
		}
	}
	p.mu.Unlock()

	for _, pc := range ping {
		if _, _, err := pc.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			slog.WarnContext(ctx, "SSH keepalive failed, dropping connection", "target", pc.addr, "error", err)
			p.evict(pc)
			retired++
		}
	}
	if retired > 0 {
		slog.InfoContext(ctx, "SSH pool swept", "retired", retired)
	}
	return retired
}

func (p *Pool) reportLocked() {
	active, idle := 0, 0
	for _, pc := range p.clients {
		if pc.active > 0 {
			active++
		} else {
			idle++
		}
	}
	active += len(p.draining)
	metrics.SSHPoolClients.WithLabelValues("active").Set(float64(active))
	metrics.SSHPoolClients.WithLabelValues("idle").Set(float64(idle))
}

func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := PoolStatus{MaxClients: p.maxClients, Clients: []PoolClient{}}
	for _, pc := range append(p.listLocked(), p.draining...) {
		status.Total++
		if pc.active > 0 {
			status.Active++
		} else {
			status.Idle++
		}
		status.Clients = append(status.Clients, PoolClient{
			Target:   pc.addr,
			Active:   pc.active,
			Retired:  pc.retired,
			Created:  pc.created,
			LastUsed: pc.lastUsed,
		})
	}
	return status
}

func (p *Pool) listLocked() []*pooledClient {
	list := make([]*pooledClient, 0, len(p.clients))
	for _, pc := range p.clients {
		list = append(list, pc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].addr < list[j].addr })
	return list
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.clients {
		pc.client.Close()
	}
	for _, pc := range p.draining {
		pc.client.Close()
	}
	p.clients = make(map[string]*pooledClient)
	p.draining = nil
	p.reportLocked()
}
