package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jrammler/httprun/internal/entity"
	"github.com/jrammler/httprun/internal/storage"
)

var HostKeyMismatchError = errors.New("Host key does not match the trusted key")
var UnknownHostKeyError = errors.New("Host key is not trusted")

const (
	HostKeyTOFU     = "tofu"
	HostKeyStrict   = "strict"
	HostKeyInsecure = "insecure"
)

// HostKeyVerifier checks remote host keys against the stored fingerprints.
// With the tofu policy the first key seen for a host is trusted and saved.
type HostKeyVerifier struct {
	store  storage.HostKeyStore
	policy string
}

func NewHostKeyVerifier(store storage.HostKeyStore, policy string) *HostKeyVerifier {
	if policy == "" {
		policy = HostKeyTOFU
	}
	return &HostKeyVerifier{store: store, policy: policy}
}

func (v *HostKeyVerifier) Callback(ctx context.Context) ssh.HostKeyCallback {
	if v.policy == HostKeyInsecure || v.store == nil {
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, port := splitHostPort(hostname)
		return v.Verify(ctx, host, port, key)
	}
}

func splitHostPort(hostport string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, 22
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 22
	}
	return host, port
}

func (v *HostKeyVerifier) Verify(ctx context.Context, host string, port int, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)
	now := time.Now()
	known, err := v.store.GetHostKey(ctx, host, port)
	if errors.Is(err, storage.NotFoundError) {
		if v.policy == HostKeyStrict {
			return fmt.Errorf("%w: %s:%d %s", UnknownHostKeyError, host, port, fingerprint)
		}
		slog.WarnContext(ctx, "Trusting new SSH host key", "host", host, "port", port, "fingerprint", fingerprint)
		return v.store.SaveHostKey(ctx, &entity.HostKey{
			Host:        host,
			Port:        port,
			KeyType:     key.Type(),
			Fingerprint: fingerprint,
			Key:         strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))),
			FirstSeen:   now,
			LastSeen:    now,
		})
	}
	if err != nil {
		return err
	}
	if known.Fingerprint != fingerprint {
		slog.ErrorContext(ctx, "SSH host key mismatch", "host", host, "port", port,
			"expected", known.Fingerprint, "got", fingerprint)
		return fmt.Errorf("%w: %s:%d", HostKeyMismatchError, host, port)
	}
	known.LastSeen = now
	if err := v.store.SaveHostKey(ctx, known); err != nil {
		slog.WarnContext(ctx, "Updating SSH host key failed", "host", host, "error", err)
	}
	return nil
}
