package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/open-edge-platform/bhyze/internal/utils/logger"
	"golang.org/x/crypto/ssh"
)

// SessionConfig holds what is needed to log into a build server.
type SessionConfig struct {
	User    string
	KeyFile string
	Port    int
	Timeout time.Duration
}

// Session is an SSH connection to one build server. It is safe for
// concurrent use; every Run opens its own channel.
type Session struct {
	host   string
	client *ssh.Client

	mu     sync.Mutex
	closed bool
}

// Open connects to host with public-key authentication. Unknown host keys
// are accepted.
func Open(ctx context.Context, host string, cfg SessionConfig) (*Session, error) {
	log := logger.Logger()

	key, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key %s: %w", cfg.KeyFile, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", cfg.KeyFile, err)
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.Timeout,
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s as %s: %w", addr, cfg.User, err)
	}

	log.Debugf("Connected to %s as %s", addr, cfg.User)
	return &Session{host: host, client: ssh.NewClient(c, chans, reqs)}, nil
}

// Host returns the server this session is connected to.
func (s *Session) Host() string {
	return s.host
}

// Run executes command in a fresh SSH channel. Cancelling ctx abandons the
// command and closes its channel.
func (s *Session) Run(ctx context.Context, command string) (*Result, error) {
	log := logger.Logger()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	client := s.client
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening channel on %s: %w", s.host, err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	log.Debugf("Exec: [%s] %s", s.host, command)
	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &Result{Command: command}
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %q on %s: %w", command, s.host, err)
		}
		res.ExitStatus = exitErr.ExitStatus()
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

// Close releases the connection. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// openSession is a variable so tests can avoid real SSH connections.
var openSession = func(ctx context.Context, host string, cfg SessionConfig) (ExecCloser, error) {
	return Open(ctx, host, cfg)
}

// ExecCloser is an Executor that must be closed after use.
type ExecCloser interface {
	Executor
	Close() error
}

// WithSession opens a session to host, hands it to fn and closes it whether
// or not fn fails.
func WithSession(ctx context.Context, host string, cfg SessionConfig, fn func(Executor) error) (err error) {
	sess, err := openSession(ctx, host, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing session to %s: %w", host, cerr)
		}
	}()
	return fn(sess)
}
