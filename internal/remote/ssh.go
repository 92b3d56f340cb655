package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSSHPort     = 22
	defaultDialTimeout = 15 * time.Second
	readBufferSize     = 32 * 1024
)

// Executor starts remote command sessions.
type Executor interface {
	Execute(ctx context.Context, command string) *Session
}

// Target describes the remote host and the credentials used to reach it.
type Target struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKey     []byte
	KnownHostsPath string
	DialTimeout    time.Duration
}

func (t Target) addr() string {
	port := t.Port
	if port == 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// SSHExecutor runs commands on a single host over SSH. Every Execute opens a
// dedicated connection that is torn down when the session ends.
type SSHExecutor struct {
	target Target
	config *ssh.ClientConfig
	log    *slog.Logger
}

var _ Executor = (*SSHExecutor)(nil)

// NewSSHExecutor validates target and prepares the client configuration.
func NewSSHExecutor(target Target, log *slog.Logger) (*SSHExecutor, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ssh_executor", "host", target.Host)
	if target.Host == "" {
		return nil, errors.New("remote: host required")
	}
	if target.User == "" {
		return nil, errors.New("remote: user required")
	}
	if target.DialTimeout <= 0 {
		target.DialTimeout = defaultDialTimeout
	}

	var auth []ssh.AuthMethod
	if len(target.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(target.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("remote: parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if target.Password != "" {
		auth = append(auth, ssh.Password(target.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("remote: password or private key required")
	}

	hostKeyCallback, err := hostKeyCallback(target.KnownHostsPath, log)
	if err != nil {
		return nil, err
	}

	return &SSHExecutor{
		target: target,
		config: &ssh.ClientConfig{
			User:            target.User,
			Auth:            auth,
			HostKeyCallback: hostKeyCallback,
			Timeout:         target.DialTimeout,
		},
		log: log,
	}, nil
}

func hostKeyCallback(path string, log *slog.Logger) (ssh.HostKeyCallback, error) {
	if path != "" {
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("remote: load known hosts: %w", err)
		}
		return cb, nil
	}
	log.Warn("host key verification disabled; set EC2_KNOWN_HOSTS to enable it")
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		log.Debug("accepting unverified host key", "hostname", hostname, "fingerprint", ssh.FingerprintSHA256(key))
		return nil
	}, nil
}

// Execute starts command on the target host. Connection and authentication
// failures are reported through the session as a Failed event carrying a
// *ConnectionError.
func (e *SSHExecutor) Execute(ctx context.Context, command string) *Session {
	return Start(ctx, func(ctx context.Context, emit func(Event) bool) error {
		return e.run(ctx, command, emit)
	})
}

func (e *SSHExecutor) run(ctx context.Context, command string, emit func(Event) bool) error {
	addr := e.target.addr()
	dialer := net.Dialer{Timeout: e.target.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return &ConnectionError{Op: "dial", Err: err}
	}
	stopConn := context.AfterFunc(ctx, func() { conn.Close() })
	defer stopConn()

	_ = conn.SetDeadline(time.Now().Add(e.target.DialTimeout))
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, e.config)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return &ConnectionError{Op: "handshake", Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(clientConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return &ConnectionError{Op: "open session", Err: err}
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return &ConnectionError{Op: "attach stdout", Err: err}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return &ConnectionError{Op: "attach stderr", Err: err}
	}

	stopKill := context.AfterFunc(ctx, func() {
		// Processes the script already detached survive this.
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		_ = client.Close()
	})
	defer stopKill()

	e.log.Debug("starting remote command")
	if err := session.Start(command); err != nil {
		return &ConnectionError{Op: "start command", Err: err}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pump(stdout, StreamOut, emit)
	}()
	go func() {
		defer wg.Done()
		pump(stderr, StreamErr, emit)
	}()
	wg.Wait()

	waitErr := session.Wait()
	if ctx.Err() != nil {
		return ErrCancelled
	}
	if waitErr == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ExecutionError{ExitStatus: exitErr.ExitStatus(), Signal: exitErr.Signal(), Err: waitErr}
	}
	return &ExecutionError{Err: waitErr}
}

// pump forwards r as chunks until EOF, a read error, or cancellation. After
// cancellation it keeps draining so the channel can close.
// pump turns reads into chunks. A multi-byte character split across two reads
// is held back and emitted with the following chunk.
func pump(r io.Reader, stream Stream, emit func(Event) bool) {
	buf := make([]byte, readBufferSize)
	var pending []byte
	forwarding := true
	for {
		n, err := r.Read(buf)
		if n > 0 && forwarding {
			data := make([]byte, 0, len(pending)+n)
			data = append(append(data, pending...), buf[:n]...)
			data, pending = splitPartialRune(data)
			if len(data) > 0 {
				forwarding = emit(Chunk(stream, data))
			}
		}
		if err != nil {
			if len(pending) > 0 && forwarding {
				emit(Chunk(stream, pending))
			}
			return
		}
	}
}

// splitPartialRune separates an incomplete UTF-8 sequence at the end of b.
func splitPartialRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i > len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], append([]byte(nil), b[i:]...)
	}
	return b, nil
}
