package remote

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// execHandler serves one exec request. It returns the exit status to report.
type execHandler func(command string, ch ssh.Channel) uint32

type testServer struct {
	addr     string
	hostKey  ssh.PublicKey
	password string

	mu       sync.Mutex
	commands []string
	signals  []string
}

func newTestServer(t *testing.T, password string, handler execHandler) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	srv := &testServer{hostKey: signer.PublicKey(), password: password}
	config := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == srv.password {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	srv.addr = ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serveConn(conn, config, handler)
		}
	}()
	return srv
}

func (s *testServer) host() (string, int) {
	host, port, _ := net.SplitHostPort(s.addr)
	p, _ := net.LookupPort("tcp", port)
	return host, p
}

func (s *testServer) target() Target {
	host, port := s.host()
	return Target{Host: host, Port: port, User: "deployer", Password: s.password}
}

func (s *testServer) receivedSignals() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.signals...)
}

func (s *testServer) receivedCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *testServer) serveConn(conn net.Conn, config *ssh.ServerConfig, handler execHandler) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ch, chReqs, handler)
	}
}

func (s *testServer) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request, handler execHandler) {
	defer ch.Close()
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()
			_ = req.Reply(true, nil)
			go func() {
				status := handler(payload.Command, ch)
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				_ = ch.Close()
			}()
		case "signal":
			var payload struct{ Signal string }
			if err := ssh.Unmarshal(req.Payload, &payload); err == nil {
				s.mu.Lock()
				s.signals = append(s.signals, payload.Signal)
				s.mu.Unlock()
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// blockUntilClosed parks a handler until the client tears the channel down.
func blockUntilClosed(ch ssh.Channel) {
	_, _ = io.Copy(io.Discard, ch)
}
