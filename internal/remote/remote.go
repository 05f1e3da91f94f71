// Package remote runs eddie commands on fleet hosts over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kifi/eddie/internal/registry"
)

const (
	DefaultUser = "fortytwo"
	DefaultPort = 22

	dialTimeout = 30 * time.Second
)

// ExitError reports a remote command that exited non-zero.
type ExitError struct {
	Host string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: remote command exited with status %d", e.Host, e.Code)
}

// Session is a command running on a remote host.
type Session interface {
	// Wait blocks until the command exits. A non-zero exit is *ExitError.
	Wait() error
	// Interrupt asks the remote command to stop, as Ctrl-C would.
	Interrupt() error
	Close() error
}

// Starter starts commands on hosts.
type Starter interface {
	Start(ctx context.Context, host registry.Instance, cmdline string, out io.Writer) (Session, error)
}

// SSH starts commands over SSH.
type SSH struct {
	User            string
	Port            int
	Auth            []ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback
	Logger          *zap.Logger
}

// Options configure NewSSH.
type Options struct {
	User       string
	Port       int
	KeyFile    string // private key; the SSH agent is used as well when available
	KnownHosts string
	Logger     *zap.Logger
}

// NewSSH builds an SSH starter. Unknown host keys are accepted with a
// warning; a key that contradicts known_hosts is rejected.
func NewSSH(opts Options) (*SSH, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var auth []ssh.AuthMethod
	if opts.KeyFile != "" {
		pem, err := os.ReadFile(opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", opts.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if a, err := sshAgent(); err == nil {
		auth = append(auth, ssh.PublicKeysCallback(a.Signers))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials: set ssh.key_file or start an ssh agent")
	}

	cb, err := HostKeyCallback(opts.KnownHosts, log)
	if err != nil {
		return nil, err
	}

	return &SSH{
		User:            opts.User,
		Port:            opts.Port,
		Auth:            auth,
		HostKeyCallback: cb,
		Logger:          log,
	}, nil
}

func sshAgent() (agent.Agent, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if _, err := os.Stat(sock); sock == "" || err != nil {
		return nil, errors.New("no ssh agent available")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, err
	}
	return agent.NewClient(conn), nil
}

// HostKeyCallback checks host keys against a known_hosts file. Hosts not
// in the file are accepted with a warning; a missing file accepts every
// host the same way.
func HostKeyCallback(path string, log *zap.Logger) (ssh.HostKeyCallback, error) {
	warnUnknown := func(hostname string, key ssh.PublicKey) {
		log.Warn("accepting unknown host key", zap.String("host", hostname), zap.String("fingerprint", ssh.FingerprintSHA256(key)))
	}
	if path == "" {
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			warnUnknown(hostname, key)
			return nil
		}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn("known_hosts file not found", zap.String("path", path))
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			warnUnknown(hostname, key)
			return nil
		}, nil
	}

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known hosts %s: %w", path, err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
			warnUnknown(hostname, key)
			return nil
		}
		return err
	}, nil
}

func (s *SSH) Start(ctx context.Context, host registry.Instance, cmdline string, out io.Writer) (Session, error) {
	user := s.User
	if user == "" {
		user = DefaultUser
	}
	port := s.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := net.JoinHostPort(host.Address, strconv.Itoa(port))

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s (%s): %w", host.Name, addr, err)
	}

	// Handshake and session setup are bounded by dialTimeout and ctx.
	deadline := time.Now().Add(dialTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	session, err := s.open(conn, addr, user, host.Name, cmdline, out)
	if !stop() {
		if session != nil {
			session.Close()
		}
		return nil, fmt.Errorf("connecting to %s: %w", host.Name, ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return session, nil
}

// open performs the ssh handshake on conn and starts cmdline.
func (s *SSH) open(conn net.Conn, addr, user, host, cmdline string, out io.Writer) (*sshSession, error) {
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            s.Auth,
		HostKeyCallback: s.HostKeyCallback,
		Timeout:         dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh handshake with %s: %w", host, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("opening session on %s: %w", host, err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("opening session on %s: %w", host, err)
	}
	sess.Stdout = out
	sess.Stderr = out

	// A pty ties the remote process to the session, so it dies with it.
	if err := sess.RequestPty("xterm", 40, 120, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
		s.logger().Debug("pty request refused", zap.String("host", host), zap.Error(err))
	}

	s.logger().Debug("starting remote command", zap.String("host", host), zap.String("command", cmdline))
	if err := sess.Start(cmdline); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("starting command on %s: %w", host, err)
	}
	return &sshSession{host: host, client: client, sess: sess, stdin: stdin}, nil
}

func (s *SSH) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

type sshSession struct {
	host   string
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser

	closeOnce sync.Once
}

func (s *sshSession) Wait() error {
	err := s.sess.Wait()
	s.Close()
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Host: s.host, Code: exitErr.ExitStatus()}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", s.host, err)
	}
	return nil
}

// Interrupt sends SIGINT and, for servers that ignore signal requests, a
// Ctrl-C on the pty.
func (s *sshSession) Interrupt() error {
	sigErr := s.sess.Signal(ssh.SIGINT)
	_, writeErr := s.stdin.Write([]byte{0x03})
	if sigErr != nil && writeErr != nil {
		return fmt.Errorf("interrupting %s: %w", s.host, sigErr)
	}
	return nil
}

func (s *sshSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.sess.Close()
		err = s.client.Close()
	})
	return err
}
