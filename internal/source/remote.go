package source

import (
	"bytes"
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/cpumonitor/internal/errors"
	"codeberg.org/mutker/cpumonitor/internal/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultSSHPort       = 22
	defaultRemoteTimeout = 5 * time.Second
	defaultRemoteCommand = "cat " + DefaultStatPath
)

// RemoteConfig describes an SSH connection to a Linux host.
type RemoteConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	Password       string
	KnownHostsPath string
	Timeout        time.Duration
	// Command prints the counter table on the remote host.
	Command string
}

// Remote reads the counter table of another machine over SSH. The
// connection is opened on first Read and reopened after a failed one.
type Remote struct {
	cfg       RemoteConfig
	sshConfig *ssh.ClientConfig
	address   string
	log       logger.Logger

	mu     sync.Mutex
	client *ssh.Client
	closed bool
}

// NewRemote validates cfg and prepares the SSH client configuration. No
// connection is made until the first Read.
func NewRemote(cfg RemoteConfig, log logger.Logger) (*Remote, error) {
	errFactory := errors.New()

	if cfg.Host == "" || cfg.User == "" {
		return nil, errFactory.WithData(ErrInvalidConfig, "remote source needs host and user")
	}
	if cfg.Port == 0 {
		cfg.Port = defaultSSHPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRemoteTimeout
	}
	if cfg.Command == "" {
		cfg.Command = defaultRemoteCommand
	}

	sshConfig, err := buildSSHConfig(cfg, log)
	if err != nil {
		return nil, err
	}

	return &Remote{
		cfg:       cfg,
		sshConfig: sshConfig,
		address:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		log:       log,
	}, nil
}

func buildSSHConfig(cfg RemoteConfig, log logger.Logger) (*ssh.ClientConfig, error) {
	errFactory := errors.New()
	var authMethods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, errFactory.Wrap(ErrInvalidConfig, err).WithData("read private key")
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errFactory.Wrap(ErrInvalidConfig, err).WithData("parse private key")
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		authMethods = append(authMethods, ssh.Password(cfg.Password))
	}

	if len(authMethods) == 0 {
		socket := os.Getenv("SSH_AUTH_SOCK")
		if socket == "" {
			return nil, errFactory.WithData(ErrInvalidConfig, "no key, password or SSH_AUTH_SOCK for remote source")
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			conn, err := net.Dial("unix", socket)
			if err != nil {
				return nil, err
			}
			defer conn.Close()
			return agent.NewClient(conn).Signers()
		}))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, errFactory.Wrap(ErrInvalidConfig, err).WithData("load known hosts")
		}
		hostKeyCallback = cb
	} else {
		log.Warn().Str("host", cfg.Host).Msg("No known_hosts file configured, host key is not verified")
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.Timeout,
	}, nil
}

func (r *Remote) Name() string {
	return "ssh:" + r.cfg.User + "@" + r.address
}

func (r *Remote) Read(ctx context.Context) (string, error) {
	errFactory := errors.New()

	client, err := r.connect(ctx)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		r.drop(client)
		return "", errFactory.Wrap(ErrReadFailed, err).WithData("new session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(r.cfg.Command)
	}()

	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return "", errFactory.Wrap(ErrReadFailed, err).WithData(stderr.String())
		}
		return stdout.String(), nil
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		r.drop(client)
		return "", errFactory.WithData(ErrTimeout, r.cfg.Timeout.String())
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", errFactory.Wrap(ErrReadFailed, ctx.Err())
	}
}

func (r *Remote) connect(ctx context.Context) (*ssh.Client, error) {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errFactory.New(ErrClosed)
	}
	if r.client != nil {
		return r.client, nil
	}

	dialer := net.Dialer{Timeout: r.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.address)
	if err != nil {
		return nil, errFactory.Wrap(ErrConnectFailed, err).WithData(r.address)
	}

	_ = conn.SetDeadline(time.Now().Add(r.cfg.Timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, r.address, r.sshConfig)
	if err != nil {
		conn.Close()
		return nil, errFactory.Wrap(ErrConnectFailed, err).WithData(r.address)
	}
	_ = conn.SetDeadline(time.Time{})

	r.client = ssh.NewClient(c, chans, reqs)
	r.log.Info().Str("address", r.address).Msg("Connected to remote counter source")

	return r.client, nil
}

// drop discards a broken client so that the next Read reconnects.
func (r *Remote) drop(client *ssh.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == client {
		r.client.Close()
		r.client = nil
	}
}

func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.client == nil {
		return nil
	}

	err := r.client.Close()
	r.client = nil
	if err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}
