/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/vmconform/pkg/execcontext"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultDialTimeout = 10 * time.Second

// Client implements the Runner interface for real SSH connections.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string

	// Exec is applied to every command sent through Run.
	Exec execcontext.Context
	// DialTimeout bounds the TCP connect and handshake. Defaults to 10s.
	DialTimeout time.Duration
	// HostKeyCallback verifies the server key. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
}

var _ Runner = (*Client)(nil)

// NewClient creates a new SSH client.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	return &Client{
			Host:       host,
			User:       user,
			PrivateKey: key,
			Port:       port,
			Exec:       execcontext.Empty(),
		},
		nil
}

// WithHost returns a copy of the client pointed at another host.
func (c *Client) WithHost(host string) *Client {
	out := *c
	out.Host = host
	return &out
}

// WithKnownHosts returns a copy of the client that only trusts the host keys listed in
// a known_hosts file.
func (c *Client) WithKnownHosts(path string) (*Client, error) {
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read known hosts: %w", err)
	}
	out := *c
	out.HostKeyCallback = callback
	return &out, nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	hostKey := c.HostKeyCallback
	if hostKey == nil {
		// Guest clones regenerate their host keys on first boot.
		hostKey = ssh.InsecureIgnoreHostKey() //nolint:gosec
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// Dial opens a connection that can run several commands. The caller must Close it.
func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.Host, c.Port)
	dialer := net.Dialer{Timeout: config.Timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to connect to %s: %w", ErrTransport, addr, err)
	}

	// The handshake has no context support; bound it with a deadline instead.
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	} else {
		_ = netConn.SetDeadline(time.Now().Add(config.Timeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("%w: ssh handshake with %s: %w", ErrTransport, addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	return &Conn{
		client: ssh.NewClient(sshConn, chans, reqs),
		exec:   c.exec(),
		addr:   addr,
	}, nil
}

// Run implements Runner with a one-shot connection.
func (c *Client) Run(
	ctx context.Context,
	cmd ...string,
) (stdout, stderr string, err error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return "", "", err
	}
	defer runFuncAndLogErr(conn.Close)

	res, err := conn.Exec(ctx, execcontext.FormatCmd(c.exec(), cmd...))
	if err != nil {
		return res.Stdout, res.Stderr, err
	}
	if res.ExitCode != 0 {
		return res.Stdout, res.Stderr, &ExitError{Code: res.ExitCode, Stderr: res.Stderr}
	}

	return res.Stdout, res.Stderr, nil
}

// AwaitServer polls until the SSH server accepts a connection or the timeout elapses.
func (c *Client) AwaitServer(ctx context.Context, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if interval <= 0 {
		interval = 5 * time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()

	addr := net.JoinHostPort(c.Host, c.Port)
	var lastErr error
	for {
		conn, err := c.Dial(ctx)
		if err == nil {
			runFuncAndLogErr(conn.Close)
			return nil
		}
		lastErr = err
		slog.Debug("ssh server not ready", "addr", addr, "err", err.Error())

		select {
		case <-ctx.Done():
			return errors.Join(fmt.Errorf("timed out waiting for SSH server at %s", addr), lastErr)
		case <-tick.C:
		}
	}
}

func (c *Client) exec() execcontext.Context {
	if c.Exec == nil {
		return execcontext.Empty()
	}
	return c.Exec
}

// Conn is an established SSH connection.
type Conn struct {
	client *ssh.Client
	exec   execcontext.Context
	addr   string
}

// Addr returns host:port of the remote end.
func (c *Conn) Addr() string { return c.addr }

// Exec runs a raw shell command. A non-zero exit status is reported in Result, not as an
// error. When ctx is done the remote process is killed and ctx.Err() is returned with the
// output captured so far.
func (c *Conn) Exec(ctx context.Context, command string) (Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrChannel, err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf syncBuffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Start(command); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrChannel, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: -1}, ctx.Err()
	case err := <-done:
		res := Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("%w: %s: %w", ErrTransport, c.addr, err)
	}
}

// Format renders cmd with the connection's execution context.
func (c *Conn) Format(script string) string {
	return execcontext.FormatScript(c.exec, script)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.client.Close()
}

// syncBuffer guards the buffer written by the session copy goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
