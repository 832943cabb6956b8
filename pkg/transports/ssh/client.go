package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// killGrace is how long a cancelled command gets to exit after SIGTERM.
const killGrace = 2 * time.Second

// Client is a lazily connected SSH client. It redials once when the
// connection has dropped between commands.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.Mutex
	conn        *ssh.Client
	release     func()
	stop        chan struct{}
	connectedAt time.Time
}

// NewClient creates a client for config. No connection is made until the
// first command or an explicit Connect.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("ssh_host", config.Address()).Logger(),
	}, nil
}

// Connect establishes the SSH connection if it is not already open.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connectLocked(ctx)
	return err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	c.logger.Debug().Msg("Closing SSH connection")
	if err := c.dropLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected returns true if the client has an open connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ConnectedAt returns when the current connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedAt
}

// Run runs command on the remote host, streaming its output to stdout and
// stderr. A command that exits unsuccessfully returns an *ExitError;
// connection problems return a *TransportError.
func (c *Client) Run(ctx context.Context, command string, stdout, stderr io.Writer) error {
	session, err := c.session(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	c.logger.Debug().Str("command", command).Msg("Executing remote command")
	start := time.Now()

	if err := session.Start(command); err != nil {
		return &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(killGrace):
			_ = session.Signal(ssh.SIGKILL)
		}
		c.logger.Warn().Str("command", command).Err(ctx.Err()).Msg("Remote command interrupted")
		return ctx.Err()
	case runErr = <-done:
	}

	duration := time.Since(start)
	var exitErr *ssh.ExitError
	switch {
	case runErr == nil:
		c.logger.Debug().Str("command", command).Dur("duration", duration).Msg("Remote command completed")
		return nil
	case errors.As(runErr, &exitErr):
		c.logger.Debug().Str("command", command).Dur("duration", duration).
			Int("exit_code", exitErr.ExitStatus()).Msg("Remote command failed")
		return &ExitError{Status: exitErr.ExitStatus(), Signal: exitErr.Signal(), Msg: exitErr.Msg()}
	default:
		// the connection dropped before an exit status arrived
		return &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}
}

// session opens a session, redialing once if the connection has gone away.
func (c *Client) session(ctx context.Context) (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connectLocked(ctx)
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err == nil {
		return session, nil
	}

	c.logger.Warn().Err(err).Msg("SSH connection lost, reconnecting")
	_ = c.dropLocked()
	if conn, err = c.connectLocked(ctx); err != nil {
		return nil, err
	}
	session, err = conn.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "session",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	return session, nil
}

// sshClient returns the open connection, dialing if needed.
func (c *Client) sshClient(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) (*ssh.Client, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	clientConfig, release, err := c.config.clientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	c.logger.Debug().Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		release()
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	deadline := time.Now().Add(c.config.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = netConn.SetDeadline(deadline)
	stopAfter := context.AfterFunc(ctx, func() {
		_ = netConn.SetDeadline(time.Unix(1, 0))
	})

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, clientConfig)
	stopAfter()
	if err != nil {
		_ = netConn.Close()
		release()
		auth := isAuthFailure(err)
		return nil, &TransportError{Op: "handshake", Err: err, IsTemporary: !auth, IsAuthError: auth}
	}
	_ = netConn.SetDeadline(time.Time{})

	c.conn = ssh.NewClient(sshConn, chans, reqs)
	c.release = release
	c.connectedAt = time.Now()
	c.stop = make(chan struct{})

	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.conn, c.stop)
	}

	c.logger.Info().Str("user", c.config.User).Msg("SSH connection established")
	return c.conn, nil
}

func (c *Client) dropLocked() error {
	close(c.stop)
	err := c.conn.Close()
	c.release()
	c.conn = nil
	c.release = nil
	return err
}

// keepAlive sends keep-alive requests until stop is closed and drops the
// connection after too many consecutive failures.
func (c *Client) keepAlive(conn *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			failures++
			c.logger.Warn().Err(err).Int("failures", failures).Msg("Keep-alive failed")
			if failures >= c.config.MaxKeepAliveRetries {
				c.mu.Lock()
				if c.conn == conn {
					_ = c.dropLocked()
				}
				c.mu.Unlock()
				return
			}
			continue
		}
		failures = 0
	}
}

func isAuthFailure(err error) bool {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revoked) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:")
}
