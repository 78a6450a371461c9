// Package smtp provides the pooled transport used for all outbound mail.
// Connections are kept alive, capped, and recycled after a fixed number of
// transactions so long-running drains never pin one stale session.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ignite/smtp-dispatch/internal/config"
	"github.com/ignite/smtp-dispatch/internal/pkg/logger"
)

// ErrNoSTARTTLS is returned when the server does not offer STARTTLS and the
// configuration requires it.
var ErrNoSTARTTLS = errors.New("smtp: server does not advertise STARTTLS")

// conn wraps one live SMTP session together with its raw socket (for
// per-command deadlines) and the number of transactions it has carried.
type conn struct {
	client   *smtp.Client
	raw      net.Conn
	messages int
}

// Pool is a bounded keep-alive SMTP connection pool. Checked-in connections
// wait on a channel; a failed connection is torn down and its slot freed so
// the next caller can dial a replacement.
type Pool struct {
	cfg  config.SMTPConfig
	addr string
	host string

	ch   chan *conn
	decs chan struct{}

	mu      sync.Mutex
	created int
	closed  bool
}

// NewPool validates the transport configuration and builds the pool.
// Connections are dialed lazily on first use.
func NewPool(cfg config.SMTPConfig) (*Pool, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp: host not configured")
	}
	switch cfg.Encryption {
	case "starttls", "tls", "none":
	default:
		return nil, fmt.Errorf("smtp: unknown encryption mode %q", cfg.Encryption)
	}
	max := cfg.MaxConnections
	if max < 1 {
		max = 1
	}
	return &Pool{
		cfg:  cfg,
		addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		host: cfg.Host,
		ch:   make(chan *conn, max),
		decs: make(chan struct{}, max),
	}, nil
}

// Send submits one message over a pooled connection. Errors from the server
// are returned as *textproto.Error so callers can classify the reply code;
// dial and I/O failures surface as-is.
func (p *Pool) Send(ctx context.Context, from, to string, msg []byte) (err error) {
	c, err := p.get(ctx)
	if err != nil {
		return err
	}

	defer func() {
		c.messages++
		switch {
		case err != nil && !shouldReuse(err):
			p.discard(c)
		case c.messages >= p.maxMessages():
			logger.Debug("recycling smtp connection", "messages", c.messages)
			p.discard(c)
		case err != nil:
			// Valid session, failed transaction. Reset and keep it.
			if rerr := c.client.Reset(); rerr != nil {
				p.discard(c)
				return
			}
			p.put(c)
		default:
			p.put(c)
		}
	}()

	_ = c.raw.SetDeadline(time.Now().Add(p.cfg.SocketTimeout()))

	if err = c.client.Mail(from); err != nil {
		return err
	}
	if err = c.client.Rcpt(to); err != nil {
		return err
	}
	w, err := c.client.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write(msg); err != nil {
		return err
	}
	return w.Close()
}

// Close tears down every idle connection. In-flight sends finish on their
// own sockets; their connections are discarded on return.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case c := <-p.ch:
			p.teardown(c)
		default:
			return
		}
	}
}

// get returns a pooled connection, dialing a fresh one when below the cap.
func (p *Pool) get(ctx context.Context) (*conn, error) {
	select {
	case c := <-p.ch:
		return c, nil
	default:
	}

	p.makeOne()

	for {
		select {
		case c := <-p.ch:
			return c, nil
		case <-p.decs:
			p.makeOne()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) put(c *conn) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.teardown(c)
		return
	}
	p.ch <- c
}

// discard tears down a connection and frees its slot so a waiter can dial a
// replacement.
func (p *Pool) discard(c *conn) {
	p.teardown(c)
	p.mu.Lock()
	p.created--
	p.mu.Unlock()

	select {
	case p.decs <- struct{}{}:
	default:
	}
}

func (p *Pool) teardown(c *conn) {
	_ = c.raw.SetDeadline(time.Now().Add(2 * time.Second))
	_ = c.client.Quit()
	_ = c.client.Close()
}

func (p *Pool) inc() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.created >= p.maxConnections() {
		return false
	}
	p.created++
	return true
}

// makeOne dials asynchronously; the result lands on the channel so whichever
// caller is waiting picks it up first.
func (p *Pool) makeOne() {
	go func() {
		if !p.inc() {
			return
		}
		c, err := p.build()
		if err != nil {
			logger.Warn("smtp dial failed", "addr", p.addr, "error", err)
			// Brief pause so a dead or misconfigured server is not hammered
			// by the retry signal below.
			time.Sleep(100 * time.Millisecond)
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			select {
			case p.decs <- struct{}{}:
			default:
			}
			return
		}
		p.ch <- c
	}()
}

// build dials, completes the greeting and EHLO under the greeting timeout,
// negotiates TLS per the configured mode, and authenticates.
func (p *Pool) build() (*conn, error) {
	dialer := &net.Dialer{Timeout: p.cfg.ConnectTimeout()}

	var (
		nc  net.Conn
		err error
	)
	if p.cfg.Encryption == "tls" {
		nc, err = tls.DialWithDialer(dialer, "tcp", p.addr, p.tlsConfig())
	} else {
		nc, err = dialer.Dial("tcp", p.addr)
	}
	if err != nil {
		return nil, err
	}

	_ = nc.SetDeadline(time.Now().Add(p.cfg.GreetingTimeout()))

	client, err := smtp.NewClient(nc, p.host)
	if err != nil {
		nc.Close()
		return nil, err
	}

	onErr := func(err error) error {
		_ = client.Quit()
		_ = client.Close()
		return err
	}

	if p.cfg.HelloHostname != "" {
		if err := client.Hello(p.cfg.HelloHostname); err != nil {
			return nil, onErr(err)
		}
	}

	if p.cfg.Encryption == "starttls" {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return nil, onErr(ErrNoSTARTTLS)
		}
		if err := client.StartTLS(p.tlsConfig()); err != nil {
			return nil, onErr(err)
		}
	}

	if p.cfg.Username != "" {
		auth := p.selectAuth(client)
		if auth != nil {
			if err := client.Auth(auth); err != nil {
				return nil, onErr(err)
			}
		}
	}

	_ = nc.SetDeadline(time.Time{})
	logger.Debug("smtp connection established", "addr", p.addr, "encryption", p.cfg.Encryption)

	return &conn{client: client, raw: nc}, nil
}

// selectAuth picks a mechanism from the server's AUTH advertisement. Some
// providers (notably Microsoft 365) offer only LOGIN.
func (p *Pool) selectAuth(client *smtp.Client) smtp.Auth {
	ok, mechs := client.Extension("AUTH")
	if !ok {
		return nil
	}
	switch {
	case strings.Contains(mechs, "PLAIN"):
		return smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.host)
	case strings.Contains(mechs, "LOGIN"):
		return LoginAuth(p.cfg.Username, p.cfg.Password)
	default:
		return nil
	}
}

func (p *Pool) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName: p.host,
		MinVersion: tls.VersionTLS12,
	}
}

func (p *Pool) maxConnections() int {
	if p.cfg.MaxConnections < 1 {
		return 1
	}
	return p.cfg.MaxConnections
}

func (p *Pool) maxMessages() int {
	if p.cfg.MaxMessages < 1 {
		return 1
	}
	return p.cfg.MaxMessages
}

// shouldReuse reports whether the connection is still usable after err.
// A *textproto.Error is a well-formed SMTP rejection over a healthy session;
// protocol and socket errors mean the session is gone.
func shouldReuse(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return true
	}
	var protoErr textproto.ProtocolError
	if errors.As(err, &protoErr) {
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return false
	}
	return false
}
