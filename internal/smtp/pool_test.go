package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/smtp-dispatch/internal/config"
)

// scriptedServer is a minimal SMTP server for exercising the pool. Replies
// to RCPT and end-of-DATA can be queued per test; everything else answers
// with the usual success codes.
type scriptedServer struct {
	ln    net.Listener
	conns int32

	mu       sync.Mutex
	rcpt     []string
	data     []string
	messages []string
}

func newScriptedServer(t *testing.T) *scriptedServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &scriptedServer{ln: ln}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *scriptedServer) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		atomic.AddInt32(&s.conns, 1)
		go s.handle(c)
	}
}

func (s *scriptedServer) pop(q *[]string, def string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(*q) == 0 {
		return def
	}
	r := (*q)[0]
	*q = (*q)[1:]
	return r
}

func (s *scriptedServer) queueRcpt(replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rcpt = append(s.rcpt, replies...)
}

func (s *scriptedServer) queueData(replies ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, replies...)
}

func (s *scriptedServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *scriptedServer) connections() int {
	return int(atomic.LoadInt32(&s.conns))
}

func (s *scriptedServer) handle(conn net.Conn) {
	defer conn.Close()
	fmt.Fprintf(conn, "220 scripted ESMTP\r\n")

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		cmd := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch cmd {
		case "EHLO", "HELO":
			fmt.Fprintf(conn, "250-scripted\r\n250 AUTH PLAIN LOGIN\r\n")
		case "AUTH":
			fmt.Fprintf(conn, "235 OK\r\n")
		case "MAIL":
			fmt.Fprintf(conn, "250 OK\r\n")
		case "RCPT":
			fmt.Fprintf(conn, "%s\r\n", s.pop(&s.rcpt, "250 OK"))
		case "DATA":
			fmt.Fprintf(conn, "354 Go ahead\r\n")
			var sb strings.Builder
			for sc.Scan() {
				if sc.Text() == "." {
					break
				}
				sb.WriteString(sc.Text())
				sb.WriteString("\n")
			}
			s.mu.Lock()
			s.messages = append(s.messages, sb.String())
			s.mu.Unlock()
			fmt.Fprintf(conn, "%s\r\n", s.pop(&s.data, "250 OK queued"))
		case "RSET", "NOOP":
			fmt.Fprintf(conn, "250 OK\r\n")
		case "QUIT":
			fmt.Fprintf(conn, "221 Bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "500 unknown\r\n")
		}
	}
}

func testConfig(t *testing.T, s *scriptedServer) config.SMTPConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return config.SMTPConfig{
		Host:              host,
		Port:              port,
		Encryption:        "none",
		MaxConnections:    2,
		MaxMessages:       50,
		ConnectTimeoutMS:  2000,
		GreetingTimeoutMS: 2000,
		SocketTimeoutMS:   2000,
	}
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(config.SMTPConfig{Encryption: "starttls"})
	assert.Error(t, err, "missing host is rejected")

	_, err = NewPool(config.SMTPConfig{Host: "mail.example.com", Encryption: "rot13"})
	assert.Error(t, err, "unknown encryption mode is rejected")
}

func TestSendDeliversMessage(t *testing.T) {
	srv := newScriptedServer(t)
	pool, err := NewPool(testConfig(t, srv))
	require.NoError(t, err)
	defer pool.Close()

	body := []byte("Subject: hi\r\n\r\nhello\r\n")
	err = pool.Send(context.Background(), "news@ignite.media", "u@example.com", body)
	require.NoError(t, err)

	msgs := srv.received()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Subject: hi")
}

func TestSendAuthenticates(t *testing.T) {
	srv := newScriptedServer(t)
	cfg := testConfig(t, srv)
	cfg.Username = "mailer"
	cfg.Password = "secret"

	pool, err := NewPool(cfg)
	require.NoError(t, err)
	defer pool.Close()

	err = pool.Send(context.Background(), "news@ignite.media", "u@example.com", []byte("x\r\n"))
	require.NoError(t, err)
}

func TestSendReusesConnection(t *testing.T) {
	srv := newScriptedServer(t)
	pool, err := NewPool(testConfig(t, srv))
	require.NoError(t, err)
	defer pool.Close()

	for i := 0; i < 3; i++ {
		err := pool.Send(context.Background(), "news@ignite.media", "u@example.com", []byte("x\r\n"))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, srv.connections(), "sequential sends share one session")
	assert.Len(t, srv.received(), 3)
}

func TestSendRecyclesAfterMaxMessages(t *testing.T) {
	srv := newScriptedServer(t)
	cfg := testConfig(t, srv)
	cfg.MaxMessages = 2

	pool, err := NewPool(cfg)
	require.NoError(t, err)
	defer pool.Close()

	for i := 0; i < 3; i++ {
		err := pool.Send(context.Background(), "news@ignite.media", "u@example.com", []byte("x\r\n"))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, srv.connections(), "third transaction runs on a fresh session")
}

func TestSendSurfacesServerRejection(t *testing.T) {
	srv := newScriptedServer(t)
	srv.queueRcpt("550 5.1.1 no such user")

	pool, err := NewPool(testConfig(t, srv))
	require.NoError(t, err)
	defer pool.Close()

	err = pool.Send(context.Background(), "news@ignite.media", "nobody@example.com", []byte("x\r\n"))
	require.Error(t, err)

	var tpErr *textproto.Error
	require.True(t, errors.As(err, &tpErr), "server replies surface as textproto errors")
	assert.Equal(t, 550, tpErr.Code)

	// The session survived the rejection and is reused after RSET.
	err = pool.Send(context.Background(), "news@ignite.media", "u@example.com", []byte("x\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, srv.connections())
}

func TestSendSurfacesDataRejection(t *testing.T) {
	srv := newScriptedServer(t)
	srv.queueData("421 4.7.0 try again later")

	pool, err := NewPool(testConfig(t, srv))
	require.NoError(t, err)
	defer pool.Close()

	err = pool.Send(context.Background(), "news@ignite.media", "u@example.com", []byte("x\r\n"))
	require.Error(t, err)

	var tpErr *textproto.Error
	require.True(t, errors.As(err, &tpErr))
	assert.Equal(t, 421, tpErr.Code)
}

func TestSendRequiresSTARTTLS(t *testing.T) {
	srv := newScriptedServer(t)
	cfg := testConfig(t, srv)
	cfg.Encryption = "starttls"

	pool, err := NewPool(cfg)
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	err = pool.Send(ctx, "news@ignite.media", "u@example.com", []byte("x\r\n"))
	assert.Error(t, err, "no session can be built against a server without STARTTLS")
}

func TestSendHonorsContext(t *testing.T) {
	// Port 1 is closed, so every dial fails and checkout can never
	// succeed. Send must give up with the context.
	pool, err := NewPool(config.SMTPConfig{
		Host:              "127.0.0.1",
		Port:              1, // closed port
		Encryption:        "none",
		MaxConnections:    1,
		MaxMessages:       10,
		ConnectTimeoutMS:  100,
		GreetingTimeoutMS: 100,
		SocketTimeoutMS:   100,
	})
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = pool.Send(ctx, "news@ignite.media", "u@example.com", []byte("x\r\n"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestShouldReuse(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"smtp rejection", &textproto.Error{Code: 550, Msg: "no"}, true},
		{"protocol error", textproto.ProtocolError("short response"), false},
		{"plain error", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, shouldReuse(tt.err))
		})
	}
}
