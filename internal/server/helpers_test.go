package server

import (
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/database"
	"github.com/Tyrowin/relaychat/internal/history"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testTimeout = 5 * time.Second

// fakeTransport records writes and counts closes. Reads block until Close.
// When writeErr is set every write fails with it.
type fakeTransport struct {
	addr     string
	writeErr error

	mu      sync.Mutex
	written []string

	closes    atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport(addr string) *fakeTransport {
	return &fakeTransport{addr: addr, closed: make(chan struct{})}
}

func (f *fakeTransport) ReadLine() (string, error) {
	<-f.closed
	return "", io.EOF
}

func (f *fakeTransport) WriteString(s string) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	f.written = append(f.written, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetReadDeadline(time.Time) error { return nil }

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return f.addr }

func (f *fakeTransport) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.written)
}

// memStore is an in-memory history.Gateway with failure hooks.
type memStore struct {
	mu      sync.Mutex
	rooms   map[string]bool
	records map[string][]history.Record

	createErr error
	existsErr error
	// failAppend, when set, decides per record whether Append fails.
	failAppend func(history.Record) bool
}

var errStoreDown = errors.New("store unavailable")

func newMemStore() *memStore {
	return &memStore{
		rooms:   make(map[string]bool),
		records: make(map[string][]history.Record),
	}
}

func (m *memStore) RoomExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.rooms[name], nil
}

func (m *memStore) CreateRoom(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.rooms[name] {
		return history.ErrRoomExists
	}
	m.rooms[name] = true
	return nil
}

func (m *memStore) Append(_ context.Context, rec history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil && m.failAppend(rec) {
		return errStoreDown
	}
	m.records[rec.Room] = append(m.records[rec.Room], rec)
	return nil
}

func (m *memStore) Replay(_ context.Context, name string) iter.Seq2[history.Record, error] {
	m.mu.Lock()
	records := slices.Clone(m.records[name])
	m.mu.Unlock()
	return func(yield func(history.Record, error) bool) {
		for _, rec := range records {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (m *memStore) texts(room string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	texts := make([]string, 0, len(m.records[room]))
	for _, rec := range m.records[room] {
		texts = append(texts, rec.Text)
	}
	return texts
}

// testConfig is the sanitised default configuration with a queue size.
func testConfig(queue int) Config {
	cfg := sanitizeConfig(defaultConfig())
	cfg.SendQueueSize = queue
	cfg.RateLimit = RateLimitConfig{Burst: 1000, RefillInterval: time.Second}
	return cfg
}

// newTestSession builds a session over a fake transport without running it.
func newTestSession(t *testing.T, reg *Registry, name string, queue int) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(name)
	s := NewSession(ft, reg, nil, testConfig(queue))
	s.setUsername(name)
	return s, ft
}

// drainQueue returns everything currently queued for s.
func drainQueue(s *Session) []string {
	var lines []string
	for {
		select {
		case line := <-s.send:
			lines = append(lines, line)
		default:
			return lines
		}
	}
}

// testServer bundles a started server with the stores behind it.
type testServer struct {
	srv     *Server
	history history.Gateway
}

// startTestServer runs a server on loopback with SQLite stores in a temporary
// directory. store, when non-nil, replaces the SQLite history store.
func startTestServer(t *testing.T, store history.Gateway, mutate func(*Config)) *testServer {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	credentials, err := auth.NewStore(db, auth.NewPasswordHasher(bcrypt.MinCost))
	require.NoError(t, err)

	if store == nil {
		store, err = history.NewSQLStore(db)
		require.NoError(t, err)
	}

	cfg := NewConfig()
	cfg.ChatAddr = "127.0.0.1:0"
	cfg.HTTPAddr = ""
	cfg.RateLimit = RateLimitConfig{Burst: 1000, RefillInterval: time.Second}
	if mutate != nil {
		mutate(cfg)
	}

	srv := NewServer(cfg, credentials, store)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &testServer{srv: srv, history: store}
}

// chatClient speaks the line protocol against a test server.
type chatClient struct {
	t       *testing.T
	conn    net.Conn
	pending string
}

func dialChat(t *testing.T, addr string) *chatClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &chatClient{t: t, conn: conn}
}

func (c *chatClient) send(line string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(testTimeout)))
	_, err := io.WriteString(c.conn, line+"\n")
	require.NoError(c.t, err)
}

// fill reads one chunk into pending.
func (c *chatClient) fill(deadline time.Time) error {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	n, err := c.conn.Read(buf)
	c.pending += string(buf[:n])
	return err
}

// expect waits for substr and consumes output up to and including it. It
// returns the text that preceded substr.
func (c *chatClient) expect(substr string) string {
	c.t.Helper()
	matched, skipped := c.expectAny(substr)
	require.Equal(c.t, substr, matched)
	return skipped
}

// expectAny waits for the first of candidates to appear.
func (c *chatClient) expectAny(candidates ...string) (string, string) {
	c.t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		best, bestIdx := "", -1
		for _, cand := range candidates {
			if idx := strings.Index(c.pending, cand); idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
				best, bestIdx = cand, idx
			}
		}
		if bestIdx >= 0 {
			skipped := c.pending[:bestIdx]
			c.pending = c.pending[bestIdx+len(best):]
			return best, skipped
		}
		if err := c.fill(deadline); err != nil {
			c.t.Fatalf("waiting for %q: %v (received %q)", candidates, err, c.pending)
		}
	}
}

// expectClosed waits for the server to close the connection.
func (c *chatClient) expectClosed() {
	c.t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		err := c.fill(deadline)
		if errors.Is(err, io.EOF) {
			return
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatalf("connection still open (received %q)", c.pending)
		}
		if err != nil {
			return
		}
	}
}

func (c *chatClient) signUp(username, password string) {
	c.t.Helper()
	c.expect(promptAuthChoice)
	c.send("2")
	c.expect(promptUsername)
	c.send(username)
	c.expect(promptPassword)
	c.send(password)
}

func (c *chatClient) logIn(username, password string) {
	c.t.Helper()
	c.expect(promptAuthChoice)
	c.send("1")
	c.expect(promptUsername)
	c.send(username)
	c.expect(promptPassword)
	c.send(password)
}

// enter picks create ("1") or join ("2") and submits name.
func (c *chatClient) enter(choice, name string) {
	c.t.Helper()
	c.expect(promptRoomChoice)
	c.send(choice)
	if choice == "1" {
		c.expect(promptCreateRoom)
	} else {
		c.expect(promptJoinRoom)
	}
	c.send(name)
}
