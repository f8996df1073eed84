// Package server runs one chat session per connection: authentication, room
// selection, history replay and the receive loop, followed by a single
// teardown path that always deregisters the session from its room.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/relaychat/internal/auth"
	"github.com/Tyrowin/relaychat/internal/history"
	"github.com/google/uuid"
)

// State is the position of a session in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateSelectingRoom
	StateChatting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSelectingRoom:
		return "selecting-room"
	case StateChatting:
		return "chatting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	leaveTimeout        = 5 * time.Second
	defaultFlushTimeout = 10 * time.Second
)

var (
	errInvalidChoice   = errors.New("invalid menu choice")
	errTooManyAttempts = errors.New("too many failed login attempts")
	errSendFailed      = errors.New("outbound queue rejected message")
)

// Session is one client connection and the user behind it.
type Session struct {
	id       string
	conn     Transport
	registry *Registry
	auth     auth.Gateway
	cfg      Config
	limiter  *rateLimiter

	state atomic.Int32

	mu       sync.Mutex
	username string
	room     *Room

	send      chan string
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	// Owned by the session goroutine.
	writerStarted bool
	flushReq      chan struct{}
	pumpDone      chan struct{}
}

// NewSession prepares a session over t. cfg.SendQueueSize bounds the outbound
// queue; zero makes every delivery fail unless the writer is waiting.
func NewSession(t Transport, registry *Registry, gateway auth.Gateway, cfg Config) *Session {
	queue := cfg.SendQueueSize
	if queue < 0 {
		queue = 0
	}
	return &Session{
		id:       uuid.NewString(),
		conn:     t,
		registry: registry,
		auth:     gateway,
		cfg:      cfg,
		limiter:  newRateLimiter(cfg.RateLimit),
		send:     make(chan string, queue),
		done:     make(chan struct{}),
		flushReq: make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Username returns the authenticated user, or "" before login.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

func (s *Session) setUsername(username string) {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()
}

// Room returns the room the session is bound to, or nil.
func (s *Session) Room() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Session) String() string {
	if username := s.Username(); username != "" {
		return fmt.Sprintf("%s (%s@%s)", s.id, username, s.conn.RemoteAddr())
	}
	return fmt.Sprintf("%s (%s)", s.id, s.conn.RemoteAddr())
}

// bind attaches the session to room. A session belongs to one room for its
// whole life.
func (s *Session) bind(room *Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room != nil && s.room != room {
		return ErrSessionBound
	}
	s.room = room
	return nil
}

func (s *Session) isClosed() bool {
	return s.closed.Load()
}

// Run drives the session until the peer leaves or the connection fails.
// Teardown runs on every exit path, including a panic.
func (s *Session) Run(ctx context.Context) {
	log.Printf("[session] %s connected", s)
	defer s.teardown()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[session] %s recovered from panic: %v", s, r)
		}
	}()

	err := s.run(ctx)
	switch {
	case err == nil:
	case isDisconnect(err):
		log.Printf("[session] %s disconnected: %v", s, err)
	default:
		log.Printf("[session] %s ended: %v", s, err)
	}
}

func (s *Session) run(ctx context.Context) error {
	s.setState(StateAuthenticating)
	if err := s.authenticate(ctx); err != nil {
		return err
	}

	s.setState(StateSelectingRoom)
	room, records, err := s.selectRoom(ctx)
	if err != nil {
		return err
	}

	s.setState(StateChatting)
	if err := s.replay(records); err != nil {
		return err
	}
	s.startWriter()
	return s.chat(ctx, room)
}

// authenticate runs the top-level menu. Anything but 1 or 2 ends the session.
func (s *Session) authenticate(ctx context.Context) error {
	choice, err := s.prompt(promptAuthChoice)
	if err != nil {
		return err
	}

	switch choice {
	case "1":
		return s.login(ctx)
	case "2":
		return s.signUp(ctx)
	default:
		_ = s.write(msgInvalidAuthChoice)
		return errInvalidChoice
	}
}

func (s *Session) login(ctx context.Context) error {
	failures := 0
	for {
		username, password, err := s.readCredentials()
		if err != nil {
			return err
		}

		ok, err := s.auth.Verify(ctx, username, password)
		if err != nil {
			return s.storeFailure("verify credentials", err)
		}
		if ok {
			s.setUsername(username)
			log.Printf("[auth] %s logged in", s)
			return nil
		}

		failures++
		log.Printf("[auth] Failed login for %q from %s (%d)", username, s.conn.RemoteAddr(), failures)
		if err := s.write(msgInvalidCredentials); err != nil {
			return err
		}
		if limit := s.cfg.MaxLoginAttempts; limit > 0 && failures >= limit {
			_ = s.write(msgTooManyAttempts)
			return errTooManyAttempts
		}

		answer, err := s.prompt(promptSignUp)
		if err != nil {
			return err
		}
		if answer == "1" {
			return s.signUp(ctx)
		}
	}
}

func (s *Session) signUp(ctx context.Context) error {
	for {
		username, password, err := s.readCredentials()
		if err != nil {
			return err
		}
		if strings.EqualFold(username, history.SystemAuthor) {
			if err := s.write(msgUsernameTaken); err != nil {
				return err
			}
			continue
		}

		err = s.auth.Register(ctx, username, password)
		switch {
		case err == nil:
			s.setUsername(username)
			log.Printf("[auth] %s signed up", s)
			return nil
		case errors.Is(err, auth.ErrUserExists):
			if err := s.write(msgUsernameTaken); err != nil {
				return err
			}
		default:
			return s.storeFailure("register", err)
		}
	}
}

// readCredentials prompts until it gets a valid username and a non-empty
// password.
func (s *Session) readCredentials() (string, string, error) {
	for {
		username, err := s.prompt(promptUsername)
		if err != nil {
			return "", "", err
		}
		password, err := s.prompt(promptPassword)
		if err != nil {
			return "", "", err
		}

		if username == "" || password == "" {
			if err := s.write(msgEmptyCredentials); err != nil {
				return "", "", err
			}
			continue
		}
		if !validName(username, maxUsernameLength) {
			if err := s.write(msgInvalidUsername); err != nil {
				return "", "", err
			}
			continue
		}
		return username, password, nil
	}
}

// selectRoom loops until the session is a member of a room. Conflicts and
// invalid input re-prompt; store failures end the session.
func (s *Session) selectRoom(ctx context.Context) (*Room, []history.Record, error) {
	for {
		choice, err := s.prompt(promptRoomChoice)
		if err != nil {
			return nil, nil, err
		}

		var intent Intent
		var namePrompt string
		switch choice {
		case "1":
			intent, namePrompt = IntentCreate, promptCreateRoom
		case "2":
			intent, namePrompt = IntentJoin, promptJoinRoom
		default:
			if err := s.write(msgInvalidRoomChoice); err != nil {
				return nil, nil, err
			}
			continue
		}

		name, err := s.prompt(namePrompt)
		if err != nil {
			return nil, nil, err
		}
		if !validName(name, maxRoomNameLength) {
			if err := s.write(msgInvalidRoomName); err != nil {
				return nil, nil, err
			}
			continue
		}

		room, records, err := s.registry.Enter(ctx, name, intent, s)
		switch {
		case err == nil:
			return room, records, nil
		case errors.Is(err, ErrRoomExists):
			err = s.write(msgRoomExists)
		case errors.Is(err, ErrRoomNotFound):
			err = s.write(msgRoomNotFound)
		default:
			return nil, nil, s.storeFailure("enter room", err)
		}
		if err != nil {
			return nil, nil, err
		}
	}
}

// replay writes history straight to the transport. Live messages posted
// meanwhile wait in the outbound queue until the writer starts.
func (s *Session) replay(records []history.Record) error {
	if len(records) == 0 {
		return s.write(history.EmptyNotice + "\n")
	}
	var b strings.Builder
	for _, rec := range records {
		b.WriteString(rec.Line())
		b.WriteByte('\n')
	}
	return s.write(b.String())
}

func (s *Session) chat(ctx context.Context, room *Room) error {
	username := s.Username()
	for {
		line, err := s.readLine()
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if line == exitCommand {
			log.Printf("[session] %s left %q", s, room.Name())
			return nil
		}

		if !s.limiter.allow() {
			log.Printf("[session] Rate limit exceeded for %s (%d messages per %s); discarding message",
				s, s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval)
			if err := s.write(msgRateLimited); err != nil {
				return err
			}
			continue
		}

		if err := room.Post(ctx, s, username, line); err != nil {
			return s.storeFailure("post message", err)
		}
	}
}

// prompt writes text and reads the answer.
func (s *Session) prompt(text string) (string, error) {
	if err := s.write(text); err != nil {
		return "", err
	}
	return s.readLine()
}

// readLine reads one trimmed line, applying the idle timeout when set.
func (s *Session) readLine() (string, error) {
	if s.cfg.IdleTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return "", err
		}
	}
	line, err := s.conn.ReadLine()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// write sends text to the peer. Before the writer starts the session goroutine
// is the only writer and writes directly; afterwards text goes through the
// outbound queue so that it stays ordered with broadcasts.
func (s *Session) write(text string) error {
	if !s.writerStarted {
		return s.conn.WriteString(text)
	}
	if !s.deliver(text) {
		return errSendFailed
	}
	return nil
}

// deliver enqueues line without blocking. It fails when the session is closed
// or its queue is full.
func (s *Session) deliver(line string) bool {
	if s.closed.Load() {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- line:
		return true
	default:
		return false
	}
}

// storeFailure tells the user about a backend error and returns it wrapped.
func (s *Session) storeFailure(op string, err error) error {
	log.Printf("[session] %s: %s failed: %v", s, op, err)
	_ = s.write(msgServerError)
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Session) startWriter() {
	s.writerStarted = true
	go s.writePump()
}

// writePump is the only writer once chat starts. It exits when the session
// closes, on the first failed write, or after draining on a flush request.
func (s *Session) writePump() {
	defer close(s.pumpDone)

	for {
		select {
		case line := <-s.send:
			if !s.writeQueued(line) {
				return
			}
		case <-s.flushReq:
			s.drain()
			return
		case <-s.done:
			return
		}
	}
}

// drain writes whatever is already queued.
func (s *Session) drain() {
	for {
		select {
		case line := <-s.send:
			if !s.writeQueued(line) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) writeQueued(line string) bool {
	if err := s.conn.WriteString(line); err != nil {
		if !s.isClosed() && !isExpectedCloseError(err) {
			log.Printf("[session] Write to %s failed: %v", s, err)
		}
		s.drop()
		return false
	}
	return true
}

// drop removes the session from its room and closes it.
func (s *Session) drop() {
	if room := s.Room(); room != nil {
		room.Remove(s)
	}
	s.close()
}

// flush asks the writer to send what is queued and waits for it, bounded by
// the write timeout.
func (s *Session) flush() {
	if !s.writerStarted {
		return
	}
	close(s.flushReq)

	timeout := s.cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.pumpDone:
	case <-timer.C:
		log.Printf("[session] %s flush timed out", s)
	}
}

// teardown announces the departure, deregisters the session and closes the
// transport.
func (s *Session) teardown() {
	room := s.Room()
	if room != nil && s.State() == StateChatting {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		text := fmt.Sprintf(leaveAnnouncementLabel, s.Username())
		if err := room.Post(ctx, s, history.SystemAuthor, text); err != nil {
			log.Printf("[session] %s: recording departure failed: %v", s, err)
		}
		cancel()
	}

	s.flush()
	if room != nil {
		room.Remove(s)
	}
	s.close()
	s.setState(StateClosed)
	log.Printf("[session] %s closed", s)
}

// close marks the session closed and closes its transport. Safe to call from
// any goroutine any number of times; the transport is closed once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Printf("[session] Error closing connection for %s: %v", s, err)
		}
	})
}
