package actioncable

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/chatwoot/chatsync/internal/feed"
)

// Server defaults.
const (
	DefaultPingInterval   = 3 * time.Second
	DefaultMaxConnections = 256
	writeTimeout          = 5 * time.Second
)

// Server publishes a feed.Source to websocket clients. Each confirmed
// subscription holds its own Source subscription; when that ends the client
// gets a reconnectable disconnect frame and is expected to resync.
type Server struct {
	src    feed.Source
	logger *slog.Logger
	sem    *semaphore.Weighted

	// PingInterval is the keepalive period. Clients time out after missing
	// several pings.
	PingInterval time.Duration
	// OriginPatterns is passed to websocket.Accept. Requests without an
	// Origin header are always accepted.
	OriginPatterns []string

	ctx    context.Context
	cancel context.CancelFunc
	active atomic.Int64

	// mu orders handler registration against Close so wg.Add never races
	// wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a Server accepting at most maxConns concurrent
// connections. maxConns <= 0 means DefaultMaxConnections.
func NewServer(src feed.Source, maxConns int64, logger *slog.Logger) *Server {
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		src:          src,
		logger:       logger,
		sem:          semaphore.NewWeighted(maxConns),
		PingInterval: DefaultPingInterval,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Active returns the number of open connections.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Close disconnects every client and waits for their handlers to return.
// Requests arriving afterwards are refused.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// track registers a handler with Close. It reports false once the server is
// closed.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	if !s.sem.TryAcquire(1) {
		s.logger.Warn("rejecting websocket connection", "remote", r.RemoteAddr, "reason", "connection limit")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	s.active.Add(1)
	defer func() {
		s.sem.Release(1)
		s.active.Add(-1)
	}()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{Subprotocol},
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(maxReadSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sess := &session{srv: s, conn: conn, cancel: cancel, subs: make(map[string]context.CancelFunc)}

	stop := context.AfterFunc(s.ctx, func() { sess.disconnect("server_shutdown") })
	defer stop()

	if err := sess.write(ctx, frame{Type: typeWelcome}); err != nil {
		return
	}
	go sess.keepalive(ctx)
	sess.readLoop(ctx)
	sess.closeSubs()
}

// session is one websocket connection.
type session struct {
	srv    *Server
	conn   *websocket.Conn
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	once sync.Once
}

func (ss *session) write(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ss.conn.Write(wctx, websocket.MessageText, data)
}

// disconnect sends a reconnectable disconnect frame and ends the session.
func (ss *session) disconnect(reason string) {
	ss.once.Do(func() {
		reconnect := true
		_ = ss.write(context.Background(), frame{Type: typeDisconn, Reason: reason, Reconnect: &reconnect})
		ss.cancel()
	})
}

func (ss *session) keepalive(ctx context.Context) {
	ticker := time.NewTicker(ss.srv.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			msg := json.RawMessage(strconv.FormatInt(now.Unix(), 10))
			if err := ss.write(ctx, frame{Type: typePing, Message: msg}); err != nil {
				ss.cancel()
				return
			}
		}
	}
}

func (ss *session) readLoop(ctx context.Context) {
	for {
		_, data, err := ss.conn.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			ss.srv.logger.Debug("skipping malformed frame", "error", err)
			continue
		}
		switch f.Command {
		case "subscribe":
			ss.subscribe(ctx, f.Identifier)
		case "unsubscribe":
			ss.unsubscribe(f.Identifier)
		}
	}
}

func validTopic(id ChannelID) bool {
	if id.Channel != FeedChannel {
		return false
	}
	if id.Table != feed.TableMessages && id.Table != feed.TableConversations {
		return false
	}
	return id.Column != "" || id.Value == ""
}

func (ss *session) subscribe(ctx context.Context, identifier string) {
	logger := ss.srv.logger
	id, err := parseChannelID(identifier)
	if err != nil || !validTopic(id) {
		logger.Debug("rejecting subscription", "identifier", identifier)
		_ = ss.write(ctx, frame{Type: typeReject, Identifier: identifier})
		return
	}

	ss.mu.Lock()
	_, exists := ss.subs[identifier]
	ss.mu.Unlock()
	if exists {
		_ = ss.write(ctx, frame{Type: typeConfirm, Identifier: identifier})
		return
	}

	topic := id.Topic()
	subCtx, cancel := context.WithCancel(ctx)
	// Subscribe before confirming so that a client reading history after
	// the confirmation cannot miss a write.
	events, err := ss.srv.src.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		logger.Warn("feed subscribe failed", "topic", topic.String(), "error", err)
		_ = ss.write(ctx, frame{Type: typeReject, Identifier: identifier})
		return
	}

	ss.mu.Lock()
	ss.subs[identifier] = cancel
	ss.mu.Unlock()

	if err := ss.write(ctx, frame{Type: typeConfirm, Identifier: identifier}); err != nil {
		ss.unsubscribe(identifier)
		return
	}
	logger.Debug("subscription confirmed", "topic", topic.String())

	go ss.forward(subCtx, identifier, events)
}

func (ss *session) forward(ctx context.Context, identifier string, events <-chan feed.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					ss.disconnect("feed_closed")
				}
				return
			}
			msg, err := json.Marshal(e)
			if err != nil {
				ss.srv.logger.Warn("dropping unencodable event", "table", e.Table, "error", err)
				continue
			}
			if err := ss.write(ctx, frame{Identifier: identifier, Message: msg}); err != nil {
				ss.cancel()
				return
			}
		}
	}
}

func (ss *session) unsubscribe(identifier string) {
	ss.mu.Lock()
	cancel, ok := ss.subs[identifier]
	delete(ss.subs, identifier)
	ss.mu.Unlock()
	if ok {
		cancel()
	}
}

func (ss *session) closeSubs() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for id, cancel := range ss.subs {
		cancel()
		delete(ss.subs, id)
	}
}
