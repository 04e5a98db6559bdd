package chatsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chatwoot/chatsync/internal/chat"
)

const (
	DefaultAckDelay    = 1500 * time.Millisecond
	DefaultAckCooldown = 60 * time.Second
	DefaultAckText     = "Thanks for your message! An operator will reply shortly."

	ackWriteTimeout = 10 * time.Second
)

// AckState is the lifecycle state of one armed acknowledgement.
type AckState int

const (
	AckArmed AckState = iota
	ackWriting
	AckSuppressed
	AckFired
	AckCancelled
	AckFailed
)

func (s AckState) String() string {
	switch s {
	case AckArmed:
		return "armed"
	case ackWriting:
		return "writing"
	case AckSuppressed:
		return "suppressed"
	case AckFired:
		return "fired"
	case AckCancelled:
		return "cancelled"
	case AckFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PendingAck is a single armed acknowledgement.
type PendingAck struct {
	ack            *AutoAck
	conversationID string
	timer          *time.Timer
	done           chan struct{}

	state   AckState      // guarded by ack.mu
	message *chat.Message // set when fired
}

func (p *PendingAck) ConversationID() string { return p.conversationID }

// State returns the current state.
func (p *PendingAck) State() AckState {
	p.ack.mu.Lock()
	defer p.ack.mu.Unlock()
	return p.state
}

// Message returns the acknowledgement written when the state is AckFired.
func (p *PendingAck) Message() *chat.Message {
	p.ack.mu.Lock()
	defer p.ack.mu.Unlock()
	return p.message
}

// Done is closed once the acknowledgement reaches a final state.
func (p *PendingAck) Done() <-chan struct{} { return p.done }

// Cancel stops the acknowledgement if it has not started writing. It reports
// whether this call cancelled it.
func (p *PendingAck) Cancel() bool {
	a := p.ack
	a.mu.Lock()
	defer a.mu.Unlock()
	if p.state != AckArmed {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	a.finishLocked(p, AckCancelled)
	return true
}

// AutoAck writes a fixed acknowledgement a short delay after a customer
// message, unless a human operator replied within the cooldown.
//
// Acknowledgements are written as chat.SystemActor, so they are durable and
// arrive through the change-feed like any operator message.
type AutoAck struct {
	log    *MessageLog
	logger *slog.Logger

	Delay    time.Duration
	Cooldown time.Duration
	Text     string
	Notifier Notifier
	// Now is the clock the cooldown is measured against.
	Now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[*PendingAck]struct{}
	stopped bool
	wg      sync.WaitGroup
}

func NewAutoAck(log *MessageLog, logger *slog.Logger) *AutoAck {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AutoAck{
		log:      log,
		logger:   logger,
		Delay:    DefaultAckDelay,
		Cooldown: DefaultAckCooldown,
		Text:     DefaultAckText,
		Notifier: NopNotifier{},
		Now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[*PendingAck]struct{}),
	}
}

// Arm schedules an acknowledgement for the conversation. Every call arms
// independently; each re-checks the cooldown when it fires. Arm never blocks.
func (a *AutoAck) Arm(conversationID string) *PendingAck {
	p := &PendingAck{ack: a, conversationID: conversationID, done: make(chan struct{})}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		p.state = AckCancelled
		close(p.done)
		return p
	}
	a.pending[p] = struct{}{}
	a.wg.Add(1)
	p.timer = time.AfterFunc(a.Delay, func() { a.fire(p) })
	a.logger.Debug("auto-ack armed", "conversation_id", conversationID, "delay", a.Delay)
	return p
}

// Cancel cancels every armed acknowledgement for the conversation and
// returns how many were cancelled.
func (a *AutoAck) Cancel(conversationID string) int {
	a.mu.Lock()
	var matched []*PendingAck
	for p := range a.pending {
		if p.conversationID == conversationID {
			matched = append(matched, p)
		}
	}
	a.mu.Unlock()

	n := 0
	for _, p := range matched {
		if p.Cancel() {
			n++
		}
	}
	return n
}

// Pending returns the number of unfinished acknowledgements for the
// conversation.
func (a *AutoAck) Pending(conversationID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for p := range a.pending {
		if p.conversationID == conversationID {
			n++
		}
	}
	return n
}

// Stop cancels everything armed, aborts in-flight writes, and waits for
// them to finish. Later Arm calls return already-cancelled acknowledgements.
func (a *AutoAck) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		a.wg.Wait()
		return
	}
	a.stopped = true
	all := make([]*PendingAck, 0, len(a.pending))
	for p := range a.pending {
		all = append(all, p)
	}
	a.mu.Unlock()

	for _, p := range all {
		p.Cancel()
	}
	a.cancel()
	a.wg.Wait()
}

func (a *AutoAck) fire(p *PendingAck) {
	a.mu.Lock()
	if p.state != AckArmed {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(a.ctx, ackWriteTimeout)
	defer cancel()
	logger := a.logger.With("conversation_id", p.conversationID)

	reply, err := a.log.LatestHumanReply(ctx, p.conversationID)
	if err != nil {
		logger.Warn("auto-ack cooldown check failed", "error", err)
		a.finish(p, AckFailed, nil)
		return
	}
	if reply != nil && a.Now().Sub(reply.CreatedAt) < a.Cooldown {
		logger.Debug("auto-ack suppressed", "operator_reply_at", reply.CreatedAt)
		a.finish(p, AckSuppressed, nil)
		return
	}

	a.mu.Lock()
	if p.state != AckArmed {
		// Cancelled while checking.
		a.mu.Unlock()
		return
	}
	p.state = ackWriting
	a.mu.Unlock()

	m, err := a.log.Append(ctx, chat.SystemActor(), p.conversationID, a.Text)
	if err != nil {
		logger.Warn("auto-ack write failed", "error", err)
		a.Notifier.Notify(LevelWarn, "automatic acknowledgement could not be sent")
		a.finish(p, AckFailed, nil)
		return
	}
	logger.Info("auto-ack sent", "message_id", m.ID)
	a.finish(p, AckFired, m)
}

func (a *AutoAck) finish(p *PendingAck, state AckState, m *chat.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p.state != AckArmed && p.state != ackWriting {
		return
	}
	p.message = m
	a.finishLocked(p, state)
}

func (a *AutoAck) finishLocked(p *PendingAck, state AckState) {
	p.state = state
	delete(a.pending, p)
	close(p.done)
	a.wg.Done()
}
