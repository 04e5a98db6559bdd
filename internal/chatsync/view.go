package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/feed"
)

// ErrViewClosed is returned by Send after Close.
var ErrViewClosed = errors.New("conversation view closed")

// ViewOptions configures the callbacks of an open View.
type ViewOptions struct {
	// OnChange receives the full ordered timeline after every change. It may
	// be called from the send path and the feed goroutine concurrently.
	OnChange func([]chat.Message)
	// OnError receives a *chat.SubscriptionFailure when the live feed cannot
	// be recovered.
	OnError func(error)
}

// View is one actor's open conversation: a local, deduplicated mirror of the
// message log kept current by the change-feed, plus the draft input.
//
// A message reaches the timeline through the write acknowledgement and
// through the feed; whichever arrives first is merged, the other is a no-op.
type View struct {
	actor          chat.Actor
	conversationID string
	log            *MessageLog
	ack            *AutoAck
	notifier       Notifier
	logger         *slog.Logger
	opts           ViewOptions
	timeline       *chat.Timeline

	mu     sync.Mutex
	draft  string
	armed  []*PendingAck
	sub    *feed.Subscription
	closed bool
	once   sync.Once
}

// openView subscribes before loading history so that no message committed
// in between is missed.
func openView(ctx context.Context, actor chat.Actor, conversationID string, log *MessageLog, ack *AutoAck, notifier Notifier, logger *slog.Logger, opts ViewOptions) (*View, error) {
	v := &View{
		actor:          actor,
		conversationID: conversationID,
		log:            log,
		ack:            ack,
		notifier:       notifier,
		logger:         logger.With("conversation_id", conversationID, "actor", actor.String()),
		opts:           opts,
		timeline:       chat.NewTimeline(),
	}

	sub, err := log.Subscribe(context.WithoutCancel(ctx), conversationID, StreamHandler{
		OnMessage: v.receive,
		OnResync:  v.Resync,
		OnError:   v.escalate,
	})
	if err != nil {
		return nil, err
	}
	v.sub = sub

	history, err := log.ListOrdered(ctx, conversationID)
	if err != nil {
		sub.Close()
		return nil, err
	}
	v.timeline.MergeAll(history)
	v.logger.Debug("conversation view opened", "history", len(history))
	return v, nil
}

func (v *View) ConversationID() string { return v.conversationID }

func (v *View) Actor() chat.Actor { return v.actor }

// Messages returns the ordered timeline.
func (v *View) Messages() []chat.Message {
	return v.timeline.Messages()
}

// Draft returns the current input text.
func (v *View) Draft() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.draft
}

// SetDraft replaces the input text.
func (v *View) SetDraft(text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.draft = text
}

// SendDraft sends the current input text.
func (v *View) SendDraft(ctx context.Context) (*chat.Message, error) {
	return v.Send(ctx, v.Draft())
}

// Send clears the input, appends the message, and merges the stored row into
// the timeline. On failure the input is restored and the timeline is left
// untouched. A successful customer send arms an acknowledgement owned by
// this view.
func (v *View) Send(ctx context.Context, content string) (*chat.Message, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrViewClosed
	}
	v.draft = ""
	v.mu.Unlock()

	m, err := v.log.Append(ctx, v.actor, v.conversationID, content)
	if err != nil {
		v.mu.Lock()
		if v.draft == "" {
			v.draft = content
		}
		v.mu.Unlock()
		if chat.IsWriteFailure(err) {
			v.notifier.Notify(LevelError, "Message not sent. Try again.")
		}
		return nil, err
	}

	v.receive(*m)
	if v.actor.Role == chat.RoleCustomer && v.ack != nil {
		v.arm()
	}
	return m, nil
}

func (v *View) arm() {
	p := v.ack.Arm(v.conversationID)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		p.Cancel()
		return
	}
	live := v.armed[:0]
	for _, q := range v.armed {
		select {
		case <-q.Done():
		default:
			live = append(live, q)
		}
	}
	v.armed = append(live, p)
}

// receive merges one message and reports the change.
func (v *View) receive(m chat.Message) {
	if m.ConversationID != "" && m.ConversationID != v.conversationID {
		return
	}
	if v.timeline.Merge(m) {
		v.changed()
	}
}

// Resync reloads the full history and merges it. It runs after every feed
// reconnect.
func (v *View) Resync(ctx context.Context) error {
	msgs, err := v.log.ListOrdered(ctx, v.conversationID)
	if err != nil {
		return err
	}
	if n := v.timeline.MergeAll(msgs); n > 0 {
		v.logger.Info("resync backfilled messages", "count", n)
		v.changed()
	}
	return nil
}

func (v *View) escalate(err error) {
	v.logger.Error("live updates lost", "error", err)
	v.notifier.Notify(LevelError, "Live updates are unavailable. Reopen the conversation to retry.")
	if v.opts.OnError != nil {
		v.opts.OnError(err)
	}
}

func (v *View) changed() {
	if v.opts.OnChange != nil {
		v.opts.OnChange(v.timeline.Messages())
	}
}

// Close ends the live subscription and cancels every acknowledgement this
// view armed that has not fired yet. It is safe to call more than once.
func (v *View) Close() {
	v.once.Do(func() {
		v.mu.Lock()
		v.closed = true
		armed := v.armed
		v.armed = nil
		v.mu.Unlock()

		v.sub.Close()
		cancelled := 0
		for _, p := range armed {
			if p.Cancel() {
				cancelled++
			}
		}
		v.logger.Debug("conversation view closed", "cancelled_acks", cancelled)
	})
}
