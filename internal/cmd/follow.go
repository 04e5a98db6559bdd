package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/chatsync"
	"github.com/chatwoot/chatsync/internal/iocontext"
	"github.com/chatwoot/chatsync/internal/outfmt"
)

// messagePrinter prints each message of a timeline exactly once, no matter
// how many times the view reports it.
type messagePrinter struct {
	mu    sync.Mutex
	out   *outfmt.Formatter
	seen  map[string]bool
	ready bool
	err   error
}

func newMessagePrinter(out *outfmt.Formatter) *messagePrinter {
	return &messagePrinter{out: out, seen: make(map[string]bool)}
}

// start prints the last tail messages of history (all when tail < 0) and
// enables printing of later changes.
func (p *messagePrinter) start(history []chat.Message, tail int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if tail >= 0 && len(history) > tail {
		for _, m := range history[:len(history)-tail] {
			p.seen[m.ID] = true
		}
	}
	p.ready = true
	p.printLocked(history)
}

func (p *messagePrinter) print(msgs []chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		p.printLocked(msgs)
	}
}

func (p *messagePrinter) printLocked(msgs []chat.Message) {
	for _, m := range msgs {
		if p.seen[m.ID] {
			continue
		}
		p.seen[m.ID] = true
		if ok, err := p.out.Record(m); ok {
			if err != nil && p.err == nil {
				p.err = err
			}
			continue
		}
		p.out.Println(messageLine(m))
	}
}

func (p *messagePrinter) writeErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func newFollowCmd() *cobra.Command {
	var (
		feedURL string
		tail    int
		noInput bool
	)

	cmd := &cobra.Command{
		Use:   "follow [conversation]",
		Short: "Open a live conversation",
		Long: `Open a conversation as the --as identity and print every message once as
it arrives. The feed reconnects on its own and reloads history after a drop.

Customers may omit the conversation; their own is used (and created on first
contact). Each line typed on stdin is sent, and an acknowledgement follows
when no operator has replied recently. Operators may name the conversation by
ID, customer ID, or customer name.`,
		Example: `  chatsync follow --as customer:cust-42
  chatsync follow --as operator:op-1 "Ada Lovelace"
  chatsync follow --as operator:op-1 <conversation-id> --feed-url ws://127.0.0.1:8787/cable -o jsonl`,
		Args: cobra.MaximumNArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag(cmd)
			if err != nil {
				return err
			}
			if actor.Role == chat.RoleOperator && len(args) == 0 {
				return fmt.Errorf("conversation is required for operators")
			}

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(cmd, runtimeOptions{FeedURL: feedURL})
			if err != nil {
				return err
			}
			defer rt.Close()

			printer := newMessagePrinter(formatter(cmd))
			failures := make(chan error, 1)
			opts := chatsync.ViewOptions{
				OnChange: printer.print,
				OnError: func(err error) {
					select {
					case failures <- err:
					default:
					}
				},
			}

			view, err := openFollowView(ctx, rt, actor, args, opts)
			if err != nil {
				return err
			}
			defer view.Close()

			history := view.Messages()
			printer.start(history, tail)
			rt.logger.Debug("following conversation", "conversation_id", view.ConversationID(), "history", len(history))

			if actor.Role == chat.RoleCustomer && !noInput {
				streams := iocontext.GetIO(ctx)
				if iocontext.IsTerminal(streams.In) {
					_, _ = fmt.Fprintln(streams.ErrOut, "Type a message and press Enter to send. Ctrl-C to leave.")
				}
				go readInput(ctx, view, streams, rt.logger.Warn)
			}

			select {
			case <-ctx.Done():
				return printer.writeErr()
			case err := <-failures:
				return err
			}
		}),
	}

	addActorFlag(cmd)
	cmd.Flags().StringVar(&feedURL, "feed-url", "", "Websocket feed to follow instead of the store's own feed (env CHATSYNC_FEED_URL)")
	cmd.Flags().IntVar(&tail, "tail", 20, "Print the last N messages before following (-1 for all)")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "Do not read messages from stdin")
	return cmd
}

func openFollowView(ctx context.Context, rt *runtime, actor chat.Actor, args []string, opts chatsync.ViewOptions) (*chatsync.View, error) {
	if actor.Role == chat.RoleCustomer {
		conversationID := ""
		if len(args) == 1 {
			conversationID = args[0]
		} else {
			conv, err := rt.svc.EnsureConversation(ctx, actor)
			if err != nil {
				return nil, err
			}
			conversationID = conv.ID
		}
		return rt.svc.OpenConversation(ctx, actor, conversationID, opts)
	}

	inbox := rt.svc.NewInbox()
	if err := inbox.Refresh(ctx); err != nil {
		return nil, err
	}
	conversationID, err := inbox.Resolve(args[0])
	if err != nil {
		return nil, err
	}
	return inbox.Open(ctx, actor, conversationID, opts)
}

// readInput sends each non-blank stdin line through the view until EOF.
// Failed sends are reported and input continues.
func readInput(ctx context.Context, view *chatsync.View, streams *iocontext.IO, warn func(string, ...any)) {
	scanner := bufio.NewScanner(streams.In)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := view.Send(ctx, line); err != nil {
			if errors.Is(err, chatsync.ErrViewClosed) {
				return
			}
			warn("message not sent", "error", err)
			_, _ = fmt.Fprint(streams.ErrOut, HandleError(err))
		}
	}
}
