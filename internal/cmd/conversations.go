package cmd

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/chatsync"
	"github.com/chatwoot/chatsync/internal/cli"
	"github.com/chatwoot/chatsync/internal/dryrun"
	"github.com/chatwoot/chatsync/internal/iocontext"
	"github.com/chatwoot/chatsync/internal/store"
	"github.com/chatwoot/chatsync/internal/validation"
)

func newEnsureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure <customer-id>",
		Short: "Get or create a customer's conversation",
		Long: `Return the customer's conversation, creating it on first contact.

Concurrent callers for the same customer always get the same conversation.`,
		Example: "  chatsync ensure cust-42\n  chatsync ensure cust-42 -o json --jq .id",
		Args:    cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			customer := chat.Actor{ID: strings.TrimSpace(args[0]), Role: chat.RoleCustomer}
			conv, err := rt.svc.EnsureConversation(cmdContext(cmd), customer)
			if err != nil {
				return err
			}

			out := formatter(cmd)
			if ok, err := out.Output(conv); ok {
				return err
			}
			out.Println(fmt.Sprintf("Conversation %s (customer %s)", conv.ID, conv.CustomerID))
			return nil
		}),
	}
}

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a message without opening a live view",
		Long: `Append a message to a conversation as the --as identity.

Use "-" as the text to read it from stdin. A headless send does not schedule
an acknowledgement; use "follow" for an interactive customer session.`,
		Example: `  chatsync send --as operator:op-1 <conversation-id> "On it!"
  echo "Hello" | chatsync send --as customer:cust-42 <conversation-id> -`,
		Args: cobra.MinimumNArgs(2),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag(cmd)
			if err != nil {
				return err
			}
			content := strings.Join(args[1:], " ")
			if content == "-" {
				data, err := io.ReadAll(iocontext.GetIO(cmdContext(cmd)).In)
				if err != nil {
					return fmt.Errorf("read message from stdin: %w", err)
				}
				content = strings.TrimRight(string(data), "\r\n")
			}

			rt, err := newRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmdContext(cmd)

			if dryrun.IsEnabled(ctx) {
				if err := validation.ValidateMessageContent(content); err != nil {
					return err
				}
				if _, err := rt.svc.Conversation(ctx, actor, args[0]); err != nil {
					return err
				}
				preview := dryrun.New("send a message", args[0], actor.String()).
					Set("content", store.Preview(content)).
					Set("length", strconv.Itoa(utf8.RuneCountInString(content)))
				if actor.Role == chat.RoleCustomer {
					preview.Warn("a headless send does not schedule an acknowledgement")
				}
				return writePreview(cmd, preview)
			}

			msg, err := rt.svc.Send(ctx, actor, args[0], content)
			if err != nil {
				return err
			}

			out := formatter(cmd)
			if ok, err := out.Output(msg); ok {
				return err
			}
			out.Println("Sent " + msg.ID)
			return nil
		}),
	}
	addActorFlag(cmd)
	return cmd
}

const defaultFuzzyLimit = 10

func newListCmd() *cobra.Command {
	var (
		fuzzy bool
		limit int
		since string
	)

	cmd := &cobra.Command{
		Use:   "list [filter]",
		Short: "List conversations, most recently active first",
		Long: `List every conversation with its operator unread count.

The filter matches customer display name, email, or phone (case-insensitive
substring). With --fuzzy the filter is ranked as a fuzzy query instead.`,
		Example: `  chatsync list
  chatsync list ada
  chatsync list --since yesterday
  chatsync list --fuzzy adlvc -o json`,
		Aliases: []string{"ls"},
		Args:    cobra.MaximumNArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			filterText := ""
			if len(args) == 1 {
				filterText = args[0]
			}
			if fuzzy && strings.TrimSpace(filterText) == "" {
				return fmt.Errorf("a filter is required with --fuzzy")
			}
			var cutoff time.Time
			if since != "" {
				t, err := cli.ParseSince(since, time.Now())
				if err != nil {
					return err
				}
				cutoff = t
			}

			rt, err := newRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			ctx := cmdContext(cmd)
			out := formatter(cmd)

			if fuzzy {
				inbox := rt.svc.NewInbox()
				if err := inbox.Refresh(ctx); err != nil {
					return err
				}
				n := limit
				if n <= 0 {
					n = defaultFuzzyLimit
				}
				entries := inbox.Search(filterText, n)
				entries = slices.DeleteFunc(entries, func(e chatsync.InboxEntry) bool {
					return e.Conversation.LastActivityAt.Before(cutoff)
				})
				if ok, err := out.Output(entries); ok {
					return err
				}
				if len(entries) == 0 {
					out.Empty("No matching conversations")
					return nil
				}
				out.StartTable([]string{"ID", "CUSTOMER", "UNREAD", "PREVIEW"})
				for _, e := range entries {
					c := e.Conversation
					out.Row(c.ID, e.Label(), strconv.Itoa(c.UnreadForOperator), c.LastMessagePreview)
				}
				return out.EndTable()
			}

			convs, err := rt.svc.ListConversations(ctx, filterText)
			if err != nil {
				return err
			}
			convs = slices.DeleteFunc(convs, func(c chat.Conversation) bool {
				return c.LastActivityAt.Before(cutoff)
			})
			if limit > 0 && len(convs) > limit {
				convs = convs[:limit]
			}
			if ok, err := out.Output(convs); ok {
				return err
			}
			if len(convs) == 0 {
				out.Empty("No conversations found")
				return nil
			}
			out.StartTable([]string{"ID", "CUSTOMER", "UNREAD", "LAST ACTIVITY", "PREVIEW"})
			for _, c := range convs {
				out.Row(c.ID, c.CustomerID, strconv.Itoa(c.UnreadForOperator),
					c.LastActivityAt.Local().Format("2006-01-02 15:04"), c.LastMessagePreview)
			}
			return out.EndTable()
		}),
	}

	cmd.Flags().BoolVar(&fuzzy, "fuzzy", false, "Rank conversations by fuzzy match of the filter")
	cmd.Flags().StringVar(&since, "since", "", "Only conversations active since then (2h, 3d ago, yesterday, mon, 2026-01-31)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of conversations (0 = all, or 10 with --fuzzy)")
	return cmd
}

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "read <conversation-id>",
		Short:   "Mark a conversation read for the acting side",
		Example: "  chatsync read --as operator:op-1 <conversation-id>",
		Args:    cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			actor, err := actorFlag(cmd)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmdContext(cmd)
			if dryrun.IsEnabled(ctx) {
				conv, err := rt.svc.Conversation(ctx, actor, args[0])
				if err != nil {
					return err
				}
				unread := conv.UnreadForOperator
				if actor.Role == chat.RoleCustomer {
					unread = conv.UnreadForCustomer
				}
				return writePreview(cmd, dryrun.New("mark read", args[0], actor.String()).
					Set("unread", strconv.Itoa(unread)))
			}

			if err := rt.svc.MarkRead(ctx, actor, args[0]); err != nil {
				return err
			}

			out := formatter(cmd)
			status := map[string]any{"conversation_id": args[0], "role": actor.Role, "unread": 0}
			if ok, err := out.Output(status); ok {
				return err
			}
			out.Println(fmt.Sprintf("Marked %s read for %s", args[0], actor.Role))
			return nil
		}),
	}
	addActorFlag(cmd)
	return cmd
}
