package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/dryrun"
	"github.com/chatwoot/chatsync/internal/iocontext"
	"github.com/chatwoot/chatsync/internal/outfmt"
)

// errAlreadyHandled marks an error that RunE already printed, so Execute
// does not print it again.
var errAlreadyHandled = errors.New("error already handled")

type handledError struct {
	err      error
	exitCode int
}

func (e *handledError) Error() string {
	return e.err.Error()
}

func (e *handledError) Unwrap() []error {
	return []error{errAlreadyHandled, e.err}
}

func (e *handledError) ExitCode() int {
	return e.exitCode
}

// RunE wraps a command function, printing failures with suggestions (or as
// a JSON error object in JSON modes) and recording the exit code.
func RunE(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if err == nil {
			return nil
		}
		code := ExitCode(err)
		if outfmt.IsJSON(cmdContext(cmd)) {
			_ = outfmt.WriteJSON(cmd.ErrOrStderr(), errorBody{Error: err.Error(), ExitCode: code}, true)
		} else {
			_, _ = fmt.Fprint(cmd.ErrOrStderr(), HandleError(err))
		}
		return &handledError{err: err, exitCode: code}
	}
}

type errorBody struct {
	Error    string `json:"error"`
	ExitCode int    `json:"exit_code"`
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func formatter(cmd *cobra.Command) *outfmt.Formatter {
	ctx := cmdContext(cmd)
	streams := iocontext.GetIO(ctx)
	return outfmt.NewFormatter(ctx, streams.Out, streams.ErrOut)
}

// writePreview prints a dry-run preview in the selected output mode.
func writePreview(cmd *cobra.Command, p *dryrun.Preview) error {
	out := formatter(cmd)
	if ok, err := out.Output(p); ok {
		return err
	}
	return p.Write(iocontext.GetIO(cmdContext(cmd)).Out)
}

// actorFlag reads the --as flag of a command.
func actorFlag(cmd *cobra.Command) (chat.Actor, error) {
	raw, err := cmd.Flags().GetString("as")
	if err != nil {
		return chat.Actor{}, err
	}
	if strings.TrimSpace(raw) == "" {
		return chat.Actor{}, fmt.Errorf("--as is required (role:id, e.g. customer:cust-42 or operator:op-1)")
	}
	return chat.ParseActor(raw)
}

func addActorFlag(cmd *cobra.Command) {
	cmd.Flags().String("as", "", "Acting identity as role:id (customer:<id> or operator:<id>)")
}

func timestamp(m chat.Message) string {
	return m.CreatedAt.Local().Format("2006-01-02 15:04:05")
}

// messageLine renders a message for text output.
func messageLine(m chat.Message) string {
	sender := string(m.SenderRole) + ":" + m.SenderID
	if m.IsAutoAck() {
		sender = "auto-ack"
	}
	return fmt.Sprintf("[%s] %s: %s", timestamp(m), sender, m.Content)
}
