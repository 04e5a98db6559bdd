// Package cmd implements the chatsync command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chatwoot/chatsync/internal/config"
	"github.com/chatwoot/chatsync/internal/debug"
	"github.com/chatwoot/chatsync/internal/dryrun"
	"github.com/chatwoot/chatsync/internal/iocontext"
	"github.com/chatwoot/chatsync/internal/outfmt"
)

// rootFlags holds global CLI flags
type rootFlags struct {
	Output  string
	JQ      string
	Debug   bool
	DryRun  bool
	LogFile string
}

// flags holds the global command flags. It is reset at the start of every
// Execute call; code outside a command's RunE sees stale values.
var flags = rootFlags{Output: defaultOutput()}

func defaultOutput() string {
	if value := strings.TrimSpace(os.Getenv("CHATSYNC_OUTPUT")); value != "" {
		return value
	}
	return "text"
}

type configKey struct{}

// withConfig stores the loaded configuration for subcommands.
func withConfig(ctx context.Context, cfg config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

func configFrom(ctx context.Context) config.Config {
	if cfg, ok := ctx.Value(configKey{}).(config.Config); ok {
		return cfg
	}
	return config.Load()
}

// Execute runs the root command
func Execute(ctx context.Context, args []string) error {
	// Runs before the flag reset so CHATSYNC_OUTPUT from .env applies.
	config.LoadDotEnv()

	flags = rootFlags{Output: defaultOutput()}

	ioStreams := iocontext.GetIO(ctx)
	closeLog := func() error { return nil }
	defer func() { _ = closeLog() }()

	root := &cobra.Command{
		Use:                "chatsync",
		Short:              "Realtime customer support conversation sync",
		SilenceUsage:       true,
		SilenceErrors:      true,
		DisableSuggestions: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if flags.JQ != "" && flags.Output == "text" {
				if cmd.Flags().Changed("output") {
					return fmt.Errorf("--jq requires --output json or jsonl")
				}
				flags.Output = "json"
			}
			mode, err := outfmt.Parse(flags.Output)
			if err != nil {
				return err
			}
			ctx = outfmt.WithMode(ctx, mode)
			if flags.JQ != "" {
				ctx = outfmt.WithQuery(ctx, flags.JQ)
			}

			cfg := config.Load()
			logFile := flags.LogFile
			if logFile == "" {
				logFile = cfg.LogFile
			}
			_, cleanup := debug.SetupLogger(debug.Options{
				Debug:  flags.Debug,
				Level:  cfg.LogLevel,
				File:   logFile,
				Stderr: ioStreams.ErrOut,
			})
			closeLog = cleanup
			ctx = debug.WithDebug(ctx, flags.Debug)
			ctx = dryrun.WithDryRun(ctx, flags.DryRun)
			ctx = withConfig(ctx, cfg)
			ctx = iocontext.WithIO(ctx, ioStreams)

			cmd.SetContext(ctx)
			return nil
		},
	}

	root.SetContext(ctx)
	root.SetArgs(args)
	root.SetOut(ioStreams.Out)
	root.SetErr(ioStreams.ErrOut)
	root.SetIn(ioStreams.In)

	root.PersistentFlags().StringVarP(&flags.Output, "output", "o", flags.Output, "Output format: text|json|jsonl (env CHATSYNC_OUTPUT)")
	root.PersistentFlags().StringVar(&flags.JQ, "jq", "", "JQ expression to filter JSON output")
	root.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&flags.DryRun, "dry-run", false, "Preview writes (send, read) without performing them")
	root.PersistentFlags().StringVar(&flags.LogFile, "log-file", "", "Also write JSON logs to this file (env CHATSYNC_LOG_FILE)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newEnsureCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReadCmd())
	root.AddCommand(newFollowCmd())
	root.AddCommand(newProfileCmd())
	root.AddCommand(newSecretsCmd())

	targetCmd, err := root.ExecuteC()
	if err != nil {
		if !errors.Is(err, errAlreadyHandled) {
			_, _ = fmt.Fprintln(root.ErrOrStderr(), enhanceUnknownError(err, root, targetCmd))
		}
		return err
	}
	return nil
}

// enhanceUnknownError adds "did you mean?" suggestions to unknown command/flag errors.
// targetCmd is the command Cobra resolved before the error (may be root itself).
func enhanceUnknownError(err error, root *cobra.Command, targetCmd *cobra.Command) string {
	msg := err.Error()

	if strings.Contains(msg, "unknown command") {
		if unknown := extractQuoted(msg); unknown != "" {
			var names []string
			for _, c := range root.Commands() {
				if c.IsAvailableCommand() || c.Name() == "help" {
					names = append(names, c.Name())
					names = append(names, c.Aliases...)
				}
			}
			if suggestion := suggestCommand(unknown, names); suggestion != "" {
				return fmt.Sprintf("%s\n\nDid you mean %q?", msg, suggestion)
			}
		}
	}

	if strings.Contains(msg, "unknown flag") || strings.Contains(msg, "unknown shorthand flag") {
		if unknown := extractFlag(msg); unknown != "" {
			target := targetCmd
			if target == nil {
				target = root
			}
			seen := make(map[string]bool)
			var flagNames []string
			addFlags := func(fs *pflag.FlagSet) {
				fs.VisitAll(func(f *pflag.Flag) {
					for _, name := range []string{"--" + f.Name, "-" + f.Shorthand} {
						if name == "-" || seen[name] {
							continue
						}
						seen[name] = true
						flagNames = append(flagNames, name)
					}
				})
			}
			addFlags(target.Flags())
			addFlags(target.InheritedFlags())

			helpCmd := strings.TrimSpace(target.CommandPath()) + " --help"
			if suggestion := suggestFlag(unknown, flagNames); suggestion != "" {
				return fmt.Sprintf("%s\n\nDid you mean %q?\nRun %q to see supported flags.", msg, suggestion, helpCmd)
			}
			return fmt.Sprintf("%s\n\nRun %q to see supported flags.", msg, helpCmd)
		}
	}

	return msg
}
