package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatwoot/chatsync/internal/config"
	"github.com/chatwoot/chatsync/internal/iocontext"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage connection secrets in the OS keychain",
		Long: `Store the database and Redis URLs in the OS keychain instead of the
environment. Environment variables always take precedence.

Known secrets: ` + strings.Join(config.SecretNames, ", "),
	}
	cmd.AddCommand(newSecretsSetCmd())
	cmd.AddCommand(newSecretsDeleteCmd())
	cmd.AddCommand(newSecretsListCmd())
	return cmd
}

func newSecretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret",
		Long:  "Store a secret. When value is omitted it is read from the first line of stdin.",
		Example: `  chatsync secrets set database_url postgres://chatsync@localhost/chatsync
  printf '%s\n' "$REDIS_URL" | chatsync secrets set redis_url`,
		Args: cobra.RangeArgs(1, 2),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				scanner := bufio.NewScanner(iocontext.GetIO(cmdContext(cmd)).In)
				if scanner.Scan() {
					value = scanner.Text()
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read secret from stdin: %w", err)
				}
			}
			if strings.TrimSpace(value) == "" {
				return fmt.Errorf("secret value is required")
			}
			if err := config.SetSecret(args[0], value); err != nil {
				return err
			}

			out := formatter(cmd)
			if ok, err := out.Output(map[string]any{"name": args[0], "stored": true}); ok {
				return err
			}
			out.Println("Stored " + args[0])
			return nil
		}),
	}
}

func newSecretsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a secret",
		Args:    cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			if err := config.DeleteSecret(args[0]); err != nil {
				return err
			}
			out := formatter(cmd)
			if ok, err := out.Output(map[string]any{"name": args[0], "deleted": true}); ok {
				return err
			}
			out.Println("Deleted " + args[0])
			return nil
		}),
	}
}

func newSecretsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored secret names",
		Args:    cobra.NoArgs,
		RunE: RunE(func(cmd *cobra.Command, _ []string) error {
			names, err := config.StoredSecrets()
			if err != nil {
				return err
			}
			out := formatter(cmd)
			if ok, err := out.Output(names); ok {
				return err
			}
			if len(names) == 0 {
				out.Empty("No secrets stored")
				return nil
			}
			for _, name := range names {
				out.Println(name)
			}
			return nil
		}),
	}
}
