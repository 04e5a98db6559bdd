package cmd

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatwoot/chatsync/internal/chat"
	"github.com/chatwoot/chatsync/internal/store"
	"github.com/chatwoot/chatsync/internal/validation"
)

var errNoProfiles = errors.New("the configured store does not keep customer profiles")

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage customer profiles used for inbox search",
	}
	cmd.AddCommand(newProfileSetCmd())
	cmd.AddCommand(newProfileGetCmd())
	return cmd
}

func profileStore(rt *runtime) (store.ProfileStore, error) {
	ps, ok := rt.store.(store.ProfileStore)
	if !ok {
		return nil, errNoProfiles
	}
	return ps, nil
}

func newProfileSetCmd() *cobra.Command {
	var name, email, phone string

	cmd := &cobra.Command{
		Use:     "set <customer-id>",
		Short:   "Create or replace a customer profile",
		Example: `  chatsync profile set cust-42 --name "Ada Lovelace" --email ada@example.com`,
		Args:    cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			p := chat.Profile{
				CustomerID:  strings.TrimSpace(args[0]),
				DisplayName: strings.TrimSpace(name),
				Email:       strings.TrimSpace(email),
				Phone:       strings.TrimSpace(phone),
			}
			if err := validation.ValidateProfile(p); err != nil {
				return err
			}

			rt, err := newRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			ps, err := profileStore(rt)
			if err != nil {
				return err
			}
			if err := ps.PutProfile(cmdContext(cmd), p); err != nil {
				return err
			}

			out := formatter(cmd)
			if ok, err := out.Output(p); ok {
				return err
			}
			out.Println("Saved profile for " + p.CustomerID)
			return nil
		}),
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&phone, "phone", "", "Phone number")
	return cmd
}

func newProfileGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <customer-id>",
		Short: "Show a customer profile",
		Args:  cobra.ExactArgs(1),
		RunE: RunE(func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd, runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()
			ps, err := profileStore(rt)
			if err != nil {
				return err
			}
			p, err := ps.Profile(cmdContext(cmd), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}

			out := formatter(cmd)
			if ok, err := out.Output(p); ok {
				return err
			}
			out.StartTable([]string{"CUSTOMER", "NAME", "EMAIL", "PHONE"})
			out.Row(p.CustomerID, p.DisplayName, p.Email, p.Phone)
			return out.EndTable()
		}),
	}
}
