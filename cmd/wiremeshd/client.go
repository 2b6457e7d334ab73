package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"wiremesh"
	"wiremesh/cmd/wiremeshd/ui"
	"wiremesh/internal/identity"
	"wiremesh/internal/provision"

	"github.com/spf13/cobra"
)

func clientCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage VPN clients",
	}
	cmd.AddCommand(clientCreateCmd(g))
	cmd.AddCommand(clientRemoveCmd(g))
	cmd.AddCommand(clientRenameCmd(g))
	cmd.AddCommand(clientAssignV4Cmd(g))
	cmd.AddCommand(clientPuntCmd(g))
	cmd.AddCommand(clientListCmd(g))
	return cmd
}

func clientCreateCmd(g *globals) *cobra.Command {
	var (
		ipv4    bool
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "create <subnet> <name>",
		Short: "Create a client and print its WireGuard profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subnet, name := args[0], args[1]
			return g.withStore(func(store *identity.Store) error {
				profile, err := createClient(cmd.Context(), store, provision.Server{
					Endpoint: g.endpoint(),
					IPv4Pool: g.cfg.Identity.Pool,
				}, subnet, name, ipv4)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, ui.SuccessMsg("Client %s created in %s.", ui.Bold(name), ui.Bold(subnet)))
				pairs := []ui.Pair{
					ui.KV("public key", profile.Client.PublicKey.String()),
					ui.KV("ipv6", profile.Client.AddressV6.String()),
				}
				if profile.Client.AddressV4.IsValid() {
					pairs = append(pairs, ui.KV("ipv4", profile.Client.AddressV4.String()))
				}
				fmt.Fprint(out, ui.KeyValues("  ", pairs...))

				if outPath != "" {
					if err := os.WriteFile(outPath, profile.Text, 0o600); err != nil {
						return fmt.Errorf("write profile: %w", err)
					}
					fmt.Fprintln(out, ui.SuccessMsg("Profile written to %s.", outPath))
					return nil
				}
				fmt.Fprintln(out)
				fmt.Fprint(out, string(profile.Text))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&ipv4, "ipv4", false, "Also assign an address from the IPv4 pool")
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Write the profile to a file instead of stdout")
	return cmd
}

// createClient registers a fresh key pair under name and stores its profile
// as the served configuration. Local operators skip the security key check.
func createClient(ctx context.Context, store *identity.Store, server provision.Server, subnet, name string, ipv4 bool) (provision.Profile, error) {
	serverKey, err := store.ServerKey(ctx)
	if errors.Is(err, wiremesh.ErrNotFound) {
		return provision.Profile{}, fmt.Errorf("server identity missing, run the daemon once first: %w", err)
	}
	if err != nil {
		return provision.Profile{}, err
	}
	server.PublicKey = serverKey

	svc := provision.New(store, server, nil)
	svc.AssignIPv4 = ipv4
	return svc.Provision(ctx, subnet, name)
}

func clientRemoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <subnet> <name>",
		Short: "Remove a client",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(func(store *identity.Store) error {
				c, err := store.RemoveClientByName(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("Client %s removed from %s.", ui.Bold(c.Name), ui.Bold(c.Subnet)))
				return nil
			})
		},
	}
}

func clientRenameCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <subnet> <name> <new-name>",
		Short: "Rename a client",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(func(store *identity.Store) error {
				c, err := store.ClientByName(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				if err := store.RenameClient(cmd.Context(), c.PublicKey, args[2]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("Client %s renamed to %s.", ui.Bold(args[1]), ui.Bold(args[2])))
				return nil
			})
		},
	}
}

func clientAssignV4Cmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "assign-v4 <subnet> <name>",
		Short: "Give a client an IPv4 address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(func(store *identity.Store) error {
				addr, err := store.AssignIPv4(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("Client %s has IPv4 %s.", ui.Bold(args[1]), ui.Accent(addr.String())))
				return nil
			})
		},
	}
}

func clientPuntCmd(g *globals) *cobra.Command {
	var (
		until string
		after time.Duration
	)

	cmd := &cobra.Command{
		Use:   "punt <subnet> [name]",
		Short: "Push back the invalidation deadline of one client or a whole subnet",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if until != "" && after != 0 {
				return fmt.Errorf("--until and --for are mutually exclusive")
			}
			target := identity.PuntTarget{Subnet: args[0]}
			if len(args) == 2 {
				target.Name = args[1]
			}

			var to time.Time
			switch {
			case until != "":
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("parse --until: %w", err)
				}
				to = t
			case after > 0:
				to = time.Now().Add(after)
			}

			return g.withStore(func(store *identity.Store) error {
				n, err := store.PuntInvalidation(cmd.Context(), target, to)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("Deadline moved for %d clients.", n))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "New deadline (RFC 3339)")
	cmd.Flags().DurationVar(&after, "for", 0, "New deadline relative to now")
	return cmd
}

func clientListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list [subnet]",
		Short: "List clients",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subnet := ""
			if len(args) == 1 {
				subnet = args[0]
			}
			return g.withStore(func(store *identity.Store) error {
				clients, err := store.ListClients(cmd.Context(), subnet)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.ClientTable(clients, time.Now()))
				return nil
			})
		},
	}
}
