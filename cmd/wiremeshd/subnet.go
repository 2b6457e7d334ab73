package main

import (
	"fmt"

	"wiremesh/cmd/wiremeshd/ui"
	"wiremesh/internal/identity"

	"github.com/spf13/cobra"
)

func subnetCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subnet",
		Short: "Manage tenant subnets",
	}
	cmd.AddCommand(subnetCreateCmd(g))
	cmd.AddCommand(subnetRemoveCmd(g))
	cmd.AddCommand(subnetListCmd(g))
	cmd.AddCommand(subnetRotateKeyCmd(g))
	return cmd
}

func subnetCreateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a subnet and print its security key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(func(store *identity.Store) error {
				network, key, err := store.CreateSubnet(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, ui.SuccessMsg("Subnet %s created.", ui.Bold(args[0])))
				fmt.Fprint(out, ui.KeyValues("  ",
					ui.KV("network", network.String()),
					ui.KV("domain hash", identity.HashDomain(args[0]).String()),
					ui.KV("security key", ui.Accent(key)),
				))
				return nil
			})
		},
	}
}

func subnetRemoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a subnet and every client in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(func(store *identity.Store) error {
				removed, err := store.RemoveSubnet(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("Subnet %s removed with %d clients.", ui.Bold(args[0]), len(removed)))
				return nil
			})
		},
	}
}

func subnetListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List subnets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(func(store *identity.Store) error {
				subnets, err := store.ListSubnets(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.SubnetTable(subnets))
				return nil
			})
		},
	}
}

func subnetRotateKeyCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <name>",
		Short: "Replace a subnet's security key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withStore(func(store *identity.Store) error {
				key, err := store.RegenerateSecurityKey(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, ui.SuccessMsg("Security key of %s rotated.", ui.Bold(args[0])))
				fmt.Fprint(out, ui.KeyValues("  ", ui.KV("security key", ui.Accent(key))))
				return nil
			})
		},
	}
}
