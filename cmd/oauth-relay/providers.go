package main

import (
	"slices"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-relay/providers/builtin"
)

func newProvidersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the configured providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(opts)
			if err != nil {
				return err
			}

			supported := builtin.Variants()
			for _, name := range s.ProviderNames() {
				status := "ok"
				if !slices.Contains(supported, name) {
					status = "unsupported (ignored)"
				}
				cmd.Printf("%-10s %s\n", name, status)
			}
			return nil
		},
	}
}
