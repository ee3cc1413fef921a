package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/onboard-sync/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display effective configuration after all overrides",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			if cc.Flags.JSON {
				shown := *cc.Cfg
				if shown.Token != "" {
					shown.Token = "(from " + config.EnvToken + ")"
				}

				return printJSON(cc.Out, shown)
			}

			return config.RenderEffective(cc.Cfg, cc.Out)
		},
	})

	return cmd
}
