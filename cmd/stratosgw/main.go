// Command stratosgw runs the inference gateway HTTP server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	gateway "github.com/stratos-labs/ai-gateway"
	"github.com/stratos-labs/ai-gateway/internal/registry"
	"github.com/stratos-labs/ai-gateway/internal/version"
)

func main() {
	root := &cobra.Command{
		Use:           "stratosgw",
		Short:         "Multi-tenant AI inference gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "validate-overlay <file>",
		Short: "Validate a model overlay YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			overlay, err := registry.LoadOverlay(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("overlay valid: %d model(s)\n", len(overlay.Models))
			for _, m := range overlay.Models {
				fmt.Printf("  %-28s %d provider(s)\n", m.ID, len(m.Providers))
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Parse and validate the environment configuration",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := gateway.LoadConfig()
			if err != nil {
				return err
			}
			fmt.Printf("config valid: listening on :%s\n", cfg.ListenAddr)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(*cobra.Command, []string) {
			fmt.Println("stratosgw " + version.String())
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
