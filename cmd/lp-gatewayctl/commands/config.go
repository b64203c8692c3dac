package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nymgate/lp-gateway/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect lp-gatewayd configuration files",
	}

	cmd.AddCommand(configValidateCmd())
	cmd.AddCommand(configShowCmd())

	return cmd
}

// --- config validate ---

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			fmt.Println("configuration is valid")
			return nil
		},
	}
}

// --- config show ---

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <path>",
		Short: "Load a configuration file and print the resolved values as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}

			fmt.Println(string(out))
			return nil
		},
	}
}
