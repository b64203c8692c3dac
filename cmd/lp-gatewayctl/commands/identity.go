package commands

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the gateway's long-term handshake identity",
	}

	cmd.AddCommand(identityGenerateCmd())

	return cmd
}

// --- identity generate ---

func identityGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate a new ed25519 handshake identity seed",
		Long: "Generates a fresh ed25519 seed and prints it hex-encoded, suitable for " +
			"lp-gatewayd's lp.identity_seed_hex configuration field or LPGW_LP_IDENTITY_SEED_HEX " +
			"environment variable. The seed is the only secret; the public key is derivable from it " +
			"and is printed alongside for reference.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			pub, priv, err := ed25519.GenerateKey(nil)
			if err != nil {
				return fmt.Errorf("generate identity: %w", err)
			}

			seed := priv.Seed()
			fmt.Printf("seed:       %s\n", hex.EncodeToString(seed))
			fmt.Printf("public_key: %s\n", hex.EncodeToString(pub))
			return nil
		},
	}
}
