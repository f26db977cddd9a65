package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
)

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "generate a key pair usable as a party or feed key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}

		if keygenOut != "" {
			pemData, err := crypto.ExportPrivateKeyPEM(kp.Secret)
			if err != nil {
				return err
			}
			if err := crypto.SaveKeyToFile(keygenOut, pemData); err != nil {
				return fmt.Errorf("failed to save key: %w", err)
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), kp.Public.String())
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "write the secret key as PEM to this file")
}
