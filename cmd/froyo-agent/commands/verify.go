package commands

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-agent/pkg/signature"
)

func newVerifyCommand() *cobra.Command {
	var (
		signatureFile string
		salt          string
		keyFile       string
		encoded       bool
	)

	cmd := &cobra.Command{
		Use:   "verify <payload>",
		Short: "Verify a payload signature with the engine key",
		Long: `Check a detached signature the way the agent checks inbound plans.

The salt defaults to the configured input queue name.`,
		Example: `  # Verify with the configured key and queue
  froyo-agent verify plan.json --signature plan.sig

  # Verify a base64 signature with an explicit key and salt
  froyo-agent verify plan.json --signature plan.sig.b64 --base64 --key engine.pub --salt web-01`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var keyData []byte
			if keyFile != "" {
				keyData, err = os.ReadFile(keyFile)
			} else {
				keyData, err = cfg.EngineKeyData()
			}
			if err != nil {
				return err
			}
			if len(keyData) == 0 {
				return fmt.Errorf("no engine key configured")
			}
			if !cmd.Flags().Changed("salt") {
				salt = cfg.Broker.InputQueue
			}

			verifier, err := signature.NewVerifier([]byte(salt), keyData)
			if err != nil {
				return err
			}

			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			sig, err := os.ReadFile(signatureFile)
			if err != nil {
				return fmt.Errorf("failed to read signature: %w", err)
			}
			if encoded {
				sig, err = base64.StdEncoding.DecodeString(strings.TrimSpace(string(sig)))
				if err != nil {
					return fmt.Errorf("signature is not valid base64: %w", err)
				}
			}

			if !verifier.Verify(payload, sig) {
				return fmt.Errorf("signature is not valid")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signature is valid")
			return nil
		},
	}

	cmd.Flags().StringVarP(&signatureFile, "signature", "s", "", "signature file")
	cmd.Flags().StringVar(&salt, "salt", "", "signature salt (default: input queue)")
	cmd.Flags().StringVar(&keyFile, "key", "", "public key file (default: configured engine key)")
	cmd.Flags().BoolVar(&encoded, "base64", false, "signature file is base64 encoded")
	_ = cmd.MarkFlagRequired("signature")

	return cmd
}
