package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/lockbox/internal/vault"
)

// NewGenKeyCommand returns the genkey subcommand. It prints a fresh
// credential key suitable for LOCKBOX_CREDENTIAL_KEY.
func NewGenKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "genkey",
		Usage: "Generate a new credential vault key",
		Action: func(_ context.Context, cmd *cli.Command) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Writer, key)
			return nil
		},
	}
}
