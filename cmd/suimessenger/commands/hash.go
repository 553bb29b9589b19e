package commands

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"suimessenger/internal/domain"
	"suimessenger/internal/service/crypto"
	"suimessenger/internal/service/scope"
)

// hash [text]: print the plaintext hash used as a message policy id.
func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [text]",
		Short: "Print the BLAKE2b-256 plaintext hash of text (or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if len(args) == 1 {
				data = []byte(args[0])
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				data = b
			}
			fmt.Fprintln(cmd.OutOrStdout(), crypto.Hash(data).String())
			return nil
		},
	}
}

// lookup-key <a> <b>: print the registry key of the conversation between two identities.
func lookupKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup-key <identity> <identity>",
		Short: "Print the registry lookup key for a pair of identities",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := domain.ParseIdentity(args[0])
			if err != nil {
				return fmt.Errorf("first identity: %w", err)
			}
			b, err := domain.ParseIdentity(args[1])
			if err != nil {
				return fmt.Errorf("second identity: %w", err)
			}
			if a == b {
				return fmt.Errorf("identities must differ")
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(scope.DeriveLookupKey(a, b)))
			return nil
		},
	}
}
