package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func blobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Store and fetch opaque blobs through the configured content store",
	}
	cmd.AddCommand(blobPutCmd(), blobGetCmd())
	return cmd
}

// blob put [file]: upload a file (or stdin) and print its content id.
func blobPutCmd() *cobra.Command {
	var epochs int
	cmd := &cobra.Command{
		Use:   "put [file]",
		Short: "Upload a file (or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if len(args) == 1 {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}

			store, err := rt.contentStore(cmd.Context())
			if err != nil {
				return err
			}
			ref, err := store.Put(cmd.Context(), data, epochs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\t%d epochs\n", ref.ContentID, ref.SizeBytes, ref.TTLEpochs)
			return nil
		},
	}
	cmd.Flags().IntVar(&epochs, "epochs", 0, "retention epochs (default STORAGE_RETENTION_EPOCHS)")
	return cmd
}

// blob get <content-id>: fetch a blob to stdout or --out.
func blobGetCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get <content-id>",
		Short: "Fetch a blob by content id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := rt.contentStore(cmd.Context())
			if err != nil {
				return err
			}
			data, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if out != "" {
				return os.WriteFile(out, data, 0o600)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the blob to this file")
	return cmd
}
