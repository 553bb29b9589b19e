package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"suimessenger/internal/devnet"
	"suimessenger/internal/domain"
	"suimessenger/internal/repository/devkms"
	"suimessenger/internal/repository/file"
	"suimessenger/internal/service/messenger"
	"suimessenger/internal/service/reconcile"
	"suimessenger/pkg/constants"
	"suimessenger/pkg/sanitize"
)

// demo: two fresh identities exchange messages over an in-process ledger and committee.
func demoCmd() *cobra.Command {
	var (
		blobDir      string
		useEndpoints bool
		servers      int
		threshold    int
		messages     []string
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Exchange messages between two local identities",
		Long: "Starts an in-process ledger and key server committee, opens a session for two new\n" +
			"identities and sends the given messages alternately from each side before polling both.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if len(messages) == 0 {
				return fmt.Errorf("at least one --message is required")
			}

			var (
				writer  domain.BlobWriter
				readers []domain.BlobReader
			)
			if useEndpoints {
				w, r, err := rt.endpoints(ctx)
				if err != nil {
					return err
				}
				writer, readers = w, r
			} else {
				dir := blobDir
				if dir == "" {
					tmp, err := os.MkdirTemp("", "suimessenger-blobs-")
					if err != nil {
						return err
					}
					defer os.RemoveAll(tmp)
					dir = tmp
				}
				store, err := file.NewBlobStore(dir)
				if err != nil {
					return err
				}
				writer = store
			}

			net, err := devnet.New(ctx, devnet.Config{
				ServiceID: cfg.Ledger.ServiceID,
				PackageID: cfg.Ledger.PackageID,
				Servers:   servers,
				Threshold: threshold,
				Storage:   rt.storageConfig(),
				Messenger: messenger.Config{
					RetentionEpochs: cfg.Storage.RetentionEpochs,
					Timeline: reconcile.Config{
						WindowSize:  cfg.Reconcile.WindowSize,
						WindowStep:  cfg.Reconcile.WindowStep,
						Concurrency: cfg.Reconcile.DecryptConcurrency,
					},
				},
			}, writer, readers...)
			if err != nil {
				return err
			}

			alice, err := joinDemoParty(ctx, net)
			if err != nil {
				return err
			}
			bob, err := joinDemoParty(ctx, net)
			if err != nil {
				return err
			}

			ttl := cfg.Session.TTLMinutes
			if ttl == 0 {
				ttl = constants.DemoSessionTTLMinutes
			}
			for _, p := range []*devnet.Party{alice, bob} {
				if _, err := p.OpenSession(ctx, ttl); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "alice: %s\nbob:   %s\n\n", alice.Identity(), bob.Identity())

			for i, text := range messages {
				from, to := alice, bob
				if i%2 == 1 {
					from, to = bob, alice
				}
				res, err := sendAndWait(ctx, from, to, text)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "sent %q as %s (content %s)\n", text, res.ConfirmationID, res.Blob.ContentID)
			}

			for _, view := range []struct {
				name       string
				self, peer *devnet.Party
			}{{"alice", alice, bob}, {"bob", bob, alice}} {
				out, err := view.self.Messenger.Poll(ctx, view.peer.Identity())
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "\n%s sees %d messages (%d decrypted this pass):\n", view.name, len(out.Rows), out.Decrypted)
				printRows(w, view.self.Identity(), out.Rows)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&blobDir, "blob-dir", "", "store blobs in this directory (default a temporary one)")
	cmd.Flags().BoolVar(&useEndpoints, "use-endpoints", false, "store blobs through the configured publisher and aggregators")
	cmd.Flags().IntVar(&servers, "servers", 3, "number of key servers")
	cmd.Flags().IntVar(&threshold, "threshold", 2, "key servers needed to decrypt")
	cmd.Flags().StringArrayVarP(&messages, "message", "m", []string{"hello bob", "hi alice"}, "message to send, alternating sender")
	return cmd
}

func joinDemoParty(ctx context.Context, net *devnet.Network) (*devnet.Party, error) {
	wallet, err := devkms.NewWallet()
	if err != nil {
		return nil, err
	}
	sessions, err := rt.sessionStore(ctx)
	if err != nil {
		return nil, err
	}
	dir, err := rt.scopeDirectory(ctx)
	if err != nil {
		return nil, err
	}
	blobCache, err := rt.blobCache(ctx)
	if err != nil {
		return nil, err
	}
	auditLog, _, err := rt.auditSinks(ctx)
	if err != nil {
		return nil, err
	}
	return net.Join(ctx, wallet, devnet.JoinOptions{
		Sessions:  sessions,
		Directory: dir,
		Cache:     blobCache,
		Audit:     auditLog,
	})
}

func sendAndWait(ctx context.Context, from, to *devnet.Party, text string) (*messenger.SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Storage.UploadTimeout+time.Minute)
	defer cancel()
	h, err := from.Messenger.Send(ctx, &messenger.SendMessageInput{Recipient: to.Identity(), Text: text})
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

const maxDisplayRunes = 72

func printRows(w io.Writer, self domain.Identity, rows []reconcile.Row) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  WHO\tSTATUS\tAT\tTEXT")
	for _, row := range rows {
		who := "them"
		if row.Sender == self {
			who = "me"
		}
		text := sanitize.ForDisplay(string(row.Plaintext), maxDisplayRunes)
		if row.Err != nil {
			text = row.Err.Error()
		}
		at := time.Unix(row.CreatedAtSeconds, 0).Format(time.TimeOnly)
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", who, row.Status, at, text)
	}
	_ = tw.Flush()
}
