package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"suimessenger/internal/domain"
	apperrors "suimessenger/pkg/errors"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and end persisted decryption sessions",
	}
	cmd.AddCommand(sessionStatusCmd(), sessionEndCmd(), sessionClearCmd(), sessionHistoryCmd())
	return cmd
}

// session status <identity>: show the persisted session of an identity.
func sessionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <identity>",
		Short: "Show the persisted session of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := domain.ParseIdentity(args[0])
			if err != nil {
				return err
			}
			mgr, err := rt.sessionManager(cmd.Context())
			if err != nil {
				return err
			}
			token, err := mgr.Restore(cmd.Context(), identity)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if token == nil {
				fmt.Fprintln(w, "no active session")
				return nil
			}
			fmt.Fprintf(w, "owner:      %s\n", token.Owner)
			fmt.Fprintf(w, "service:    %s\n", token.ServiceID)
			fmt.Fprintf(w, "expires at: %s (%s left)\n",
				token.ExpiresAt().Format(time.RFC3339),
				time.Until(token.ExpiresAt()).Truncate(time.Second),
			)
			return nil
		},
	}
}

// session end <identity>: delete the session of an identity.
func sessionEndCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "end <identity>",
		Short: "End the session of an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := domain.ParseIdentity(args[0])
			if err != nil {
				return err
			}
			mgr, err := rt.sessionManager(cmd.Context())
			if err != nil {
				return err
			}
			if err := mgr.Invalidate(cmd.Context(), identity); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session ended")
			return nil
		},
	}
}

// session clear: delete every persisted session.
func sessionClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every persisted session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := rt.sessionManager(cmd.Context())
			if err != nil {
				return err
			}
			if err := mgr.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "sessions cleared")
			return nil
		},
	}
}

// session history <identity>: list recent audit events of an identity.
func sessionHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <identity>",
		Short: "List recent session events of an identity (redis session backend)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := domain.ParseIdentity(args[0])
			if err != nil {
				return err
			}
			_, sink, err := rt.auditSinks(cmd.Context())
			if err != nil {
				return err
			}
			if sink == nil {
				return apperrors.ValidationError("session history needs SESSION_BACKEND=redis")
			}
			events, err := sink.Recent(cmd.Context(), identity.String(), limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range events {
				status := "ok"
				if !e.Success {
					status = "failed " + e.ErrorCode
				}
				fmt.Fprintf(w, "%s  %-20s %s %s\n", e.Timestamp.Format(time.RFC3339), e.EventType, status, e.Details)
			}
			if len(events) == 0 {
				fmt.Fprintln(w, "no events")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of events")
	return cmd
}
