package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/followalong/internal/eventstore"
)

var (
	sessionEventLimit int
	sessionListLimit  int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect journaled sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := eventstore.Open(ctx, cfg.EventStore, cfg.ClientName, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.ListSessions(ctx, sessionListLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTARTED\tDURATION\tWORDS")
		for _, sess := range sessions {
			duration := "running"
			if !sess.StoppedAt.IsZero() {
				duration = sess.StoppedAt.Sub(sess.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", sess.ID, sess.StartedAt.Format(time.RFC3339), duration, len(strings.Fields(sess.Transcript)))
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session and its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := eventstore.Open(ctx, cfg.EventStore, cfg.ClientName, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		sess, err := store.GetSession(ctx, args[0])
		if err != nil {
			return err
		}
		events, err := store.ListSessionEvents(ctx, sess.ID, sessionEventLimit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "session:    %s\n", sess.ID)
		fmt.Fprintf(out, "client:     %s\n", sess.ClientName)
		fmt.Fprintf(out, "started:    %s\n", sess.StartedAt.Format(time.RFC3339))
		if !sess.StoppedAt.IsZero() {
			fmt.Fprintf(out, "stopped:    %s\n", sess.StoppedAt.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "pcm bytes:  %d\n", sess.PCMBytes)
		fmt.Fprintf(out, "transcript: %s\n\n", sess.Transcript)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tPAYLOAD")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.Payload)
		}
		return w.Flush()
	},
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the configured retention policy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := eventstore.Open(cmd.Context(), cfg.EventStore, cfg.ClientName, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Prune(cmd.Context())
	},
}

func init() {
	sessionsListCmd.Flags().IntVar(&sessionListLimit, "limit", 20, "Maximum number of sessions to list")
	sessionsShowCmd.Flags().IntVar(&sessionEventLimit, "limit", 100, "Maximum number of events to print")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}
