package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/echograph/tavernbridge/internal/config"
	"github.com/echograph/tavernbridge/internal/db"
	"github.com/echograph/tavernbridge/internal/hashid"
	"github.com/echograph/tavernbridge/internal/repository"
	"github.com/echograph/tavernbridge/internal/trace"
)

func newSessionIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session-id <character name>",
		Short: "Print the session id derived from a character name",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), hashid.DeriveSessionID(args[0]))
		},
	}
}

func newSessionsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List sessions recorded in the local ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			database, err := db.Open(cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()

			bindings, err := repository.NewSessionRepository(database).ListRecent(context.Background(), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tCHARACTER\tSOURCE\tNODES\tEDGES\tUPDATED")
			for _, b := range bindings {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					b.SessionID, b.CharacterName, b.Source, b.GraphNodes, b.GraphEdges,
					b.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", getEnv("TAVERN_CONFIG", "tavernbridge.yaml"), "path to config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions")
	return cmd
}

func newActivityCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the persisted activity feed, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			database, err := db.Open(cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()

			entries, err := repository.NewActivityRepository(database).Recent(context.Background(), sessionID, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s [%s] %s\n", e.CreatedAt.Local().Format(time.DateTime), e.Level, e.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", getEnv("TAVERN_CONFIG", "tavernbridge.yaml"), "path to config file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "only entries for this session id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")
	return cmd
}

func newTraceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trace <file>",
		Short: "Print a recorded wire trace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			header, events, err := trace.Read(f)
			if err != nil {
				return fmt.Errorf("read trace: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s, started %s, %d frames\n",
				header.SessionID, time.Unix(header.Timestamp, 0).Local().Format(time.DateTime), len(events))
			for _, e := range events {
				arrow := "->"
				if e.Direction == trace.DirInbound {
					arrow = "<-"
				}
				fmt.Fprintf(out, "%9.3fs %s %s\n", e.TimeOffset, arrow, e.Frame)
			}
			return nil
		},
	}
}
