package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fihtony/dproxy/pkg/mode"
	"github.com/fihtony/dproxy/pkg/reqctx"
	"github.com/fihtony/dproxy/pkg/store"
)

func newModeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Inspect or change the proxy's dispatch mode",
		Long:  `Get or set the persisted dispatch mode (passthrough, recording, replay). dproxy serve reads it once at startup; a proxy that is already running keeps its mode until it is restarted.`,
	}

	cmd.AddCommand(newModeGetCmd(), newModeSetCmd())
	return cmd
}

func openModeStore(dbURL string) (store.RecordStore, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("--db is required")
	}
	return store.OpenSQLStore(context.Background(), dbURL)
}

func newModeGetCmd() *cobra.Command {
	var dbURL string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the current dispatch mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openModeStore(dbURL)
			if err != nil {
				return err
			}
			defer s.Close()

			m, err := mode.GetPersistedMode(cmd.Context(), s)
			if err != nil {
				return err
			}
			fmt.Println(m)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbURL, "db", "", "Database URL (sqlite://path or postgres://...)")
	return cmd
}

func newModeSetCmd() *cobra.Command {
	var dbURL string

	cmd := &cobra.Command{
		Use:       "set <passthrough|recording|replay>",
		Short:     "Set the dispatch mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"passthrough", "recording", "replay"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target := reqctx.Mode(args[0])
			switch target {
			case reqctx.ModePassthrough, reqctx.ModeRecording, reqctx.ModeReplay:
			default:
				return fmt.Errorf("unknown mode %q (expected passthrough, recording, or replay)", args[0])
			}

			s, err := openModeStore(dbURL)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := mode.SetPersistedMode(cmd.Context(), s, target); err != nil {
				return err
			}
			fmt.Printf("mode set to %s\n", target)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbURL, "db", "", "Database URL (sqlite://path or postgres://...)")
	return cmd
}
