package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kestrelctl/a2arelay/pkg/config"
	"github.com/kestrelctl/a2arelay/pkg/logstore"
	"github.com/kestrelctl/a2arelay/pkg/presenter"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect the structured log store",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var (
	logsTailComponent string
	logsTailLevel     string
	logsTailLimit     int
)

var logsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent log events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		dir, err := configDir(cfg)
		if err != nil {
			return err
		}

		ctx := context.Background()
		store, err := logstore.Open(ctx, filepath.Join(dir, "logs.db"))
		if err != nil {
			presenter.Error(err, "failed to open log store")
			return err
		}
		defer store.Close()

		entries, err := store.List(ctx, logstore.Filters{
			Component: logsTailComponent,
			Level:     logstore.Level(logsTailLevel),
			Limit:     logsTailLimit,
		})
		if err != nil {
			presenter.Error(err, "failed to list log events")
			return err
		}

		for i := len(entries) - 1; i >= 0; i-- {
			e := entries[i]
			fmt.Printf("%s [%s] %s/%s trace=%s conv=%s %s\n",
				e.Timestamp.Format("15:04:05"), e.Level, e.Component, e.Event, e.TraceID, e.ConversationID, e.Message)
		}
		return nil
	},
}

func init() {
	logsTailCmd.Flags().StringVar(&logsTailComponent, "component", "", "filter by component")
	logsTailCmd.Flags().StringVar(&logsTailLevel, "level", "", "filter by level")
	logsTailCmd.Flags().IntVar(&logsTailLimit, "limit", 50, "maximum events to show")
	logsCmd.AddCommand(logsTailCmd)
}
