package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle against the remote store",
	Long: `Fetch and apply operations the remote accepted since the last sync,
then push any local changes that never reached the remote.`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		ctx := context.Background()
		start := time.Now()

		result, err := app.engine.Sync(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		pushed, err := app.service.FlushPending(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error pushing pending changes: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Applied:  %d\n", result.Applied)
		fmt.Printf("  Pushed:   %d\n", pushed)
		fmt.Printf("  Sequence: %d\n", result.Sequence)
		if result.FullResync {
			fmt.Println("  Full resync: remote store was reset")
		}
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Compare the local mirror against the remote store",
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		status, err := app.engine.CheckSyncStatus(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking status: %v\n", err)
			os.Exit(1)
		}

		pending, err := app.store.ListPendingChanges()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading pending changes: %v\n", err)
			os.Exit(1)
		}

		switch {
		case status.ResetDetected:
			fmt.Println("Remote store was reset; next sync performs a full resync")
		case status.InSync:
			fmt.Println("In sync")
		default:
			fmt.Printf("Behind by %d operations\n", status.OperationsBehind)
		}
		fmt.Printf("  Local sequence:  %d\n", status.LocalSequence)
		fmt.Printf("  Remote sequence: %d\n", status.RemoteSequence)
		fmt.Printf("  Pending pushes:  %d\n", len(pending))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
