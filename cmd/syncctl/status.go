package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncular/syncular/internal/clientconfig"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show outbox and conflict counts for the local partition",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openClientDB()
		if err != nil {
			return fmt.Errorf("open client db: %w", err)
		}
		defer db.Close()

		ctx := context.Background()
		partitionID := clientconfig.GetPartitionID()

		applied, err := db.GetAppliedThrough(ctx, partitionID)
		if err != nil {
			return fmt.Errorf("get applied through: %w", err)
		}
		fmt.Printf("partition:        %s\n", partitionID)
		fmt.Printf("applied through:  %d\n", applied)

		if pending, ok, err := db.OldestPending(ctx); err != nil {
			return fmt.Errorf("oldest pending: %w", err)
		} else if ok {
			fmt.Printf("oldest pending:   %s (attempts=%d)\n", pending.ClientCommitID, pending.Attempts)
		} else {
			fmt.Println("oldest pending:   none")
		}

		conflicts, err := db.ListConflicts(ctx)
		if err != nil {
			return fmt.Errorf("list conflicts: %w", err)
		}
		fmt.Printf("conflicts:        %d\n", len(conflicts))
		for _, c := range conflicts {
			fmt.Printf("  - %s: %s/%s (server_version=%d)\n", c.ClientCommitID, c.Table, c.RowID, c.ServerVersion)
		}
		return nil
	},
}
