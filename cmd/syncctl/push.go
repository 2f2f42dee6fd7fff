package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncular/syncular/internal/wire"
)

var (
	pushTable   string
	pushRowID   string
	pushOp      string
	pushPayload string
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Enqueue a row operation in the local outbox and send it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pushTable == "" || pushRowID == "" {
			return fmt.Errorf("--table and --row are required")
		}
		db, err := openClientDB()
		if err != nil {
			return fmt.Errorf("open client db: %w", err)
		}
		defer db.Close()

		engine, err := newOutboxEngine(db)
		if err != nil {
			return fmt.Errorf("build outbox engine: %w", err)
		}

		op := wire.Op{Table: pushTable, RowID: pushRowID, Op: pushOp}
		if pushPayload != "" {
			op.Payload = []byte(pushPayload)
		}

		ctx := context.Background()
		clientCommitID, err := engine.Enqueue(ctx, []wire.Op{op})
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		fmt.Printf("enqueued %s\n", clientCommitID)

		sent, err := engine.PumpOnce(ctx)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if sent {
			fmt.Println("sent")
		} else {
			fmt.Println("nothing pending")
		}
		return nil
	},
}

func init() {
	pushCmd.Flags().StringVar(&pushTable, "table", "", "table name")
	pushCmd.Flags().StringVar(&pushRowID, "row", "", "row id")
	pushCmd.Flags().StringVar(&pushOp, "op", "upsert", "upsert|delete")
	pushCmd.Flags().StringVar(&pushPayload, "payload", "", "row payload as a JSON object")
}
