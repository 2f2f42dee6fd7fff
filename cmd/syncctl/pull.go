package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syncular/syncular/internal/clientconfig"
	"github.com/syncular/syncular/internal/clientsync"
	"github.com/syncular/syncular/internal/wire"
)

var pullTable string
var pullSubscription string

// printingHandler is a stand-in LocalHandler that prints applied rows and
// changes to stdout; a host application registers its own LocalHandler per
// table to write into its local store instead.
type printingHandler struct {
	table string
}

func (p printingHandler) Table() string { return p.table }

func (p printingHandler) OnSnapshotStart(ctx context.Context) error {
	fmt.Printf("[%s] snapshot start\n", p.table)
	return nil
}

func (p printingHandler) ApplySnapshotRows(ctx context.Context, rows []map[string]any) error {
	for _, row := range rows {
		b, _ := json.Marshal(row)
		fmt.Printf("[%s] row %s\n", p.table, b)
	}
	return nil
}

func (p printingHandler) OnSnapshotCommit(ctx context.Context) error {
	fmt.Printf("[%s] snapshot commit\n", p.table)
	return nil
}

func (p printingHandler) ApplyChange(ctx context.Context, ch wire.ChangeDTO) error {
	fmt.Printf("[%s] change %s %s\n", p.table, ch.Op, ch.RowID)
	return nil
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Run one pull round trip against syncd for a single subscription",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pullTable == "" {
			return fmt.Errorf("--table is required")
		}
		if pullSubscription == "" {
			pullSubscription = pullTable
		}

		cursors, err := loadCursors()
		if err != nil {
			return fmt.Errorf("load cursors: %w", err)
		}
		prev := cursors[pullSubscription]

		db, err := openClientDB()
		if err != nil {
			return fmt.Errorf("open client db: %w", err)
		}
		defer db.Close()

		deviceID, err := clientconfig.GetDeviceID()
		if err != nil {
			return fmt.Errorf("get device id: %w", err)
		}

		subs := []wire.SubscriptionRequest{{
			ID:             pullSubscription,
			Table:          pullTable,
			Cursor:         prev.Cursor,
			BootstrapState: prev.BootstrapState,
		}}

		engine := clientsync.New(newAPIClient(), db, []clientsync.LocalHandler{printingHandler{table: pullTable}},
			deviceID, clientconfig.GetPartitionID(), subs, cliLogger())

		if err := engine.PullOnce(context.Background()); err != nil {
			return fmt.Errorf("pull: %w", err)
		}

		cursors[pullSubscription] = subCursor{Cursor: subs[0].Cursor, BootstrapState: subs[0].BootstrapState}
		if err := saveCursors(cursors); err != nil {
			return fmt.Errorf("save cursors: %w", err)
		}
		fmt.Printf("pulled through cursor %d\n", subs[0].Cursor)
		return nil
	},
}

func init() {
	pullCmd.Flags().StringVar(&pullTable, "table", "", "table to pull")
	pullCmd.Flags().StringVar(&pullSubscription, "subscription", "", "subscription id (defaults to table name)")
}
