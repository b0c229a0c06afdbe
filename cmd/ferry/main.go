package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dataferry/ferry"
)

var connectionsPath string

var rootCmd = &cobra.Command{
	Use:   "ferry",
	Short: "Stream delimited and JSON files into SQL tables",
}

var loadCmd = &cobra.Command{
	Use:   "load <job.toml>",
	Short: "Run a file-to-table load job",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoad,
}

var copyFlags struct {
	op        string
	keys      []string
	batchSize int
	tx        string
	onError   string
}

var copyCmd = &cobra.Command{
	Use:   "copy <source-connection> <query> <target-connection> <table>",
	Short: "Copy query results into a table, one column spec per result column",
	Args:  cobra.ExactArgs(4),
	RunE:  runCopy,
}

var execCmd = &cobra.Command{
	Use:   "exec <connection> <script.sql>",
	Short: "Run a SQL script against a named connection",
	Args:  cobra.ExactArgs(2),
	RunE:  runExec,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ferry version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(versionString())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&connectionsPath, "connections", "connections.toml", "path to the connections TOML file")
	copyCmd.Flags().StringVar(&copyFlags.op, "op", "insert", "DML operation: insert, update, delete, merge")
	copyCmd.Flags().StringSliceVar(&copyFlags.keys, "key", nil, "key column (repeatable; required for update, delete, merge)")
	copyCmd.Flags().IntVar(&copyFlags.batchSize, "batch-size", 1000, "rows per batch")
	copyCmd.Flags().StringVar(&copyFlags.tx, "tx", "batch", "transaction mode: none, run, batch")
	copyCmd.Flags().StringVar(&copyFlags.onError, "on-error", "continue", "error policy: continue, abort")
	rootCmd.AddCommand(loadCmd, copyCmd, execCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openConnection(name string) (*ferry.DB, error) {
	conns, err := ferry.LoadConnections(connectionsPath)
	if err != nil {
		return nil, err
	}
	return conns.Open(name)
}

func runLoad(cmd *cobra.Command, args []string) error {
	job, err := ferry.LoadJob(args[0])
	if err != nil {
		return err
	}

	ctx := context.Background()
	start := time.Now()

	db, err := openConnection(job.Connection)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", job.Connection, err)
	}

	src, err := job.OpenSource()
	if err != nil {
		return err
	}
	defer src.Close()

	cur := db.Cursor()
	defer cur.Close()

	tbl, err := ferry.NewTable(job.Table, cur, job.Specs())
	if err != nil {
		return err
	}
	surge, err := ferry.NewSurge(tbl, job.SurgeOptions()...)
	if err != nil {
		return err
	}

	log.Printf("loading %s into %s (%s, batch %d)", job.Source, job.Table, job.Operation, job.BatchSize)
	prog, err := surge.Run(ctx, job.Op(), src.Records())
	if err != nil {
		return err
	}
	log.Printf("done in %s: processed=%d written=%d incomplete=%d errors=%d",
		time.Since(start).Round(time.Millisecond),
		prog.Processed, prog.Written(), prog.Incomplete, prog.Errors)
	if prog.Errors > 0 {
		return fmt.Errorf("%d rows failed", prog.Errors)
	}
	return nil
}

func runCopy(cmd *cobra.Command, args []string) error {
	srcName, query, dstName, table := args[0], args[1], args[2], args[3]

	op, err := parseOp(copyFlags.op)
	if err != nil {
		return err
	}
	opts, err := copySurgeOptions()
	if err != nil {
		return err
	}

	ctx := context.Background()
	start := time.Now()

	srcDB, err := openConnection(srcName)
	if err != nil {
		return err
	}
	defer srcDB.Close()
	dstDB, err := openConnection(dstName)
	if err != nil {
		return err
	}
	defer dstDB.Close()

	srcCur := srcDB.Cursor()
	defer srcCur.Close()
	if err := srcCur.Execute(ctx, query, nil); err != nil {
		return fmt.Errorf("source query: %w", err)
	}

	// one pass-through column per result column
	keys := make(map[string]bool, len(copyFlags.keys))
	for _, k := range copyFlags.keys {
		keys[ferry.Normalize(k)] = true
	}
	cols := srcCur.Columns(false)
	if len(cols) == 0 {
		return fmt.Errorf("source query returned no columns")
	}
	specs := make([]ferry.ColumnSpec, len(cols))
	matched := 0
	for i, col := range cols {
		specs[i] = ferry.ColumnSpec{Name: col, Key: keys[ferry.Normalize(col)]}
		if specs[i].Key {
			matched++
		}
	}
	if matched != len(keys) {
		return fmt.Errorf("--key names a column the query does not return (have: %v)", cols)
	}

	dstCur := dstDB.Cursor()
	defer dstCur.Close()
	tbl, err := ferry.NewTable(table, dstCur, specs)
	if err != nil {
		return err
	}
	surge, err := ferry.NewSurge(tbl, opts...)
	if err != nil {
		return err
	}

	log.Printf("copying %s query into %s (%s)", srcName, table, copyFlags.op)
	prog, err := surge.Run(ctx, op, srcCur.Iter())
	if err != nil {
		return err
	}
	log.Printf("done in %s: processed=%d written=%d incomplete=%d errors=%d",
		time.Since(start).Round(time.Millisecond),
		prog.Processed, prog.Written(), prog.Incomplete, prog.Errors)
	if prog.Errors > 0 {
		return fmt.Errorf("%d rows failed", prog.Errors)
	}
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	db, err := openConnection(args[0])
	if err != nil {
		return err
	}
	defer db.Close()

	cur := db.Cursor()
	defer cur.Close()

	n, err := cur.ExecuteScript(context.Background(), args[1])
	if err != nil {
		return err
	}
	log.Printf("executed %d statements from %s", n, args[1])
	return nil
}

func parseOp(s string) (ferry.Op, error) {
	op, err := ferry.ParseOp(s)
	if err != nil || op == ferry.OpSelect {
		return 0, fmt.Errorf("op must be one of: insert, update, delete, merge")
	}
	return op, nil
}

func copySurgeOptions() ([]ferry.SurgeOption, error) {
	var tx ferry.TxMode
	switch copyFlags.tx {
	case "none":
		tx = ferry.TxNone
	case "run":
		tx = ferry.TxRun
	case "batch":
		tx = ferry.TxBatch
	default:
		return nil, fmt.Errorf("tx must be one of: none, run, batch")
	}
	var onErr ferry.ErrorPolicy
	switch copyFlags.onError {
	case "continue":
		onErr = ferry.ErrContinue
	case "abort":
		onErr = ferry.ErrAbort
	default:
		return nil, fmt.Errorf("on-error must be one of: continue, abort")
	}
	return []ferry.SurgeOption{
		ferry.WithBatchSize(copyFlags.batchSize),
		ferry.WithTxMode(tx),
		ferry.WithOnError(onErr),
	}, nil
}
