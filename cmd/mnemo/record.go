package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mnemo-dev/mnemo/internal/store"
)

var setCmd = &cobra.Command{
	Use:     "set <table> <id> <payload-json>",
	GroupID: "data",
	Short:   "Create or update a record",
	Args:    cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		logger := log.New(os.Stderr, "[set] ", log.LstdFlags)

		st, err := openStore(ctx, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		rec, err := st.Set(ctx, args[0], args[1], json.RawMessage(args[2]))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Saved %s/%s (updated_at=%d)\n", args[0], rec.ID, rec.UpdatedAt)
	},
}

var getCmd = &cobra.Command{
	Use:     "get <table> <id>",
	GroupID: "data",
	Short:   "Print a record as JSON",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		logger := log.New(os.Stderr, "[get] ", log.LstdFlags)

		st, err := openStore(ctx, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		rec, err := st.Get(ctx, args[0], args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		out, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <table> <id>",
	GroupID: "data",
	Short:   "Delete a record (tombstone)",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		logger := log.New(os.Stderr, "[delete] ", log.LstdFlags)

		st, err := openStore(ctx, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if err := st.Delete(ctx, args[0], args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Deleted %s/%s\n", args[0], args[1])
	},
}

var listCmd = &cobra.Command{
	Use:     "list <table>",
	GroupID: "data",
	Short:   "List record ids in a table",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		logger := log.New(os.Stderr, "[list] ", log.LstdFlags)

		st, err := openStore(ctx, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		if !store.KnownTable(args[0]) {
			fmt.Fprintf(os.Stderr, "Error: unknown table %q\n", args[0])
			os.Exit(1)
		}

		keys, err := st.Keys(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, id := range keys {
			fmt.Println(id)
		}
	},
}

func init() {
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(listCmd)
}
