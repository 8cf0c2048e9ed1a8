package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xibo-players/mediacache/pkg/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the store contents",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runList(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList() error {
	st, err := store.New(store.Config{Root: flagDataDir})
	if err != nil {
		return err
	}
	entries, err := st.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSIZE\tCHUNKED\tCOMPLETE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%v\t%v\n", e.KeyStr, e.Size, e.Chunked, e.Complete)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	total, err := st.TotalSize()
	if err != nil {
		return err
	}
	fmt.Printf("\n%d files, %d bytes on disk\n", len(entries), total)
	return nil
}
