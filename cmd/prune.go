package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete history older than a cutoff",
	Long: `Delete visits, interactions, screenshots, snapshots, and embedding
records older than the given number of days. Sessions that become empty
are removed too. This cannot be undone.`,
	Run: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().Int("days", 0, "delete history older than this many days (default: configured retention)")
	pruneCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")
}

func runPrune(cmd *cobra.Command, args []string) {
	days, _ := cmd.Flags().GetInt("days")
	yes, _ := cmd.Flags().GetBool("yes")

	if days <= 0 {
		days = blurberryConfig.Capture.RetentionDays
	}
	if days <= 0 {
		fmt.Fprintln(os.Stderr, "Error: no cutoff given and no retention configured")
		os.Exit(1)
	}

	if !yes {
		fmt.Printf("Delete all history older than %d days? [y/N] ", days)
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("Aborted.")
			return
		}
	}

	store, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	deleted, err := store.DeleteOldHistory(context.Background(), days)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d visits older than %d days.\n", deleted, days)
}
