package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show statistics about the recorded history",
	Run:   runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) {
	store, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	stats, err := store.GetStats(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Sessions:        %d\n", stats.TotalSessions)
	fmt.Printf("Page visits:     %d\n", stats.TotalVisits)
	fmt.Printf("Interactions:    %d\n", stats.TotalInteractions)
	fmt.Printf("Screenshots:     %d\n", stats.TotalScreenshots)
	fmt.Printf("DOM snapshots:   %d\n", stats.TotalSnapshots)
	fmt.Printf("Embedded visits: %d\n", stats.EmbeddedVisits)
	if stats.LastVisit != nil {
		fmt.Printf("Last visit:      %s\n", stats.LastVisit.Local().Format("2006-01-02 15:04:05"))
	}
	if len(stats.TopDomains) > 0 {
		fmt.Println("\nTop domains:")
		for _, d := range stats.TopDomains {
			fmt.Printf("  %5d  %s\n", d.Count, d.Domain)
		}
	}
}
