package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded browsing sessions",
	Run:   runSessions,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show the page visits of one session",
	Args:  cobra.ExactArgs(1),
	Run:   runSessionShow,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionShowCmd)
	sessionsCmd.Flags().IntP("limit", "n", 20, "maximum sessions")
}

func runSessions(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	sessions, err := store.GetSessions(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded yet.")
		return
	}

	for _, s := range sessions {
		visits, err := store.GetSessionVisits(ctx, s.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		end := "open"
		if s.EndTime != nil {
			end = s.EndTime.Local().Format("15:04")
		}
		fmt.Printf("%s  %s - %s  %d visits\n",
			s.ID, s.StartTime.Local().Format("2006-01-02 15:04"), end, len(visits))
	}
}

func runSessionShow(cmd *cobra.Command, args []string) {
	store, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	visits, err := store.GetSessionVisits(context.Background(), args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(visits) == 0 {
		fmt.Println("No visits in this session.")
		return
	}
	printVisits(visits)
}
