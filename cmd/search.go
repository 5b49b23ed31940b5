package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amlcodes/blurberry/internal/history"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search recorded browsing history",
	Long: `Search page visits by title and URL. With --semantic, the query is
embedded and matched against indexed page content instead, which finds
pages by meaning rather than exact words.`,
	Args: cobra.MinimumNArgs(1),
	Run:  runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().Bool("semantic", false, "search by meaning using the vector index")
	searchCmd.Flags().IntP("limit", "n", 20, "maximum results")
}

func runSearch(cmd *cobra.Command, args []string) {
	query := strings.Join(args, " ")
	semantic, _ := cmd.Flags().GetBool("semantic")
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	var visits []history.PageVisit

	if semantic {
		client := newLLMClient()
		if client == nil {
			fmt.Fprintln(os.Stderr, "Error: semantic search requires a configured AI provider")
			os.Exit(1)
		}
		index, err := openIndex()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		embedding, err := client.EmbedText(ctx, query)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to embed query: %v\n", err)
			os.Exit(1)
		}
		for _, id := range index.Search(embedding, limit) {
			visit, err := store.GetVisit(ctx, id)
			if err != nil || visit == nil {
				continue
			}
			visits = append(visits, *visit)
		}
	} else {
		visits, err = store.SearchHistory(ctx, query, limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if len(visits) == 0 {
		fmt.Println("No matching visits.")
		return
	}
	printVisits(visits)
}

func printVisits(visits []history.PageVisit) {
	for _, v := range visits {
		title := v.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s\n", v.Timestamp.Local().Format("2006-01-02 15:04"), title)
		fmt.Printf("%18s%s", "", v.URL)
		if v.DurationMS != nil {
			fmt.Printf("  (%s)", (time.Duration(*v.DurationMS) * time.Millisecond).Round(time.Second))
		}
		fmt.Println()
	}
}
