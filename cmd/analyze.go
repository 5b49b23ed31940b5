package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amlcodes/blurberry/internal/llm"
	"github.com/amlcodes/blurberry/internal/workflow"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [session-id]",
	Short: "Analyze browsing activity into a structured workflow",
	Long: `Analyze a session's recorded activity with the configured AI provider
and produce a structured workflow: named steps, repeatability score, and
automation potential.

Without a session ID, the most recent visits across sessions are
analyzed. Results for sessions are cached; use --cached to read the
cache without calling the provider again.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().IntP("limit", "n", 50, "visit count when analyzing recent history")
	analyzeCmd.Flags().Bool("cached", false, "read the cached result for the session")
	analyzeCmd.Flags().String("export", "", "output format: json (default), prompt, script")
}

func runAnalyze(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	cached, _ := cmd.Flags().GetBool("cached")
	export, _ := cmd.Flags().GetString("export")

	store, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	client := newLLMClient()
	if client == nil && !cached {
		fmt.Fprintln(os.Stderr, "Error: analysis requires a configured AI provider")
		os.Exit(1)
	}
	analyzer := workflow.NewAnalyzer(store, client)

	ctx := context.Background()
	var result *llm.Workflow

	switch {
	case cached:
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "Error: --cached requires a session ID")
			os.Exit(1)
		}
		result, err = analyzer.CachedWorkflow(ctx, args[0])
		if err == nil && result == nil {
			fmt.Fprintf(os.Stderr, "Error: no cached workflow for session %s\n", args[0])
			os.Exit(1)
		}
	case len(args) == 1:
		result, err = analyzer.AnalyzeSession(ctx, args[0])
	default:
		result, err = analyzer.AnalyzeRecentHistory(ctx, limit)
	}

	if err != nil {
		if errors.Is(err, workflow.ErrNothingToAnalyze) {
			fmt.Fprintln(os.Stderr, "Error: no browsing history to analyze")
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	switch export {
	case "prompt":
		fmt.Print(workflow.ExportAgentPrompt(result))
	case "script":
		fmt.Print(workflow.ExportAutomationScript(result))
	case "", "json":
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown export format %q\n", export)
		os.Exit(1)
	}
}
