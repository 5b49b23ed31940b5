package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	osfs "github.com/hack-pad/hackpadfs/os"
	"github.com/spf13/cobra"

	"github.com/amlcodes/blurberry/internal/browser"
	"github.com/amlcodes/blurberry/internal/capture"
	"github.com/amlcodes/blurberry/internal/config"
	"github.com/amlcodes/blurberry/internal/history"
	"github.com/amlcodes/blurberry/internal/llm"
	"github.com/amlcodes/blurberry/internal/logging"
	"github.com/amlcodes/blurberry/internal/server"
	"github.com/amlcodes/blurberry/internal/vector"
	"github.com/amlcodes/blurberry/internal/workflow"
)

var (
	loader          *config.Loader
	blurberryConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blurberry",
	Short: "Blurberry - browsing history capture and retrieval",
	Long: `Blurberry records your browsing activity (page visits, interactions,
screenshots, DOM snapshots) into a local SQLite database, indexes page
content for semantic search, and can analyze sessions into structured,
automatable workflows.

When run without arguments, Blurberry launches Chrome and starts
recording. Use subcommands to query or analyze what it has captured.`,
	Run: runEngine,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().StringP("project", "p", ".", "project directory")
	rootCmd.Flags().Bool("headless", false, "run Chrome headless")
}

// initConfig initializes logging and loads the configuration.
func initConfig() {
	projectDir, _ := rootCmd.PersistentFlags().GetString("project")
	verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")

	if err := logging.Initialize(projectDir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	} else {
		logging.RedirectStandardLog()
	}
	if verbose {
		logging.GetLogger().SetLevel(logging.DEBUG)
	}

	loader = config.NewLoader(projectDir)

	var err error
	blurberryConfig, err = loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, using defaults\n", err)
		blurberryConfig = config.Default()
	}
}

// openStore opens the history database under the data directory.
func openStore() (*history.Store, error) {
	dataDir := loader.DataDir()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return history.Open(filepath.Join(dataDir, "history.db"))
}

// openIndex opens the vector index file under the data directory.
func openIndex() (*vector.Index, error) {
	fs := osfs.NewFS()
	path, err := fs.FromOSPath(filepath.Join(loader.DataDir(), "vectors.idx"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve index path: %w", err)
	}
	return vector.New(fs, path, blurberryConfig.AI.Dimensions, vector.DefaultCapacity)
}

// newLLMClient builds the AI client, or returns nil when no provider is
// configured. AI features degrade gracefully in that case.
func newLLMClient() llm.Client {
	client, err := llm.NewClient(blurberryConfig.AI)
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			logging.Info("No AI provider configured, semantic search and analysis disabled")
		} else {
			logging.Warn("Failed to create AI client: %v", err)
		}
		return nil
	}
	return client
}

// runEngine is the capture loop: Chrome, pipeline, query API, config
// watcher. Blocks until interrupted.
func runEngine(cmd *cobra.Command, args []string) {
	headless, _ := cmd.Flags().GetBool("headless")

	store, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	index, err := openIndex()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	client := newLLMClient()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if days := blurberryConfig.Capture.RetentionDays; days > 0 {
		if deleted, err := store.DeleteOldHistory(ctx, days); err != nil {
			logging.Warn("Retention prune failed: %v", err)
		} else if deleted > 0 {
			logging.Info("Pruned %d visits older than %d days", deleted, days)
		}
	}

	pipeline := capture.New(store, index, client, nil, blurberryConfig.Capture)
	analyzer := workflow.NewAnalyzer(store, client)

	monitor, err := browser.NewMonitor(pipeline, headless)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer monitor.Close()
	pipeline.SetSource(monitor)

	if err := pipeline.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(loader, func(updated *config.Config) {
		blurberryConfig = updated
		pipeline.UpdateConfig(updated.Capture)
	})
	if err != nil {
		logging.Warn("Config watcher unavailable: %v", err)
	} else if err := watcher.Start(ctx); err != nil {
		logging.Warn("Config watcher failed to start: %v", err)
	}

	srv := server.New(blurberryConfig.Server.Listen, store, index, client, pipeline, analyzer)
	go func() {
		if err := srv.Start(); err != nil {
			logging.Error("%v", err)
		}
	}()

	fmt.Printf("Recording browsing activity. Query API on http://%s\n", blurberryConfig.Server.Listen)
	fmt.Println("Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Server shutdown: %v", err)
	}
	if err := pipeline.Stop(shutdownCtx); err != nil {
		logging.Warn("Pipeline shutdown: %v", err)
	}
}
