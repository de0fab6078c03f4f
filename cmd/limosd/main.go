// limosd runs the LiMOS agent core as a process: the memory backend, the
// agent registry, scheduled retention and a read-only introspection API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KSDGitMe/LiMOS-sub001/internal/agent"
	"github.com/KSDGitMe/LiMOS-sub001/internal/agents/journal"
	"github.com/KSDGitMe/LiMOS-sub001/internal/config"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:           "limosd",
	Short:         "limosd - LiMOS agent runtime",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the introspection API and the retention janitor",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention pass over the memory backend and exit",
	RunE:  runSweep,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE:  runVersion,
}

var (
	configFlag   string
	journalsFlag []string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "YAML config file (overrides LIMOS_CONFIG)")
	serveCmd.Flags().StringSliceVar(&journalsFlag, "journal", nil, "Start a journal agent with this name (repeatable)")
	rootCmd.AddCommand(serveCmd, sweepCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("limosd failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFlag != "" {
		cfg, err = config.LoadFile(configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

// setupLogging installs the global zerolog logger. Unknown levels fall back to info.
func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Str("version", cfg.Version).Msg("LiMOS agent runtime starting")

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Runtime shutdown incomplete")
		}
	}()

	journals, err := startJournals(ctx, rt, journalsFlag)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      rt.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Port).Msg("Introspection API listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return rt.Janitor.Start(gCtx)
	})
	g.Go(func() error {
		return rt.Notifier.Run(gCtx)
	})
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	cleanupAgents(journals)
	return err
}

// startJournals creates and initializes one journal agent per name.
func startJournals(ctx context.Context, rt *server.Runtime, names []string) ([]*agent.BaseAgent, error) {
	agents := make([]*agent.BaseAgent, 0, len(names))
	for _, name := range names {
		a, err := rt.NewAgent(journal.Class, name, []string{"journal"},
			models.WithCapabilities(models.CapabilityJournaling))
		if err != nil {
			return nil, fmt.Errorf("start journal %q: %w", name, err)
		}
		if err := a.Initialize(ctx); err != nil {
			return nil, err
		}
		log.Info().Str("agent_id", a.ID()).Str("name", name).Msg("Journal agent started")
		agents = append(agents, a)
	}
	return agents, nil
}

func cleanupAgents(agents []*agent.BaseAgent) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, a := range agents {
		if err := a.Cleanup(ctx); err != nil {
			log.Warn().Err(err).Str("agent_id", a.ID()).Msg("Agent cleanup failed")
		}
	}
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}
	defer rt.Shutdown(ctx)

	stats := rt.Janitor.RunOnce(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "purged=%d archived=%d stale_removed=%d\n",
		stats.ExpiredPurged, stats.Archived, stats.StaleRemoved)
	if stats.ArchivePath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "archive=%s\n", stats.ArchivePath)
	}
	return errors.Join(stats.Errors...)
}

func runVersion(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFile(configFlag)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "limosd %s\n", cfg.Version)
	return nil
}
