package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"urlsentry/internal/config"
	"urlsentry/internal/engine"
	"urlsentry/internal/model"
)

const (
	serverReadTimeout = 10 * time.Second
	serverIdleTimeout = 60 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "urlsentry",
		Short:         "URL liveness monitor with remote list sync and webhook delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level, _ := cmd.Flags().GetString("log-level")
			pretty, _ := cmd.Flags().GetBool("pretty")
			setupLogging(level, pretty)
		},
	}
	root.PersistentFlags().String("config", "urlsentry.yaml", "Path to the YAML configuration file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	root.PersistentFlags().Bool("pretty", false, "Human readable console logs")

	root.AddCommand(newServeCmd(), newOnceCmd(), newVersionCmd())
	return root
}

func setupLogging(level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	if level == "" {
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("[Main] Unknown log level, keeping info")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the monitor and its HTTP API",
		RunE:  runServe,
	}
	cmd.Flags().Int("port", 0, "Port to listen on; overrides the config file and PORT")
	cmd.Flags().String("db", "", "SQLite database path; overrides the config file and DB_PATH")
	cmd.Flags().Bool("autostart", true, "Start both jobs on boot instead of only resuming enabled ones")
	cmd.Flags().Bool("fresh-config", false, "Ignore options saved through the API and use the config file")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	st, err := openStore(s.file.Database.Path)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx := context.Background()
	freshConfig, _ := cmd.Flags().GetBool("fresh-config")
	eng, err := engine.New(ctx, engine.Deps{
		Store:               st,
		Registerer:          reg,
		StaticItems:         s.items,
		IgnoreStoredOptions: freshConfig,
	}, s.file.Engine)
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	autostart, _ := cmd.Flags().GetBool("autostart")
	boot(ctx, eng, autostart)

	router := newRouter(eng, reg)
	server := &http.Server{
		Addr:        ":" + strconv.Itoa(s.file.Server.Port),
		Handler:     router,
		ReadTimeout: serverReadTimeout,
		IdleTimeout: serverIdleTimeout,
	}
	server.RegisterOnShutdown(router.closeStreams)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("[Main] Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("[Main] Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("[Main] Shutting down")

	return shutdown(server, eng, st)
}

// boot starts monitoring, or only resumes previously enabled jobs when autostart is off.
// A missing item source is not fatal: the operator can configure and start through the API.
func boot(ctx context.Context, eng *engine.Engine, autostart bool) {
	if !autostart {
		if err := eng.Wake(ctx); err != nil {
			log.Warn().Err(err).Msg("[Main] Wake finished with errors")
		}
		return
	}

	err := eng.Start(ctx)
	var cfgErr *model.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		log.Warn().Str("field", cfgErr.Field).Str("reason", cfgErr.Reason).
			Msg("[Main] Not starting jobs until configured, use PUT /api/config then POST /api/start")
	case err != nil:
		log.Error().Err(err).Msg("[Main] Failed to start jobs")
	}
}

func newOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one sync and one check cycle, print the batch and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(s.file.Database.Path)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := engine.New(ctx, engine.Deps{Store: st, StaticItems: s.items, IgnoreStoredOptions: true}, s.file.Engine)
			if err != nil {
				return err
			}
			defer eng.Close()
			return runOnce(ctx, eng, len(s.items), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("db", "", "SQLite database path; overrides the config file and DB_PATH")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "urlsentry %s\n", config.Version)
		},
	}
}
