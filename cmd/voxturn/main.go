package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/harunnryd/voxturn/pkg/logging"
	twiliotransport "github.com/harunnryd/voxturn/pkg/transports/twilio"
	"github.com/harunnryd/voxturn/pkg/voxturn"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errorsx.HasReason(err, errorsx.ReasonConfiguration) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "voxturn",
		Short:         "Real-time spoken dialogue orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "voxturn.yaml", "path to the YAML config")

	root.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Serve calls with the configured transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, false)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "dev",
		Short: "Serve calls with debug text logging",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, true)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load the config and build every provider without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := voxturn.LoadConfig(configPath)
			if err != nil {
				return err
			}
			logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
			if _, err := buildEngine(cmd.Context(), cfg, logger); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: transport=%s stt=%s tts=%s llm=%s\n",
				cfg.Transports.Provider, cfg.Vendors.STT.Provider, cfg.Vendors.TTS.Provider, cfg.Vendors.LLM.Provider)
			return nil
		},
	})
	root.AddCommand(newDialCommand(&configPath))
	return root
}

func newDialCommand(configPath *string) *cobra.Command {
	var to, from, url string
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Place an outbound call whose media stream is served by a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := voxturn.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if !strings.EqualFold(strings.TrimSpace(cfg.Transports.Provider), "twilio") {
				return errorsx.Errorf(errorsx.ReasonConfiguration, "dial requires transports.provider twilio, got %q", cfg.Transports.Provider)
			}
			settings, err := twilioSettings(cfg)
			if err != nil {
				return err
			}
			callSID, err := twiliotransport.NewDialer(settings).Dial(cmd.Context(), to, from, url)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), callSID)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination number")
	cmd.Flags().StringVar(&from, "from", "", "caller ID")
	cmd.Flags().StringVar(&url, "url", "", "voice webhook override, defaults to this instance")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func serve(parent context.Context, configPath string, dev bool) error {
	cfg, err := voxturn.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if dev {
		cfg.LogLevel = "debug"
		cfg.LogFormat = "text"
	}
	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return engine.Run(ctx)
}

func buildEngine(ctx context.Context, cfg voxturn.Config, logger *slog.Logger) (*voxturn.Engine, error) {
	providers := voxturn.NewProviderRegistry()
	registerProviders(providers)
	return voxturn.NewEngine(ctx, voxturn.EngineOptions{
		Config:    cfg,
		Providers: providers,
		Logger:    logger,
	})
}
