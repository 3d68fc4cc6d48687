package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/chatbridge/pkg/adapter"
	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
	"github.com/dotsetgreg/chatbridge/pkg/platform"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "chatbridge",
		Short: "Platform adapter bridging chat services to an agent framework",
		Long: strings.TrimSpace(`chatbridge runs one long-lived adapter process per chat platform.

It holds a platform-native session on one side and the framework's
event socket on the other, translating between the two while enforcing
rate limits, caching conversations and handling attachments.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newRunCommand())
	root.AddCommand(newValidateCommand())
	root.AddCommand(newAdaptersCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newRunCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the adapter until interrupted",
		Example: strings.Join([]string{
			"  chatbridge run --config config.yaml",
			"  CHATBRIDGE_BOT_TOKEN=... chatbridge run --config discord.yaml",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := logger.Setup(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return err
			}
			defer logger.Close()

			a, err := adapter.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				return err
			}

			runErr := a.Run(ctx)

			stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := a.Stop(stopCtx); err != nil {
				logger.WarnCF("main", "Shutdown error", map[string]any{"error": err.Error()})
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	return cmd
}

func newValidateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("Config OK: adapter_type=%s eventbus=%s:%d storage=%s\n",
				cfg.Adapter.AdapterType, cfg.EventBus.Host, cfg.EventBus.Port, cfg.StorageDirAbs())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")
	return cmd
}

func newAdaptersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "adapters",
		Short: "List the platform adapter types built into this binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range platform.Registered() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
