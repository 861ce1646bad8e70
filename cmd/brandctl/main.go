package main

import (
	"context"
	"fmt"
	"os"

	"brandpool/internal/app"
	"brandpool/internal/config"
	"brandpool/internal/logging"
	"brandpool/internal/services"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "brandctl",
	Short:         "brandctl - operator commands for the brandpool service",
	Long:          `Run database migrations, manage tester codes and mint session tokens for brandpool.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(".env"); err == nil {
			if err := godotenv.Load(); err != nil {
				return fmt.Errorf("load .env: %w", err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(testerCodeCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	logging.Init(logging.Config{Format: "console", Level: cfg.LogLevel, Component: "brandctl"})
	return cfg, nil
}

// withService 打开存储并构建服务，命令结束后释放
func withService(ctx context.Context, fn func(svc *services.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := app.OpenStore(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer st.Close()
	svc, cleanup, err := app.NewService(ctx, cfg, st)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(svc)
}
