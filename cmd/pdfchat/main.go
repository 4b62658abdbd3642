package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pdfchat/internal/bootstrap"
	"pdfchat/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "pdfchat",
	Short:         "Chat with your documents",
	Long:          "Upload PDF or text documents, index them into pgvector and ask questions answered from their content.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withApp loads config, lets adjust change it, and boots the application.
func withApp(ctx context.Context, adjust func(*config.Config), run func(*bootstrap.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	if adjust != nil {
		adjust(cfg)
	}

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			app.Log.Error("close resources failed", "error", err)
		}
	}()
	return run(app)
}
