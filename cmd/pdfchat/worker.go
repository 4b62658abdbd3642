package main

import (
	"github.com/spf13/cobra"

	"pdfchat/internal/bootstrap"
	"pdfchat/internal/config"
)

var workerConcurrency int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume document ingest jobs from RabbitMQ",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		adjust := func(cfg *config.Config) {
			cfg.Ingest.Inline = false
			if workerConcurrency > 0 {
				cfg.Ingest.Concurrency = workerConcurrency
			}
		}
		return withApp(ctx, adjust, func(app *bootstrap.App) error {
			if err := app.StartWorker(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			app.Log.Info("ingest worker stopping")
			return nil
		})
	},
}

func init() {
	workerCmd.Flags().IntVarP(&workerConcurrency, "concurrency", "c", 0, "documents ingested in parallel (default from config)")
	rootCmd.AddCommand(workerCmd)
}
