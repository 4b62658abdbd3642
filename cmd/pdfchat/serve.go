package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"pdfchat/internal/bootstrap"
	httptransport "pdfchat/internal/transport/http"
)

var serveWithWorker bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		return withApp(ctx, nil, func(app *bootstrap.App) error {
			if serveWithWorker && !app.Config.Ingest.Inline {
				if err := app.StartWorker(ctx); err != nil {
					return err
				}
			}
			return serve(ctx, app)
		})
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "also consume ingest jobs in this process")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, app *bootstrap.App) error {
	router := httptransport.NewRouter(app)
	server := &http.Server{
		Addr:              app.Config.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Log.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.Log.Error("server shutdown failed", "error", err)
	}
	return nil
}
