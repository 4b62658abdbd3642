package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pdfchat/internal/app"
	"pdfchat/internal/bootstrap"
	"pdfchat/internal/config"
)

var (
	ingestUserID uint
	ingestTitle  string
	ingestTags   string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Extract, chunk and embed a document in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().UintVarP(&ingestUserID, "user", "u", 0, "owner user id")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (default file name)")
	ingestCmd.Flags().StringVar(&ingestTags, "tags", "", "comma separated tags")
	_ = ingestCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s failed: %w", path, err)
	}

	ctx := cmd.Context()
	return withApp(ctx, foreground, func(a *bootstrap.App) error {
		// Ingest runs below, so nothing is queued.
		a.Ingest.SetQueue(nil)

		doc, created, err := a.Ingest.Submit(ctx, app.UploadInput{
			UserID:   ingestUserID,
			Title:    ingestTitle,
			Filename: filepath.Base(path),
			Raw:      raw,
			Tags:     app.ParseTagList(ingestTags),
		})
		if err != nil {
			return err
		}
		if !created {
			cmd.Printf("Already uploaded as document %d (%s)\n", doc.ID, doc.Status)
		}

		doc, err = a.Ingest.Ingest(ctx, doc.ID, func(p app.IngestProgress) {
			cmd.Printf("\rembedded %d/%d chunks", p.Processed, p.Total)
		})
		cmd.Println()
		if err != nil {
			if errors.Is(err, ctx.Err()) {
				return fmt.Errorf("interrupted, run again to resume: %w", err)
			}
			return err
		}
		cmd.Printf("Document %d %q is %s with %d chunks\n", doc.ID, doc.Title, doc.Status, doc.ChunkTotal)
		return nil
	})
}

// foreground keeps CLI commands off the broker.
func foreground(cfg *config.Config) {
	cfg.Ingest.Inline = true
}
