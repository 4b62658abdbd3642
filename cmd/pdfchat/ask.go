package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pdfchat/internal/app"
	"pdfchat/internal/bootstrap"
)

var (
	askUserID     uint
	askDocumentID uint
	askSessionID  uint
	askJSON       bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about your documents",
	Long: `Asks one question in a chat session. Without --session a new session is
created, scoped to --document or to every ready document of the user.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().UintVarP(&askUserID, "user", "u", 0, "user id")
	askCmd.Flags().UintVarP(&askDocumentID, "document", "d", 0, "restrict retrieval to one document")
	askCmd.Flags().UintVarP(&askSessionID, "session", "s", 0, "continue an existing session")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the whole turn as JSON")
	_ = askCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")
	ctx := cmd.Context()

	return withApp(ctx, foreground, func(a *bootstrap.App) error {
		sessionID := askSessionID
		if sessionID == 0 {
			session, err := a.Chat.CreateSession(ctx, app.CreateSessionInput{
				UserID:     askUserID,
				DocumentID: askDocumentID,
			})
			if err != nil {
				return fmt.Errorf("create session failed: %w", err)
			}
			sessionID = session.ID
		}

		turn, err := a.Chat.SendMessage(ctx, app.SendMessageInput{
			UserID:    askUserID,
			SessionID: sessionID,
			Content:   question,
		})
		if err != nil {
			return err
		}

		if askJSON {
			data, err := json.MarshalIndent(turn, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal turn: %w", err)
			}
			cmd.Println(string(data))
			return nil
		}

		cmd.Println(turn.AssistantMessage.Content)
		cmd.Println()
		if turn.ContextUnavailable {
			cmd.Println("(answered without document context)")
		}
		for i, src := range turn.Sources {
			cmd.Printf("[%d] document %d, chunk %d, page %d (distance %.4f)\n",
				i+1, src.DocumentID, src.ChunkOrder, src.Page, src.Distance)
		}
		cmd.Printf("session %d\n", sessionID)
		return nil
	})
}
