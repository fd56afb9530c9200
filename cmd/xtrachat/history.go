package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	historyPage  int
	historyLimit int
	historyJSON  bool
)

func init() {
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "Page number, starting at 1")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Messages per page")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print one page of conversation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		page, err := client.Conversations.MessagePage(ctx, args[0], historyPage, historyLimit)
		if err != nil {
			return apiError(err)
		}

		if historyJSON {
			return printJSON(page)
		}
		if len(page.Messages) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		for _, m := range page.Messages {
			line := fmt.Sprintf("[%s] %s: %s", humanize.Time(m.CreatedAt), m.Sender, m.Text)
			for _, a := range m.Attachments {
				line += fmt.Sprintf(" [%s, %s]", a.Name, humanize.Bytes(uint64(a.Size)))
			}
			fmt.Println(line)
		}
		if page.HasMore {
			fmt.Printf("\nMore history: xtrachat history %s --page %d\n", args[0], page.Page+1)
		}
		return nil
	},
}
