package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Abhirajmaid/xtrawrkx-suits/sdk/chatsync"
)

var uploadMime string

func init() {
	uploadCmd.Flags().StringVar(&uploadMime, "mime", "", "Override the detected MIME type")
	rootCmd.AddCommand(uploadCmd)
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a file and print its attachment metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		att, err := client.Files.UploadFile(ctx, args[0], &chatsync.UploadOptions{
			MimeType: uploadMime,
			OnProgress: func(uploaded, total int64) {
				fmt.Fprintf(os.Stderr, "Uploaded %s of %s\n", humanize.Bytes(uint64(uploaded)), humanize.Bytes(uint64(total)))
			},
		})
		if err != nil {
			return apiError(err)
		}
		return printJSON(att)
	},
}
