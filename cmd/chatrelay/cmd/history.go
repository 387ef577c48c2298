package cmd

import (
	"fmt"

	"github.com/nfrund/chatrelay/internal/client"
	"github.com/nfrund/chatrelay/internal/config"
	"github.com/nfrund/chatrelay/internal/history"
	"github.com/nfrund/chatrelay/internal/message"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	historyPath   string
	historyCount  int
	historyAsJSON bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the tail of a saved transcript",
	Long: `Print the last messages of a transcript file written by "chatrelay serve".

Examples:
  chatrelay history                      # last 25 messages of messages.json
  chatrelay history -n 100 --path /var/lib/chatrelay/messages.json
  chatrelay history --json               # same window, as a JSON array`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyPath, "path", config.DefaultHistoryPath, "transcript file")
	historyCmd.Flags().IntVarP(&historyCount, "count", "n", history.ReplayDepth, "number of messages to show")
	historyCmd.Flags().BoolVar(&historyAsJSON, "json", false, "print JSON instead of text")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := history.Load(afero.NewReadOnlyFs(afero.NewOsFs()), historyPath)
	if err != nil {
		return err
	}
	msgs := store.Recent(max(historyCount, 0))

	if historyAsJSON {
		data, err := message.EncodeAll(msgs)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", data)
		return err
	}

	r := client.NewTextRenderer(cmd.OutOrStdout())
	for _, m := range msgs {
		r.Push(m)
	}
	return nil
}
