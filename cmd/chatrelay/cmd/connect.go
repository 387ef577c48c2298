package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"

	"github.com/nfrund/chatrelay/internal/client"
	"github.com/nfrund/chatrelay/internal/logging"
	"github.com/spf13/cobra"
)

var (
	connectAddr string
	connectUser string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Join a chat relay from the terminal",
	Long: `Connect to a relay, send each line typed on stdin as a chat message and
print every message the relay sends back.

Examples:
  chatrelay connect --user alice
  chatrelay connect --addr chat.example.com:1997 --user bob`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectAddr, "addr", "127.0.0.1:1997", "relay address")
	connectCmd.Flags().StringVarP(&connectUser, "user", "u", "", "username to join as")
	_ = connectCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	logging.New("text", "warn")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	conn, err := client.Dial(ctx, connectAddr, connectUser)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx, client.NewTextRenderer(cmd.OutOrStdout()))
	}()

	go func() {
		sc := bufio.NewScanner(cmd.InOrStdin())
		for sc.Scan() {
			if err := conn.Send(sc.Text()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "send: %v\n", err)
				stop()
				return
			}
		}
		// stdin closed: hang up and let the relay announce it.
		conn.Close()
	}()

	return <-done
}
