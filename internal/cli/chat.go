package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harun/threadagent/internal/daemon"
	"github.com/harun/threadagent/pkg/agent"
	"github.com/spf13/cobra"
)

var chatThread string

var chatCmd = &cobra.Command{
	Use:   "chat [--thread id] message...",
	Short: "Send one message and print the answer",
	Long: `Send one message to the agent and print its answer.
Without --thread a new thread is started and its id printed first, so the
conversation can be continued with --thread.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatThread, "thread", "t", "", "continue an existing thread")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := setupLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer log.Close()

	engine, err := daemon.NewEngine(cfg, log.GetZerolog())
	if err != nil {
		return err
	}
	defer engine.Close()

	message := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	if chatThread == "" {
		result, err := engine.Runner.Start(cmd.Context(), message)
		if result.ThreadID != "" {
			fmt.Fprintf(out, "thread: %s\n", result.ThreadID)
		}
		return printAnswer(cmd, result.Response, err)
	}

	result, err := engine.Runner.Continue(cmd.Context(), chatThread, message)
	return printAnswer(cmd, result.Response, err)
}

// printAnswer prints response even when the run failed to checkpoint
func printAnswer(cmd *cobra.Command, response string, err error) error {
	if response != "" {
		fmt.Fprintln(cmd.OutOrStdout(), response)
	}
	if errors.Is(err, agent.ErrCheckpoint) && response != "" {
		return fmt.Errorf("answer was not saved: %w", err)
	}
	return err
}
