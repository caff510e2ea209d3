package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/threadagent/pkg/checkpoint"
	"github.com/harun/threadagent/pkg/conversation"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	historyFormat string
	threadsFormat string
)

var historyCmd = &cobra.Command{
	Use:   "history <thread>",
	Short: "Print a thread's message history",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List stored threads, most recently updated first",
	Args:  cobra.NoArgs,
	RunE:  runThreads,
}

func init() {
	historyCmd.Flags().StringVarP(&historyFormat, "format", "f", formatText, "output format (text, json, yaml)")
	threadsCmd.Flags().StringVarP(&threadsFormat, "format", "f", formatText, "output format (text, json, yaml)")
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(threadsCmd)
}

// openStore opens the configured checkpoint store without a model provider
func openStore() (checkpoint.Checkpointer, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return checkpoint.Open(cfg.Storage.Backend, cfg.Storage.Path)
}

func runHistory(cmd *cobra.Command, args []string) error {
	threadID := args[0]
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cp, err := store.Load(cmd.Context(), threadID)
	if err != nil {
		return err
	}
	if cp.State.Len() == 0 {
		return fmt.Errorf("thread %s not found", threadID)
	}

	out := cmd.OutOrStdout()
	messages := cp.State.Messages()
	switch historyFormat {
	case formatJSON:
		return writeJSON(out, map[string]interface{}{"threadId": threadID, "messages": messages})
	case formatYAML:
		return writeYAML(out, map[string]interface{}{"thread_id": threadID, "messages": messages})
	case formatText:
		for _, msg := range messages {
			fmt.Fprintln(out, formatMessage(msg))
		}
		return nil
	default:
		return unknownFormat(historyFormat)
	}
}

func runThreads(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	threads, err := store.List(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch threadsFormat {
	case formatJSON:
		return writeJSON(out, map[string]interface{}{"threads": threads})
	case formatYAML:
		return writeYAML(out, map[string]interface{}{"threads": threads})
	case formatText:
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "THREAD\tMESSAGES\tUPDATED")
		for _, t := range threads {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", t.ThreadID, t.Messages, t.UpdatedAt.Local().Format(time.RFC3339))
		}
		return tw.Flush()
	default:
		return unknownFormat(threadsFormat)
	}
}

// formatMessage renders one message on a single line, e.g.
// "assistant: calls calculator(num1=2, num2=2, operation=add) [call_1]".
func formatMessage(msg conversation.Message) string {
	switch {
	case msg.HasToolCalls():
		calls := make([]string, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			calls = append(calls, fmt.Sprintf("%s(%s) [%s]", call.Name, formatArguments(call.Arguments), call.ID))
		}
		line := fmt.Sprintf("%s: calls %s", msg.Role, strings.Join(calls, ", "))
		if msg.Content != "" {
			line = fmt.Sprintf("%s: %s\n  calls %s", msg.Role, msg.Content, strings.Join(calls, ", "))
		}
		return line
	case msg.Role == conversation.RoleTool:
		return fmt.Sprintf("tool [%s]: %s", msg.ToolCallID, msg.Content)
	default:
		return fmt.Sprintf("%s: %s", msg.Role, msg.Content)
	}
}

func formatArguments(args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for key := range args {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, args[key]))
	}
	return strings.Join(parts, ", ")
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func unknownFormat(format string) error {
	return fmt.Errorf("unknown format %q (must be one of: %s, %s, %s)", format, formatText, formatJSON, formatYAML)
}
