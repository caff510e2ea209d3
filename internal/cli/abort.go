package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/harun/threadagent/internal/config"
	"github.com/harun/threadagent/pkg/gateway"
	"github.com/spf13/cobra"
)

var abortCmd = &cobra.Command{
	Use:   "abort <thread-id>",
	Short: "Cancel the running turn of a thread on the server",
	Long: `Ask the running server to cancel the turn in progress on a thread.
Steps completed before the abort stay in the thread history.`,
	Args: cobra.ExactArgs(1),
	RunE: runAbort,
}

func init() {
	rootCmd.AddCommand(abortCmd)
}

func runAbort(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	result, err := abortThread(cmd.Context(), client, gatewayURL(cfg), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if result.Aborted {
		fmt.Fprintf(out, "Aborted running turn on %s\n", result.ThreadID)
	} else {
		fmt.Fprintf(out, "No running turn on %s\n", result.ThreadID)
	}
	return nil
}

// gatewayURL is the base URL of the local server. Wildcard listen
// addresses are dialed on loopback.
func gatewayURL(cfg *config.Config) string {
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
}

func abortThread(ctx context.Context, client *http.Client, baseURL, threadID string) (gateway.AbortResponse, error) {
	endpoint := baseURL + "/chat/" + url.PathEscape(threadID) + "/abort"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return gateway.AbortResponse{}, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return gateway.AbortResponse{}, fmt.Errorf("server not reachable at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body gateway.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Details == "" {
			return gateway.AbortResponse{}, fmt.Errorf("abort failed: %s", resp.Status)
		}
		return gateway.AbortResponse{}, fmt.Errorf("abort failed: %s", body.Details)
	}

	var result gateway.AbortResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return gateway.AbortResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}
