package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	urlFlagName     = "url"
	secretFlagName  = "secret"
	timeoutFlagName = "timeout"
)

func init() {
	rootCmd.AddCommand(matchCmd)
	matchCmd.Flags().String(urlFlagName, "http://localhost:8080", "Base URL of the exchange server")
	matchCmd.Flags().String(secretFlagName, "", "Internal job secret (defaults to $EXCHANGE_AUTH_INTERNAL_JOB_SECRET)")
	matchCmd.Flags().Duration(timeoutFlagName, 30*time.Second, "Request timeout")
}

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Run a matching sweep over every open order",
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, err := cmd.Flags().GetString(urlFlagName)
		if err != nil {
			return err
		}
		secret, err := cmd.Flags().GetString(secretFlagName)
		if err != nil {
			return err
		}
		if secret == "" {
			secret = os.Getenv("EXCHANGE_AUTH_INTERNAL_JOB_SECRET")
		}
		if secret == "" {
			return errors.New("no internal job secret, pass --secret or run `exchangectl secret`")
		}
		timeout, err := cmd.Flags().GetDuration(timeoutFlagName)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := triggerMatching(ctx, http.DefaultClient, baseURL, secret)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\nOrders matched: %d\n", res.Message, res.Matches)
		if res.Error != "" {
			return errors.New(res.Error)
		}
		return nil
	},
}

type matchResponse struct {
	Message string `json:"message"`
	Matches int    `json:"matches"`
	Error   string `json:"error"`
}

// triggerMatching posts to the internal job endpoint
func triggerMatching(ctx context.Context, client *http.Client, baseURL, secret string) (*matchResponse, error) {
	endpoint := strings.TrimRight(baseURL, "/") + "/internal/job"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res matchResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &res, nil
}
