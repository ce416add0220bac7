package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-sound-tracker/internal/httpclient"
	"github.com/JakeFAU/realtime-sound-tracker/internal/logging"
	"github.com/JakeFAU/realtime-sound-tracker/internal/poller"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

type submitResponse struct {
	ID     string         `json:"tracked_item_id"`
	Status tracker.Status `json:"status"`
	Error  string         `json:"error"`
}

func newSubmitCmd() *cobra.Command {
	var (
		flags      clientFlags
		kind       string
		campaignID string
		follow     bool
	)
	cmd := &cobra.Command{
		Use:   "submit URL",
		Short: "Submits a post or sound URL to a running tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			client := httpclient.New(httpclient.Config{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
				Timeout:     cfg.Retry.Timeout,
			}, httpclient.WithLogger(logger))

			res, raw, err := submit(cmd.Context(), client, flags.apiURL, flags.key(cfg), map[string]string{
				"url":         args[0],
				"kind":        kind,
				"campaign_id": campaignID,
			})
			if err != nil {
				return err
			}
			if _, err := cmd.OutOrStdout().Write(append(raw, '\n')); err != nil {
				return err
			}
			if !follow || !tracker.IsInFlight(res.Status) {
				return nil
			}
			src := poller.NewHTTPClient(client, flags.apiURL, flags.key(cfg))
			return watch(cmd.Context(), src, []string{res.ID}, pollerConfig(cfg), true, cmd.OutOrStdout(), logger)
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&kind, "kind", "", "post or sound (inferred from the URL when empty)")
	cmd.Flags().StringVar(&campaignID, "campaign", "", "campaign id to attach")
	cmd.Flags().BoolVar(&follow, "watch", false, "poll the item until it settles")
	return cmd
}

func submit(ctx context.Context, doer poller.Doer, baseURL, apiKey string, body map[string]string) (submitResponse, []byte, error) {
	for k, v := range body {
		if v == "" {
			delete(body, k)
		}
	}
	req, err := httpclient.NewJSONRequest("submit_item", http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/items", body)
	if err != nil {
		return submitResponse{}, nil, err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := doer.Do(ctx, req)
	if err != nil {
		return submitResponse{}, nil, fmt.Errorf("submit: %w", err)
	}
	var out submitResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return submitResponse{}, nil, fmt.Errorf("decode submit response: %w", err)
	}
	return out, resp.Body, nil
}
