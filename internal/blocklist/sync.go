package blocklist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/whitelist"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/utils"
	"go.uber.org/zap"
)

// Sync fetches the blocklist feed and installs it in the registry.
func (r *Registry) Sync(ctx context.Context, client *utils.APIClient) error {
	resp, err := client.DoRequest(ctx, utils.RequestOptions{
		Endpoint: "/sync/blocklist",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var response types.BlocklistResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		zap.L().Error("Failed to decode blocklist response", zap.Error(err))
		return fmt.Errorf("failed to decode response: %w", err)
	}

	n := r.ReplaceFeed(response.IPs)
	zap.L().Info("Blocklist feed synced", zap.Int("received", len(response.IPs)), zap.Int("blocked", n))
	return nil
}

// SyncWhitelist installs the whitelist feed and releases blocks it now covers.
func (r *Registry) SyncWhitelist(ctx context.Context, client *utils.APIClient) error {
	cidrs, err := whitelist.FetchFeed(ctx, client)
	if err != nil {
		return err
	}
	n := r.ReplaceWhitelistFeed(cidrs)
	zap.L().Info("Whitelist feed synced", zap.Int("received", len(cidrs)), zap.Int("applied", n))
	return nil
}
