package whitelist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/utils"
	"go.uber.org/zap"
)

// FetchFeed downloads the whitelist feed.
func FetchFeed(ctx context.Context, client *utils.APIClient) ([]string, error) {
	resp, err := client.DoRequest(ctx, utils.RequestOptions{
		Endpoint: "/sync/whitelist",
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var response types.WhitelistResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		zap.L().Error("Failed to decode whitelist response", zap.Error(err))
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.CIDRs, nil
}
