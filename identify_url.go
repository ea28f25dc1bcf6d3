package relay

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// IdentifyViaURL delegates identify pacing to an external coordinator.
// It sends a POST request with the shard_id, shard_count, token,
// token_hash and max_concurrency in the body, or substituted into the
// URL itself via formatting tags:
// - {shard_id}
// - {shard_count}
// - {token}
// - {token_hash}
// - {max_concurrency}
//
// A 200 or 204 response grants the slot. A 429 retries after the
// `X-Retry-After-Ms` header, or 5000 milliseconds when absent.
type IdentifyViaURL struct {
	Client  *http.Client
	URL     string
	Headers map[string]string
}

func NewIdentifyViaURL(url string, headers map[string]string) *IdentifyViaURL {
	return &IdentifyViaURL{
		Client:  http.DefaultClient,
		URL:     url,
		Headers: headers,
	}
}

func (i *IdentifyViaURL) Identify(ctx context.Context, shard *Shard) error {
	configuration := shard.manager.configuration.Load()
	hash := tokenHash(configuration.BotToken)

	maxConcurrency := int32(1)
	if gateway := shard.manager.gateway.Load(); gateway != nil {
		maxConcurrency = gateway.SessionStartLimit.MaxConcurrency
	}

	shardCount := shard.manager.shardCount.Load()

	identifyURL := i.URL
	identifyURL = strings.Replace(identifyURL, "{shard_id}", strconv.Itoa(int(shard.ShardID)), 1)
	identifyURL = strings.Replace(identifyURL, "{shard_count}", strconv.Itoa(int(shardCount)), 1)
	identifyURL = strings.Replace(identifyURL, "{token}", configuration.BotToken, 1)
	identifyURL = strings.Replace(identifyURL, "{token_hash}", hash, 1)
	identifyURL = strings.Replace(identifyURL, "{max_concurrency}", strconv.Itoa(int(maxConcurrency)), 1)

	if _, err := url.Parse(identifyURL); err != nil {
		return fmt.Errorf("failed to parse identify URL: %w", err)
	}

	identifyPayload := struct {
		Token          string `json:"token"`
		TokenHash      string `json:"token_hash"`
		ShardID        int    `json:"shard_id"`
		ShardCount     int    `json:"shard_count"`
		MaxConcurrency int    `json:"max_concurrency"`
	}{
		Token:          configuration.BotToken,
		TokenHash:      hash,
		ShardID:        int(shard.ShardID),
		ShardCount:     int(shardCount),
		MaxConcurrency: int(maxConcurrency),
	}

	body, err := jsoniter.Marshal(identifyPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal identify payload: %w", err)
	}

	for {
		granted, retryAfter, err := i.request(ctx, identifyURL, body)
		if err != nil {
			return err
		}

		if granted {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

func (i *IdentifyViaURL) request(ctx context.Context, identifyURL string, body []byte) (granted bool, retryAfter time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, identifyURL, bytes.NewReader(body))
	if err != nil {
		return false, 0, fmt.Errorf("failed to create identify request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range i.Headers {
		req.Header.Set(key, value)
	}

	resp, err := i.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, 0, ctx.Err()
		}

		// Treat transport failures as a full-window wait. The
		// coordinator may be restarting.
		return false, StandardIdentifyLimit, nil
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return true, 0, nil
	}

	retryAfterMs, _ := strconv.Atoi(resp.Header.Get("X-Retry-After-Ms"))
	if retryAfterMs > 0 {
		return false, time.Duration(retryAfterMs) * time.Millisecond, nil
	}

	return false, StandardIdentifyLimit, nil
}
