package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPBlockSource implements BlockSource against a NEAR block-data HTTP API
// in the shape fastnear's neardata service and near.org's equivalent both
// expose: GET <base>/v0/block/<height> for a specific height, GET
// <base>/v0/last_block/final for the current finalized tip. PrimaryURL is
// tried first; FallbackURL (optional) is tried only if PrimaryURL's request
// itself errors, matching original_source/worker/src/main.rs's
// EventMonitor::new(..., neardata_url, fastnear_url, ...) two-source
// construction — the concrete Rust client that shaped this (near_client.rs)
// was filtered out of the retrieval pack, so the JSON shape here follows
// the publicly documented neardata block-data API rather than that file.
type HTTPBlockSource struct {
	PrimaryURL  string
	FallbackURL string
	httpClient  *http.Client
}

// NewHTTPBlockSource builds an HTTPBlockSource. fallbackURL may be empty to
// disable the secondary source.
func NewHTTPBlockSource(primaryURL, fallbackURL string) *HTTPBlockSource {
	return &HTTPBlockSource{
		PrimaryURL:  strings.TrimRight(primaryURL, "/"),
		FallbackURL: strings.TrimRight(fallbackURL, "/"),
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type blockEnvelope struct {
	Block struct {
		Header struct {
			Height uint64 `json:"height"`
		} `json:"header"`
	} `json:"block"`
	Shards []struct {
		ReceiptExecutionOutcomes []struct {
			Receipt struct {
				ReceiverID string `json:"receiver_id"`
			} `json:"receipt"`
			ExecutionOutcome struct {
				Outcome struct {
					Logs []string `json:"logs"`
				} `json:"outcome"`
			} `json:"execution_outcome"`
		} `json:"receipt_execution_outcomes"`
	} `json:"shards"`
}

// LatestHeight implements BlockSource.
func (s *HTTPBlockSource) LatestHeight(ctx context.Context) (uint64, error) {
	env, ok, err := s.fetch(ctx, s.PrimaryURL, "/v0/last_block/final")
	if err != nil && s.FallbackURL != "" {
		env, ok, err = s.fetch(ctx, s.FallbackURL, "/v0/last_block/final")
	}
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("ingestor: no finalized block reported")
	}
	return env.Block.Header.Height, nil
}

// FetchBlock implements BlockSource.
func (s *HTTPBlockSource) FetchBlock(ctx context.Context, height uint64, contractID string) (Block, bool, error) {
	path := fmt.Sprintf("/v0/block/%d", height)
	env, ok, err := s.fetch(ctx, s.PrimaryURL, path)
	if err != nil && s.FallbackURL != "" {
		env, ok, err = s.fetch(ctx, s.FallbackURL, path)
	}
	if err != nil {
		return Block{}, false, err
	}
	if !ok {
		return Block{}, false, nil
	}

	block := Block{Height: env.Block.Header.Height}
	for _, shard := range env.Shards {
		for _, outcome := range shard.ReceiptExecutionOutcomes {
			if outcome.Receipt.ReceiverID != contractID {
				continue
			}
			block.Logs = append(block.Logs, outcome.ExecutionOutcome.Outcome.Logs...)
		}
	}
	return block, true, nil
}

func (s *HTTPBlockSource) fetch(ctx context.Context, baseURL, path string) (blockEnvelope, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return blockEnvelope{}, false, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return blockEnvelope{}, false, fmt.Errorf("ingestor: fetching %s%s: %w", baseURL, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return blockEnvelope{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return blockEnvelope{}, false, fmt.Errorf("ingestor: fetching %s%s: unexpected status %d", baseURL, path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return blockEnvelope{}, false, err
	}
	if len(body) == 0 || string(body) == "null" {
		return blockEnvelope{}, false, nil
	}

	var env blockEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return blockEnvelope{}, false, fmt.Errorf("ingestor: decoding %s%s: %w", baseURL, path, err)
	}
	return env, true, nil
}
