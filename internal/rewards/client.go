// Package rewards fetches staking-reward history from chain explorer APIs.
// The orchestration core only depends on the Fetcher interface; the HTTP
// client here is one implementation of it.
package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polkatax/rewardsync/internal/chains"
	"github.com/polkatax/rewardsync/internal/model"
)

// StatusError is a fetch failure carrying an HTTP-like status code, recorded
// verbatim on the failed job so clients can display it.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("reward fetch failed with status %d: %s", e.Code, e.Message)
}

// Fetcher retrieves all staking rewards for a wallet on one chain, converted
// to one fiat currency, from fromDate (unix millis) onward.
type Fetcher interface {
	FetchStakingRewards(ctx context.Context, chain chains.Chain, wallet, currency string, fromDate int64) (*model.RewardData, error)
}

// Client talks to a subscan-style explorer API, one instance per explorer
// deployment, addressed by chain domain.
type Client struct {
	httpClient  *http.Client
	urlTemplate string
	apiKey      string
	pageSize    int
	maxTries    uint
}

var _ Fetcher = (*Client)(nil)

type ClientConfig struct {
	// URLTemplate is expanded with the chain domain, e.g.
	// "https://%s.explorer-api.example.com/api/v1/staking/rewards".
	URLTemplate string
	APIKey      string
	PageSize    int
	Timeout     time.Duration
	MaxTries    uint
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 4
	}
	return &Client{
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		urlTemplate: cfg.URLTemplate,
		apiKey:      cfg.APIKey,
		pageSize:    cfg.PageSize,
		maxTries:    cfg.MaxTries,
	}
}

type rewardsRequest struct {
	Address  string `json:"address"`
	Currency string `json:"currency"`
	From     int64  `json:"from"`
	Page     int    `json:"page"`
	Rows     int    `json:"rows"`
}

type rewardsResponse struct {
	List []struct {
		Hash      string `json:"hash"`
		Amount    string `json:"amount"`
		Timestamp int64  `json:"timestamp"`
		Price     string `json:"price"`
	} `json:"list"`
	Token       string `json:"token"`
	PriceEndDay string `json:"priceEndDay"`
	HasNext     bool   `json:"hasNext"`
}

// FetchStakingRewards pages through the explorer's reward history until the
// last page. Transient upstream failures (429, 5xx, network) are retried with
// exponential backoff; anything else surfaces as a StatusError.
func (c *Client) FetchStakingRewards(ctx context.Context, chain chains.Chain, wallet, currency string, fromDate int64) (*model.RewardData, error) {
	url := fmt.Sprintf(c.urlTemplate, chain.Domain)

	data := &model.RewardData{Token: chain.Token}
	for page := 0; ; page++ {
		resp, err := c.fetchPage(ctx, url, rewardsRequest{
			Address:  wallet,
			Currency: currency,
			From:     fromDate,
			Page:     page,
			Rows:     c.pageSize,
		})
		if err != nil {
			return nil, err
		}

		for _, entry := range resp.List {
			amount, err := decimal.NewFromString(entry.Amount)
			if err != nil {
				return nil, fmt.Errorf("failed to parse reward amount %q: %w", entry.Amount, err)
			}
			price := decimal.Zero
			if entry.Price != "" {
				price, err = decimal.NewFromString(entry.Price)
				if err != nil {
					return nil, fmt.Errorf("failed to parse reward price %q: %w", entry.Price, err)
				}
			}
			data.Values = append(data.Values, model.Reward{
				Hash:      entry.Hash,
				Amount:    amount,
				Timestamp: entry.Timestamp,
				Price:     price,
			})
		}

		if resp.Token != "" {
			data.Token = resp.Token
		}
		if resp.PriceEndDay != "" {
			priceEndDay, err := decimal.NewFromString(resp.PriceEndDay)
			if err != nil {
				return nil, fmt.Errorf("failed to parse end-of-day price %q: %w", resp.PriceEndDay, err)
			}
			data.PriceEndDay = priceEndDay
		}

		if !resp.HasNext {
			break
		}
	}

	log.Debug().
		Str("blockchain", chain.Name).
		Str("wallet", wallet).
		Int("rewards", len(data.Values)).
		Msg("Fetched staking rewards")

	return data, nil
}

func (c *Client) fetchPage(ctx context.Context, url string, req rewardsRequest) (*rewardsResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rewards request: %w", err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 1 * time.Second

	return backoff.Retry(ctx, func() (*rewardsResponse, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("X-API-Key", c.apiKey)
		}

		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err // network errors are retryable
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode != http.StatusOK {
			respErr := &StatusError{
				Code:    httpResp.StatusCode,
				Message: http.StatusText(httpResp.StatusCode),
			}
			if httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500 {
				return nil, respErr
			}
			return nil, backoff.Permanent(respErr)
		}

		payload, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, err
		}

		var resp rewardsResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode rewards response: %w", err))
		}
		return &resp, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(c.maxTries))
}
