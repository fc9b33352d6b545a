// Package token pays escrow value out through a remote fungible-token
// service.
package token

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"escrowflow/ledger"
)

// ClientConfig configures the token service client.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client calls the token service's transfer endpoint. A transfer the
// service answers with success=false is reported as (false, nil).
type Client struct {
	rc *resty.Client
}

func NewClient(cfg ClientConfig) *Client {
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}
	return &Client{rc: rc}
}

type transferRequest struct {
	To     ledger.Address `json:"to"`
	Amount ledger.Amount  `json:"amount"`
}

type transferResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) Transfer(ctx context.Context, to ledger.Address, amount ledger.Amount) (bool, error) {
	var out transferResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(transferRequest{To: to, Amount: amount}).
		SetResult(&out).
		SetError(&errorResponse{}).
		Post("/v1/transfers")
	if err != nil {
		return false, errors.Wrap(err, "Transfer")
	}
	if resp.IsError() {
		msg := resp.Status()
		if e, ok := resp.Error().(*errorResponse); ok && e.Error != "" {
			msg = e.Error
		}
		return false, errors.Errorf("Transfer: token service returned %d: %s", resp.StatusCode(), msg)
	}
	return out.Success, nil
}
