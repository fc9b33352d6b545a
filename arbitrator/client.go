package arbitrator

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"escrowflow/ledger"
)

const idempotencyHeader = "Idempotency-Key"

// ClientConfig configures the remote arbitrator client.
type ClientConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to a remote arbitration service over HTTP. Requests are not
// retried here; CreateDispute and Appeal send their key as Idempotency-Key
// so the caller can repeat them safely.
type Client struct {
	rc *resty.Client
}

var _ Arbitrator = (*Client)(nil)

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

type costResponse struct {
	Cost ledger.Amount `json:"cost"`
}

type createDisputeRequest struct {
	Choices   uint          `json:"choices"`
	ExtraData []byte        `json:"extra_data,omitempty"`
	Fee       ledger.Amount `json:"fee"`
}

type createDisputeResponse struct {
	DisputeID ledger.DisputeID `json:"dispute_id"`
}

type appealRequest struct {
	ExtraData []byte        `json:"extra_data,omitempty"`
	Fee       ledger.Amount `json:"fee"`
}

type appealPeriodResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type rulingResponse struct {
	Ruling Ruling `json:"ruling"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *Client) ArbitrationCost(ctx context.Context, extraData []byte) (ledger.Amount, error) {
	var out costResponse
	req := c.rc.R().SetContext(ctx).SetResult(&out).SetError(&errorResponse{})
	if len(extraData) > 0 {
		req.SetQueryParam("extra_data", string(extraData))
	}
	resp, err := req.Get("/v1/cost")
	if err := check(resp, err, "ArbitrationCost"); err != nil {
		return 0, err
	}
	return out.Cost, nil
}

func (c *Client) CreateDispute(ctx context.Context, key string, choices uint, extraData []byte, fee ledger.Amount) (ledger.DisputeID, error) {
	var out createDisputeResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader(idempotencyHeader, key).
		SetBody(createDisputeRequest{Choices: choices, ExtraData: extraData, Fee: fee}).
		SetResult(&out).
		SetError(&errorResponse{}).
		Post("/v1/disputes")
	if err := check(resp, err, "CreateDispute"); err != nil {
		return 0, err
	}
	return out.DisputeID, nil
}

func (c *Client) AppealCost(ctx context.Context, id ledger.DisputeID, extraData []byte) (ledger.Amount, error) {
	var out costResponse
	req := c.rc.R().
		SetContext(ctx).
		SetPathParam("id", disputePath(id)).
		SetResult(&out).
		SetError(&errorResponse{})
	if len(extraData) > 0 {
		req.SetQueryParam("extra_data", string(extraData))
	}
	resp, err := req.Get("/v1/disputes/{id}/appeal-cost")
	if err := check(resp, err, "AppealCost"); err != nil {
		return 0, err
	}
	return out.Cost, nil
}

func (c *Client) Appeal(ctx context.Context, key string, id ledger.DisputeID, extraData []byte, fee ledger.Amount) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader(idempotencyHeader, key).
		SetPathParam("id", disputePath(id)).
		SetBody(appealRequest{ExtraData: extraData, Fee: fee}).
		SetError(&errorResponse{}).
		Post("/v1/disputes/{id}/appeals")
	return check(resp, err, "Appeal")
}

func (c *Client) AppealPeriod(ctx context.Context, id ledger.DisputeID) (time.Time, time.Time, error) {
	var out appealPeriodResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("id", disputePath(id)).
		SetResult(&out).
		SetError(&errorResponse{}).
		Get("/v1/disputes/{id}/appeal-period")
	if err := check(resp, err, "AppealPeriod"); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return out.Start, out.End, nil
}

func (c *Client) CurrentRuling(ctx context.Context, id ledger.DisputeID) (Ruling, error) {
	var out rulingResponse
	resp, err := c.rc.R().
		SetContext(ctx).
		SetPathParam("id", disputePath(id)).
		SetResult(&out).
		SetError(&errorResponse{}).
		Get("/v1/disputes/{id}/ruling")
	if err := check(resp, err, "CurrentRuling"); err != nil {
		return 0, err
	}
	return out.Ruling, nil
}

func disputePath(id ledger.DisputeID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return errors.Wrap(err, op)
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	if e, ok := resp.Error().(*errorResponse); ok && e.Error != "" {
		msg = e.Error
	}
	var sentinel error
	switch resp.StatusCode() {
	case http.StatusNotFound:
		sentinel = ErrUnknownDispute
	case http.StatusPaymentRequired:
		sentinel = ErrInsufficientFee
	case http.StatusConflict:
		sentinel = ErrNotAppealable
	case http.StatusUnprocessableEntity:
		sentinel = ErrInvalidRuling
	default:
		return errors.Errorf("%s: remote arbitrator returned %d: %s", op, resp.StatusCode(), msg)
	}
	return errors.Wrap(fmt.Errorf("%w: %s", sentinel, msg), op)
}
