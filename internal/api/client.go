package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Martin-Hayot/auction-storefront/configs"
	"github.com/Martin-Hayot/auction-storefront/pkg/errors"
	"github.com/Martin-Hayot/auction-storefront/pkg/types"
	"github.com/charmbracelet/log"
)

// Client talks to the auction HTTP API.
type Client struct {
	baseURL string
	cdnURL  string
	http    *http.Client
}

func New(cfg configs.APIConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cdnURL:  cfg.CDNURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchCatalog returns every lot, with image paths resolved against the CDN.
func (c *Client) FetchCatalog(ctx context.Context) ([]types.LotRecord, error) {
	var list types.LotList
	if err := c.do(ctx, http.MethodGet, "/lot", nil, &list); err != nil {
		return nil, errors.Wrap(err, "error getting lot list")
	}
	for i := range list.Items {
		list.Items[i].Image = c.cdnURL + list.Items[i].Image
	}
	log.Debugf("Fetched %d lots", len(list.Items))
	return list.Items, nil
}

func (c *Client) FetchLotDetail(ctx context.Context, id string) (types.LotDetail, error) {
	var detail types.LotDetail
	if err := c.do(ctx, http.MethodGet, "/lot/"+url.PathEscape(id), nil, &detail); err != nil {
		return types.LotDetail{}, errors.Wrap(err, "error getting lot "+id)
	}
	return detail, nil
}

func (c *Client) SubmitOrder(ctx context.Context, order types.Order) (types.OrderAck, error) {
	var ack types.OrderAck
	if err := c.do(ctx, http.MethodPost, "/order", order, &ack); err != nil {
		return types.OrderAck{}, errors.Wrap(err, "error submitting order")
	}
	return ack, nil
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Fatal(errors.ErrDecode, err, "encode request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Fatal(errors.ErrInternalServer, err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Fatal(errors.ErrUpstream, err, "request cancelled")
		}
		return errors.Retryable(errors.ErrUpstream, err, "request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Retryable(errors.ErrUpstream, err, "read response")
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg := resp.Status
		var eb errorBody
		if json.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		upstream := fmt.Errorf("%s %s: %s", method, path, msg)
		if retryableStatus(resp.StatusCode) {
			return errors.Retryable(resp.StatusCode, upstream, "upstream unavailable")
		}
		return errors.Fatal(resp.StatusCode, upstream, "upstream rejected request")
	}

	if dest == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errors.Fatal(errors.ErrDecode, err, "decode response")
	}
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
