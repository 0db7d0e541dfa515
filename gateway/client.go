package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ar-io/uploader/config/params"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// TxState is the lifecycle position of a posted transaction.
type TxState int

const (
	// TxNotFound means the gateway does not know the transaction.
	TxNotFound TxState = iota
	// TxPending means accepted but not yet in a block.
	TxPending
	// TxConfirmed means mined with at least one confirmation.
	TxConfirmed
)

// TxStatus reports a transaction's chain position.
type TxStatus struct {
	State         TxState
	BlockHeight   int64
	BlockHash     string
	Confirmations int64
}

// BlockInfo is the chain head snapshot the service prices against.
type BlockInfo struct {
	Height    int64
	Timestamp int64
}

const blockInfoCacheKey = "block_info"

// Config wires a Client.
type Config struct {
	// BaseURL of the gateway, e.g. https://arweave.net.
	BaseURL string
	// AdminKey authorizes bundle queueing.
	AdminKey string
	Retry    *RetryClient
	Params   *params.Config
}

// Client speaks the gateway's HTTP surface through a RetryClient.
type Client struct {
	base     string
	adminKey string
	retry    *RetryClient
	cache    *gocache.Cache
	infoTTL  time.Duration
}

// NewClient builds a gateway client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway: base url is required")
	}
	retry := cfg.Retry
	if retry == nil {
		retry = NewRetryClient(RetryConfig{})
	}
	p := cfg.Params
	if p == nil {
		p = params.Defaults()
	}
	ttlSecs, _ := p.Int(params.BlockInfoTTLSecs)
	ttl := time.Duration(ttlSecs) * time.Second
	return &Client{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		adminKey: cfg.AdminKey,
		retry:    retry,
		cache:    gocache.New(ttl, 2*ttl),
		infoTTL:  ttl,
	}, nil
}

func (c *Client) get(path string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, c.base+path, nil)
	}
}

func (c *Client) post(path, contentType string, body []byte) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}
}

// Price quotes the winston cost of storing byteCount bytes, optionally
// addressed to a target wallet.
func (c *Client) Price(ctx context.Context, byteCount int64, target string) (int64, error) {
	path := fmt.Sprintf("/price/%d", byteCount)
	if target != "" {
		path += "/" + target
	}
	body, _, err := c.retry.Do(ctx, c.get(path))
	if err != nil {
		return 0, err
	}
	price, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "gateway: parsing price")
	}
	return price, nil
}

// TxAnchor fetches a fresh transaction anchor.
func (c *Client) TxAnchor(ctx context.Context) (string, error) {
	body, _, err := c.retry.Do(ctx, c.get("/tx_anchor"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// TxStatus reports where a transaction sits: confirmed, pending, or
// unknown.
func (c *Client) TxStatus(ctx context.Context, id string) (*TxStatus, error) {
	body, code, err := c.retry.Do(ctx, c.get("/tx/"+id+"/status"),
		http.StatusAccepted, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	switch code {
	case http.StatusNotFound:
		return &TxStatus{State: TxNotFound}, nil
	case http.StatusAccepted:
		return &TxStatus{State: TxPending}, nil
	}
	var parsed struct {
		BlockHeight   int64  `json:"block_height"`
		BlockHash     string `json:"block_indep_hash"`
		Confirmations int64  `json:"number_of_confirmations"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(err, "gateway: parsing tx status")
	}
	return &TxStatus{
		State:         TxConfirmed,
		BlockHeight:   parsed.BlockHeight,
		BlockHash:     parsed.BlockHash,
		Confirmations: parsed.Confirmations,
	}, nil
}

// PostTx submits a signed transaction.
func (c *Client) PostTx(ctx context.Context, tx []byte) error {
	_, _, err := c.retry.Do(ctx, c.post("/tx", "application/json", tx))
	return err
}

// QueueBundle asks the gateway to index a posted bundle; requires the
// admin key.
func (c *Client) QueueBundle(ctx context.Context, id string) error {
	payload, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		return err
	}
	newReq := func() (*http.Request, error) {
		req, err := c.post("/ar-io/admin/queue-bundle", "application/json", payload)()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.adminKey)
		return req, nil
	}
	_, _, err = c.retry.Do(ctx, newReq)
	return err
}

// BlockInfo returns the chain head, racing the GraphQL endpoint against
// the block endpoint and caching the winner. Height and timestamp
// always come from the same source.
func (c *Client) BlockInfo(ctx context.Context) (*BlockInfo, error) {
	if v, ok := c.cache.Get(blockInfoCacheKey); ok {
		return v.(*BlockInfo), nil
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	type result struct {
		info *BlockInfo
		err  error
	}
	results := make(chan result, 2)
	go func() {
		info, err := c.blockInfoGraphQL(raceCtx)
		results <- result{info: info, err: err}
	}()
	go func() {
		info, err := c.blockInfoCurrent(raceCtx)
		results <- result{info: info, err: err}
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err == nil {
			c.cache.Set(blockInfoCacheKey, res.info, c.infoTTL)
			return res.info, nil
		}
		if firstErr == nil {
			firstErr = res.err
		}
	}
	return nil, errors.Wrap(firstErr, "gateway: block info unavailable")
}

func (c *Client) blockInfoGraphQL(ctx context.Context) (*BlockInfo, error) {
	query, err := json.Marshal(map[string]string{
		"query": `{ blocks(first: 1) { edges { node { height timestamp } } } }`,
	})
	if err != nil {
		return nil, err
	}
	body, _, err := c.retry.Do(ctx, c.post("/graphql", "application/json", query))
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data struct {
			Blocks struct {
				Edges []struct {
					Node struct {
						Height    int64 `json:"height"`
						Timestamp int64 `json:"timestamp"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"blocks"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(err, "gateway: parsing graphql block info")
	}
	if len(parsed.Data.Blocks.Edges) == 0 {
		return nil, errors.New("gateway: graphql returned no blocks")
	}
	node := parsed.Data.Blocks.Edges[0].Node
	return &BlockInfo{Height: node.Height, Timestamp: node.Timestamp}, nil
}

func (c *Client) blockInfoCurrent(ctx context.Context) (*BlockInfo, error) {
	body, _, err := c.retry.Do(ctx, c.get("/block/current"))
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Height    int64 `json:"height"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(err, "gateway: parsing block info")
	}
	return &BlockInfo{Height: parsed.Height, Timestamp: parsed.Timestamp}, nil
}
