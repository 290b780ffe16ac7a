package heimdall

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"

	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
)

const (
	milestoneCountPath = "/milestone/count"
	milestonePath      = "/milestone/%d"

	// fetchRetries bounds the per-call exponential back-off retries on top
	// of the selector's endpoint fallback.
	fetchRetries = 2
)

// Client talks to the checkpoint layer's REST API. It shares the execution
// pool's endpoint discipline: health tracking, latency-EMA selection and
// circuit breaking across the configured base URLs.
type Client struct {
	sel  *rpcpool.Selector
	http *http.Client
}

// NewClient builds a checkpoint-layer client over the given base URLs.
func NewClient(urls []string, cfg rpcpool.Config) (*Client, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no checkpoint-layer endpoints configured")
	}

	trimmed := make([]string, 0, len(urls))
	for _, url := range urls {
		trimmed = append(trimmed, strings.TrimRight(url, "/"))
	}

	return &Client{
		sel:  rpcpool.NewSelector(trimmed, cfg),
		http: &http.Client{},
	}, nil
}

// Selector exposes endpoint health for the status surface.
func (c *Client) Selector() *rpcpool.Selector { return c.sel }

// FetchMilestoneCount returns the checkpoint layer's current milestone count.
// The count is monotonic and doubles as the latest sequence id.
func (c *Client) FetchMilestoneCount(ctx context.Context) (uint64, error) {
	log.Debug("Fetching milestone count")

	var res milestoneCountResponse
	if err := c.get(ctx, milestoneCountPath, &res); err != nil {
		return 0, err
	}

	log.Debug("Fetched milestone count", "count", res.Result.Count)

	return res.Result.Count, nil
}

// FetchMilestone returns the milestone with the given sequence id.
func (c *Client) FetchMilestone(ctx context.Context, sequenceID uint64) (*Milestone, error) {
	log.Debug("Fetching milestone", "sequenceId", sequenceID)

	var res milestoneResponse
	if err := c.get(ctx, fmt.Sprintf(milestonePath, sequenceID), &res); err != nil {
		return nil, err
	}

	m := &Milestone{
		MilestoneID: res.Result.EndBlock,
		SequenceID:  sequenceID,
		StartBlock:  res.Result.StartBlock,
		EndBlock:    res.Result.EndBlock,
		Hash:        res.Result.Hash,
		Proposer:    res.Result.Proposer,
		Timestamp:   res.Result.Timestamp,
	}

	if m.EndBlock < m.StartBlock {
		return nil, &rpcpool.PermanentError{
			Err: fmt.Errorf("milestone %d: end block %d below start block %d", sequenceID, m.EndBlock, m.StartBlock),
		}
	}

	log.Debug("Fetched milestone", "sequenceId", sequenceID, "start", m.StartBlock, "end", m.EndBlock)

	return m, nil
}

// get fetches path through the selector, retrying transient failures with a
// bounded exponential back-off before giving up.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	op := func() error {
		return c.sel.Do(ctx, path, func(ctx context.Context, base string) error {
			return c.fetch(ctx, base+path, out)
		})
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), fetchRetries), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}

		if rpcpool.IsExhausted(err) || rpcpool.IsPermanent(err) {
			return backoff.Permanent(err)
		}

		return err
	}, policy)
}

func (c *Client) fetch(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &rpcpool.PermanentError{Err: err}
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusNotFound:
		return &rpcpool.PermanentError{Err: fmt.Errorf("%s: %w", url, rpcpool.ErrNotFound)}
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return &rpcpool.TransientError{Err: fmt.Errorf("%s: status %d", url, res.StatusCode)}
	default:
		return &rpcpool.PermanentError{Err: fmt.Errorf("%s: status %d", url, res.StatusCode)}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &rpcpool.PermanentError{Err: fmt.Errorf("decode %s: %w", url, err)}
	}

	return nil
}
