package rpcpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent per-number calls inside a batched
// helper.
const DefaultParallelism = 8

// Client is the execution-layer JSON-RPC client backed by several candidate
// endpoints. Endpoint failure, latency variance and chain mismatch are hidden
// from callers; only the transient/exhausted/permanent taxonomy surfaces.
type Client struct {
	sel             *Selector
	clients         map[string]*rpc.Client
	parallelism     int
	expectedChainID uint64
}

// DialClient connects to every configured endpoint. Connection errors are
// fatal here: a misconfigured URL should stop startup, not limp along.
func DialClient(urls []string, expectedChainID uint64, parallelism int, cfg Config) (*Client, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no execution-layer endpoints configured")
	}

	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	c := &Client{
		clients:         make(map[string]*rpc.Client, len(urls)),
		parallelism:     parallelism,
		expectedChainID: expectedChainID,
	}

	for _, url := range urls {
		client, err := rpc.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}

		c.clients[url] = client
	}

	cfg.Verify = c.verifyChainID
	c.sel = NewSelector(urls, cfg)

	return c, nil
}

func (c *Client) Close() {
	for _, client := range c.clients {
		client.Close()
	}
}

// Selector exposes endpoint health for the status surface.
func (c *Client) Selector() *Selector { return c.sel }

// verifyChainID runs once per endpoint after its first successful call and
// compares eth_chainId against the configured chain.
func (c *Client) verifyChainID(ctx context.Context, url string) error {
	var id hexutil.Big
	if err := c.clients[url].CallContext(ctx, &id, "eth_chainId"); err != nil {
		// Verification could not run; leave the endpoint unverified and
		// retry on the next success.
		log.Warn("Chain id verification failed to run", "endpoint", url, "err", err)
		return nil
	}

	if got := id.ToInt().Uint64(); got != c.expectedChainID {
		return fmt.Errorf("chain id mismatch: endpoint reports %d, expected %d", got, c.expectedChainID)
	}

	log.Debug("Verified endpoint chain id", "endpoint", url, "chainId", c.expectedChainID)

	return nil
}

func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.sel.Do(ctx, method, func(ctx context.Context, url string) error {
		return c.clients[url].CallContext(ctx, result, method, args...)
	})
}

// ChainID returns the chain id reported by the healthiest endpoint.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	var id hexutil.Big
	if err := c.call(ctx, &id, "eth_chainId"); err != nil {
		return 0, err
	}

	return id.ToInt().Uint64(), nil
}

// BlockNumber returns the current chain tip.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var number hexutil.Uint64
	if err := c.call(ctx, &number, "eth_blockNumber"); err != nil {
		return 0, err
	}

	return uint64(number), nil
}

// BlockByNumber fetches a single block with full transaction bodies.
// ErrNotFound is returned when the endpoint does not know the block yet.
func (c *Client) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	var raw json.RawMessage
	if err := c.call(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true); err != nil {
		return nil, err
	}

	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("block %d: %w", number, ErrNotFound)
	}

	var block Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("decode block %d: %w", number, err)}
	}

	return &block, nil
}

// ReceiptsByNumber fetches all receipts of a single block.
func (c *Client) ReceiptsByNumber(ctx context.Context, number uint64) ([]Receipt, error) {
	var receipts []Receipt
	if err := c.call(ctx, &receipts, "eth_getBlockReceipts", hexutil.EncodeUint64(number)); err != nil {
		return nil, err
	}

	if receipts == nil {
		return nil, fmt.Errorf("receipts for block %d: %w", number, ErrNotFound)
	}

	return receipts, nil
}

// BlocksWithTransactions fetches the given blocks concurrently with bounded
// parallelism. Individual failures do not fail the batch: missing numbers are
// simply absent from the result map. Only ErrExhausted aborts the whole
// batch, so callers can back off.
func (c *Client) BlocksWithTransactions(ctx context.Context, numbers []uint64) (map[uint64]*Block, error) {
	out := make(map[uint64]*Block, len(numbers))

	var (
		mu        sync.Mutex
		exhausted bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)

	for _, number := range numbers {
		number := number

		g.Go(func() error {
			block, err := c.BlockByNumber(gctx, number)
			if err != nil {
				if IsExhausted(err) {
					mu.Lock()
					exhausted = true
					mu.Unlock()

					return err
				}

				log.Debug("Skipping block in batch", "number", number, "err", err)

				return nil
			}

			mu.Lock()
			out[number] = block
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil && exhausted {
		return nil, ErrExhausted
	}

	return out, nil
}

// BlockReceipts fetches receipts for the given blocks concurrently, with the
// same partial-failure semantics as BlocksWithTransactions.
func (c *Client) BlockReceipts(ctx context.Context, numbers []uint64) (map[uint64][]Receipt, error) {
	out := make(map[uint64][]Receipt, len(numbers))

	var (
		mu        sync.Mutex
		exhausted bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)

	for _, number := range numbers {
		number := number

		g.Go(func() error {
			receipts, err := c.ReceiptsByNumber(gctx, number)
			if err != nil {
				if IsExhausted(err) {
					mu.Lock()
					exhausted = true
					mu.Unlock()

					return err
				}

				log.Debug("Skipping receipts in batch", "number", number, "err", err)

				return nil
			}

			mu.Lock()
			out[number] = receipts
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil && exhausted {
		return nil, ErrExhausted
	}

	return out, nil
}
