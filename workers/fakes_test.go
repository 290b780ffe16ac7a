package workers

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/maxsam4/polygon-dashboard-sub001/heimdall"
	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

func hexUint(v uint64) hexutil.Uint64 { return hexutil.Uint64(v) }

func gwei(n int64) *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000)))
}

func txHash(number uint64, i int) common.Hash {
	return common.BigToHash(big.NewInt(int64(number)*1000 + int64(i)))
}

// fakeEL serves canned blocks and receipts with the pool's partial-failure
// semantics: per-number errors drop numbers from batch results, exhaustion
// aborts.
type fakeEL struct {
	mu sync.Mutex

	tip        uint64
	tipErr     error
	blocks     map[uint64]*rpcpool.Block
	receipts   map[uint64][]rpcpool.Receipt
	blockErrs  map[uint64]error
	rcptErrs   map[uint64]error
	blockCalls int
}

func newFakeEL() *fakeEL {
	return &fakeEL{
		blocks:    make(map[uint64]*rpcpool.Block),
		receipts:  make(map[uint64][]rpcpool.Receipt),
		blockErrs: make(map[uint64]error),
		rcptErrs:  make(map[uint64]error),
	}
}

// addBlock registers a minimal block with the given transaction count.
// Timestamps advance two seconds per number.
func (f *fakeEL) addBlock(number uint64, txs int) {
	b := &rpcpool.Block{
		Number:    hexUint(number),
		Timestamp: hexUint(1_700_000_000 + 2*number),
		GasUsed:   hexUint(1_000_000),
		GasLimit:  hexUint(30_000_000),
	}

	var rcpts []rpcpool.Receipt

	for i := 0; i < txs; i++ {
		hash := txHash(number, i)
		b.Transactions = append(b.Transactions, rpcpool.Transaction{
			Hash:                 hash,
			MaxPriorityFeePerGas: gwei(2),
		})
		rcpts = append(rcpts, rpcpool.Receipt{TransactionHash: hash, GasUsed: 21_000, Status: 1})
	}

	f.blocks[number] = b
	f.receipts[number] = rcpts
}

func (f *fakeEL) addRange(lo, hi uint64, txs int) {
	for n := lo; n <= hi; n++ {
		f.addBlock(n, txs)
	}
}

func (f *fakeEL) BlockNumber(ctx context.Context) (uint64, error) {
	if f.tipErr != nil {
		return 0, f.tipErr
	}

	return f.tip, nil
}

func (f *fakeEL) BlockByNumber(ctx context.Context, number uint64) (*rpcpool.Block, error) {
	f.mu.Lock()
	f.blockCalls++
	f.mu.Unlock()

	if err := f.blockErrs[number]; err != nil {
		return nil, err
	}

	b, ok := f.blocks[number]
	if !ok {
		return nil, fmt.Errorf("block %d: %w", number, rpcpool.ErrNotFound)
	}

	return b, nil
}

func (f *fakeEL) ReceiptsByNumber(ctx context.Context, number uint64) ([]rpcpool.Receipt, error) {
	if err := f.rcptErrs[number]; err != nil {
		return nil, err
	}

	return f.receipts[number], nil
}

func (f *fakeEL) BlocksWithTransactions(ctx context.Context, numbers []uint64) (map[uint64]*rpcpool.Block, error) {
	out := make(map[uint64]*rpcpool.Block)

	for _, n := range numbers {
		b, err := f.BlockByNumber(ctx, n)
		if err != nil {
			if rpcpool.IsExhausted(err) {
				return nil, rpcpool.ErrExhausted
			}

			continue
		}

		out[n] = b
	}

	return out, nil
}

func (f *fakeEL) BlockReceipts(ctx context.Context, numbers []uint64) (map[uint64][]rpcpool.Receipt, error) {
	out := make(map[uint64][]rpcpool.Receipt)

	for _, n := range numbers {
		rcpts, err := f.ReceiptsByNumber(ctx, n)
		if err != nil {
			if rpcpool.IsExhausted(err) {
				return nil, rpcpool.ErrExhausted
			}

			continue
		}

		out[n] = rcpts
	}

	return out, nil
}

// fakeCL serves canned milestones keyed by sequence id.
type fakeCL struct {
	count      uint64
	countErr   error
	milestones map[uint64]*heimdall.Milestone
	errs       map[uint64]error
}

func newFakeCL() *fakeCL {
	return &fakeCL{
		milestones: make(map[uint64]*heimdall.Milestone),
		errs:       make(map[uint64]error),
	}
}

func (f *fakeCL) addMilestone(seq, start, end uint64) {
	f.milestones[seq] = &heimdall.Milestone{
		MilestoneID: end,
		SequenceID:  seq,
		StartBlock:  start,
		EndBlock:    end,
		Timestamp:   1_700_000_000 + 2*end + 10,
	}

	if seq > f.count {
		f.count = seq
	}
}

func (f *fakeCL) FetchMilestoneCount(ctx context.Context) (uint64, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}

	return f.count, nil
}

func (f *fakeCL) FetchMilestone(ctx context.Context, seq uint64) (*heimdall.Milestone, error) {
	if err := f.errs[seq]; err != nil {
		return nil, err
	}

	m, ok := f.milestones[seq]
	if !ok {
		return nil, &rpcpool.PermanentError{Err: fmt.Errorf("milestone %d: %w", seq, rpcpool.ErrNotFound)}
	}

	return m, nil
}

// fakeStore is an in-memory stand-in for the gateway. Stats are derived from
// the maps on demand, so they are always consistent with the data.
type fakeStore struct {
	mu sync.Mutex

	blocks     map[uint64]*store.Block
	milestones map[uint64]*store.Milestone // keyed by sequence id
	coverage   map[string]*store.Coverage
	gaps       []*store.Gap
	nextGapID  int64
	fixStatus  *store.PriorityFeeFixStatus

	rewriteErrs map[uint64]error
	rewrites    map[uint64]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		blocks:      make(map[uint64]*store.Block),
		milestones:  make(map[uint64]*store.Milestone),
		coverage:    make(map[string]*store.Coverage),
		rewriteErrs: make(map[uint64]error),
		rewrites:    make(map[uint64]string),
	}
}

// seedBlocks inserts bare rows for [lo, hi], finalized or not.
func (f *fakeStore) seedBlocks(lo, hi uint64, finalized bool) {
	for n := lo; n <= hi; n++ {
		f.blocks[n] = &store.Block{
			Number:    n,
			Timestamp: time.Unix(int64(1_700_000_000+2*n), 0).UTC(),
			TxCount:   1,
			Finalized: finalized,
		}
	}
}

func (f *fakeStore) UpsertBlocks(ctx context.Context, blocks []store.Block) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var inserted int64

	for i := range blocks {
		b := blocks[i]
		if _, ok := f.blocks[b.Number]; ok {
			continue
		}

		f.blocks[b.Number] = &b
		inserted++
	}

	return inserted, nil
}

func (f *fakeStore) BlockTimestamp(ctx context.Context, number uint64) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.blocks[number]
	if !ok {
		return nil, nil
	}

	ts := b.Timestamp

	return &ts, nil
}

func (f *fakeStore) TableStats(ctx context.Context, table string) (*store.TableStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := &store.TableStats{TableName: table}

	var keys []uint64

	switch table {
	case store.StreamBlocks:
		for n := range f.blocks {
			keys = append(keys, n)
		}
	case store.StreamMilestones:
		for seq := range f.milestones {
			keys = append(keys, seq)
		}
	default:
		return nil, fmt.Errorf("unknown stats table %q", table)
	}

	if len(keys) == 0 {
		return stats, nil
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	min, max := keys[0], keys[len(keys)-1]
	stats.MinValue = &min
	stats.MaxValue = &max
	stats.TotalCount = int64(len(keys))

	return stats, nil
}

func (f *fakeStore) UpsertMilestone(ctx context.Context, m *store.Milestone) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.milestones[m.SequenceID]; ok {
		return false, nil
	}

	cp := *m
	f.milestones[m.SequenceID] = &cp

	return true, nil
}

func (f *fakeStore) UpsertMilestones(ctx context.Context, milestones []store.Milestone) (int64, error) {
	var inserted int64

	for i := range milestones {
		ok, err := f.UpsertMilestone(ctx, &milestones[i])
		if err != nil {
			return inserted, err
		}

		if ok {
			inserted++
		}
	}

	return inserted, nil
}

func (f *fakeStore) FinalizeBlocks(ctx context.Context, m *store.Milestone) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var affected int64

	for n := m.StartBlock; n <= m.EndBlock; n++ {
		b, ok := f.blocks[n]
		if !ok || b.Finalized {
			continue
		}

		id := int64(m.MilestoneID)
		ts := m.Timestamp
		tf := m.Timestamp.Sub(b.Timestamp).Seconds()

		b.Finalized = true
		b.FinalizedAt = &ts
		b.MilestoneID = &id
		b.TimeToFinalitySec = &tf
		affected++
	}

	return affected, nil
}

func (f *fakeStore) MilestoneForBlock(ctx context.Context, number uint64) (*store.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *store.Milestone

	for _, m := range f.milestones {
		if m.StartBlock > number || m.EndBlock < number {
			continue
		}

		if best == nil || m.EndBlock-m.StartBlock < best.EndBlock-best.StartBlock {
			best = m
		}
	}

	return best, nil
}

func (f *fakeStore) MilestoneAggregates(ctx context.Context) (*store.MilestoneAggregates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	agg := &store.MilestoneAggregates{}

	for _, m := range f.milestones {
		if agg.MinStartBlock == nil || m.StartBlock < *agg.MinStartBlock {
			start := m.StartBlock
			agg.MinStartBlock = &start
		}

		if agg.MaxEndBlock == nil || m.EndBlock > *agg.MaxEndBlock {
			end := m.EndBlock
			agg.MaxEndBlock = &end
		}

		agg.Count++
	}

	return agg, nil
}

func (f *fakeStore) InsertGap(ctx context.Context, kind string, r store.Range, source string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, g := range f.gaps {
		if g.Kind == kind && g.RangeStart == r.Start && g.RangeEnd == r.End &&
			(g.State == store.GapStatePending || g.State == store.GapStateFilling) {
			return false, nil
		}
	}

	f.nextGapID++
	f.gaps = append(f.gaps, &store.Gap{
		ID:         f.nextGapID,
		Kind:       kind,
		RangeStart: r.Start,
		RangeEnd:   r.End,
		State:      store.GapStatePending,
		Source:     source,
		CreatedAt:  time.Now(),
	})

	return true, nil
}

func (f *fakeStore) ClaimGap(ctx context.Context) (*store.Gap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, g := range f.gaps {
		if g.State != store.GapStatePending {
			continue
		}

		now := time.Now()
		g.State = store.GapStateFilling
		g.ClaimedAt = &now
		g.Attempts++

		cp := *g

		return &cp, nil
	}

	return nil, nil
}

func (f *fakeStore) setGapState(id int64, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, g := range f.gaps {
		if g.ID == id {
			g.State = state
			return nil
		}
	}

	return fmt.Errorf("gap %d not found", id)
}

func (f *fakeStore) MarkGapFilled(ctx context.Context, id int64) error {
	return f.setGapState(id, store.GapStateFilled)
}

func (f *fakeStore) RequeueGap(ctx context.Context, id int64) error {
	return f.setGapState(id, store.GapStatePending)
}

func (f *fakeStore) AbandonGap(ctx context.Context, id int64) error {
	return f.setGapState(id, store.GapStateAbandoned)
}

func (f *fakeStore) OpenGapRanges(ctx context.Context, kind string, lo, hi uint64) ([]store.Range, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []store.Range

	for _, g := range f.gaps {
		if g.Kind != kind || (g.State != store.GapStatePending && g.State != store.GapStateFilling) {
			continue
		}

		if g.RangeStart <= hi && g.RangeEnd >= lo {
			out = append(out, store.Range{Start: g.RangeStart, End: g.RangeEnd})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	return out, nil
}

func (f *fakeStore) gapsByKind(kind string) []*store.Gap {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*store.Gap

	for _, g := range f.gaps {
		if g.Kind == kind {
			out = append(out, g)
		}
	}

	return out
}

func (f *fakeStore) Coverage(ctx context.Context, stream string) (*store.Coverage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.coverage[stream]
	if !ok {
		return nil, nil
	}

	cp := *c

	return &cp, nil
}

func (f *fakeStore) InitCoverage(ctx context.Context, stream string, low, high uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.coverage[stream]; !ok {
		f.coverage[stream] = &store.Coverage{Stream: stream, LowWaterMark: low, HighWaterMark: high}
	}

	return nil
}

func (f *fakeStore) ExtendCoverageUp(ctx context.Context, stream string, high uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.coverage[stream]; ok && high > c.HighWaterMark {
		c.HighWaterMark = high
	}

	return nil
}

func (f *fakeStore) ExtendCoverageDown(ctx context.Context, stream string, low uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.coverage[stream]; ok && low < c.LowWaterMark {
		c.LowWaterMark = low
	}

	return nil
}

func (f *fakeStore) TouchCoverage(ctx context.Context, stream string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.coverage[stream]; ok {
		c.LastAnalyzedAt = time.Now()
	}

	return nil
}

func (f *fakeStore) missingIn(table string, lo, hi uint64) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	var missing []uint64

	for n := lo; n <= hi; n++ {
		var ok bool

		switch table {
		case store.StreamBlocks:
			_, ok = f.blocks[n]
		case store.StreamMilestones:
			_, ok = f.milestones[n]
		}

		if !ok {
			missing = append(missing, n)
		}
	}

	return missing
}

func (f *fakeStore) MissingBlockRanges(ctx context.Context, lo, hi uint64) ([]store.Range, error) {
	return store.GroupRanges(f.missingIn(store.StreamBlocks, lo, hi)), nil
}

func (f *fakeStore) MissingMilestoneRanges(ctx context.Context, lo, hi uint64) ([]store.Range, error) {
	return store.GroupRanges(f.missingIn(store.StreamMilestones, lo, hi)), nil
}

func (f *fakeStore) UnfinalizedFinalityRanges(ctx context.Context, lo, hi uint64) ([]store.Range, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var numbers []uint64

	for n := lo; n <= hi; n++ {
		if b, ok := f.blocks[n]; ok && !b.Finalized {
			numbers = append(numbers, n)
		}
	}

	return store.GroupRanges(numbers), nil
}

func (f *fakeStore) PriorityFeeRepairRanges(ctx context.Context) ([]store.Range, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var numbers []uint64

	for n, b := range f.blocks {
		if b.TxCount > 0 && (b.AvgPriorityFeeGwei == nil || b.TotalPriorityFeeGwei == nil) {
			numbers = append(numbers, n)
		}
	}

	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	return store.GroupRanges(numbers), nil
}

func (f *fakeStore) RewritePriorityFee(ctx context.Context, number uint64, total string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.rewriteErrs[number]; err != nil {
		return err
	}

	f.rewrites[number] = total

	if b, ok := f.blocks[number]; ok {
		b.TotalPriorityFeeGwei = &total
	}

	return nil
}

func (f *fakeStore) PriorityFeeFixStatus(ctx context.Context) (*store.PriorityFeeFixStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fixStatus == nil {
		return nil, nil
	}

	cp := *f.fixStatus

	return &cp, nil
}

func (f *fakeStore) InitPriorityFeeFixStatus(ctx context.Context, block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fixStatus == nil {
		f.fixStatus = &store.PriorityFeeFixStatus{FixDeployedAtBlock: block, LastFixedBlock: block}
	}

	return nil
}

func (f *fakeStore) SetLastFixedBlock(ctx context.Context, block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fixStatus != nil && block < f.fixStatus.LastFixedBlock {
		f.fixStatus.LastFixedBlock = block
	}

	return nil
}
