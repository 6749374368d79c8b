package session

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Martin-Hayot/auction-storefront/internal/auction"
	"github.com/Martin-Hayot/auction-storefront/internal/events"
	"github.com/Martin-Hayot/auction-storefront/internal/metrics"
	"github.com/Martin-Hayot/auction-storefront/pkg/errors"
	"github.com/Martin-Hayot/auction-storefront/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type catalogCall struct {
	reply chan catalogResult
}

type catalogResult struct {
	records []types.LotRecord
	err     error
}

type fakeProvider struct {
	catalogCalls chan *catalogCall

	detailGate  chan struct{}
	detail      types.LotDetail
	detailCalls atomic.Int32

	// orderGate holds SubmitOrder until closed; nil means no wait.
	orderGate chan struct{}

	mu        sync.Mutex
	orders    []types.Order
	orderErr  error
	orderAck  types.OrderAck
	catalogFn func() ([]types.LotRecord, error)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		catalogCalls: make(chan *catalogCall, 8),
		detailGate:   make(chan struct{}),
	}
}

func (f *fakeProvider) FetchCatalog(ctx context.Context) ([]types.LotRecord, error) {
	if f.catalogFn != nil {
		return f.catalogFn()
	}
	call := &catalogCall{reply: make(chan catalogResult, 1)}
	f.catalogCalls <- call
	select {
	case r := <-call.reply:
		return r.records, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeProvider) FetchLotDetail(ctx context.Context, id string) (types.LotDetail, error) {
	f.detailCalls.Add(1)
	select {
	case <-f.detailGate:
		return f.detail, nil
	case <-ctx.Done():
		return types.LotDetail{}, ctx.Err()
	}
}

func (f *fakeProvider) SubmitOrder(ctx context.Context, order types.Order) (types.OrderAck, error) {
	if f.orderGate != nil {
		select {
		case <-f.orderGate:
		case <-ctx.Done():
			return types.OrderAck{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	return f.orderAck, f.orderErr
}

// recordingProvider also stores bids.
type recordingProvider struct {
	*fakeProvider

	bidMu  sync.Mutex
	bids   []int64
	bidErr error
}

func (r *recordingProvider) RecordBid(_ context.Context, lotID string, amount int64) error {
	r.bidMu.Lock()
	defer r.bidMu.Unlock()
	if r.bidErr != nil {
		return r.bidErr
	}
	r.bids = append(r.bids, amount)
	return nil
}

func lots(ids ...string) []types.LotRecord {
	out := make([]types.LotRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.LotRecord{ID: id, MinPrice: 100, Price: 100, Status: types.LotStatusActive, History: []int64{100}})
	}
	return out
}

func start(t *testing.T, p Provider, opts ...Option) (*Session, *events.Recorder) {
	t.Helper()
	rec := &events.Recorder{}
	s := New(auction.New(rec), p, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return s, rec
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func catalogIDs(t *testing.T, s *Session) []string {
	t.Helper()
	var ids []string
	require.NoError(t, s.Exec(context.Background(), func(st *auction.State) {
		for _, l := range st.Catalog() {
			ids = append(ids, l.ID)
		}
	}))
	return ids
}

// settle waits for provider goroutines and for the results they posted.
func settle(t *testing.T, s *Session) {
	t.Helper()
	s.Wait()
	require.NoError(t, s.Exec(context.Background(), func(*auction.State) {}))
}

func TestRefreshCatalog(t *testing.T) {
	p := newFakeProvider()
	s, rec := start(t, p)
	ctx := context.Background()

	require.NoError(t, s.RefreshCatalog(ctx))
	call := <-p.catalogCalls
	call.reply <- catalogResult{records: lots("a", "b")}
	settle(t, s)

	assert.Equal(t, []string{"a", "b"}, catalogIDs(t, s))
	loading := rec.Named(events.LoadingChanged)
	require.Len(t, loading, 2)
	assert.True(t, loading[0].Payload.(auction.LoadingChanged).Loading)
	assert.False(t, loading[1].Payload.(auction.LoadingChanged).Loading)
}

func TestStaleCatalogResponseIsDropped(t *testing.T) {
	p := newFakeProvider()
	reg := prometheus.NewRegistry()
	m := metrics.NewSession(reg)
	s, rec := start(t, p, WithMetrics(m))
	ctx := context.Background()

	require.NoError(t, s.RefreshCatalog(ctx))
	first := <-p.catalogCalls
	require.NoError(t, s.RefreshCatalog(ctx))
	second := <-p.catalogCalls

	// the newer request resolves first, the older one last
	second.reply <- catalogResult{records: lots("new")}
	require.Eventually(t, func() bool {
		return len(rec.Named(events.CatalogChanged)) == 1
	}, time.Second, 5*time.Millisecond)
	first.reply <- catalogResult{records: lots("old")}
	settle(t, s)

	assert.Equal(t, []string{"new"}, catalogIDs(t, s))
	assert.Len(t, rec.Named(events.CatalogChanged), 1)
	assert.Equal(t, 1.0, counterValue(t, reg, "storefront_stale_responses_total"))
}

func TestStaleFailureDoesNotOverrideNewerCatalog(t *testing.T) {
	p := newFakeProvider()
	s, _ := start(t, p)
	ctx := context.Background()

	require.NoError(t, s.RefreshCatalog(ctx))
	first := <-p.catalogCalls
	require.NoError(t, s.RefreshCatalog(ctx))
	second := <-p.catalogCalls

	first.reply <- catalogResult{err: errors.Fatal(404, nil, "gone")}
	second.reply <- catalogResult{records: lots("a")}
	settle(t, s)

	require.NoError(t, s.Exec(ctx, func(st *auction.State) {
		assert.Nil(t, st.Failure())
		assert.False(t, st.Loading())
		assert.Len(t, st.Catalog(), 1)
	}))
}

func TestCatalogFailureBecomesState(t *testing.T) {
	p := newFakeProvider()
	s, rec := start(t, p)
	ctx := context.Background()

	require.NoError(t, s.RefreshCatalog(ctx))
	(<-p.catalogCalls).reply <- catalogResult{err: errors.Retryable(503, nil, "unavailable")}
	settle(t, s)

	var failure *errors.AppError
	var loading bool
	require.NoError(t, s.Exec(ctx, func(st *auction.State) {
		failure, loading = st.Failure(), st.Loading()
	}))
	require.NotNil(t, failure)
	assert.Equal(t, errors.KindRetryable, failure.Kind)
	assert.Equal(t, 503, failure.Code)
	assert.False(t, loading)
	assert.Len(t, rec.Named(events.FailureChanged), 1)

	// a later success clears it
	require.NoError(t, s.RefreshCatalog(ctx))
	(<-p.catalogCalls).reply <- catalogResult{records: lots("a")}
	settle(t, s)
	require.NoError(t, s.Exec(ctx, func(st *auction.State) { assert.Nil(t, st.Failure()) }))
}

func TestRetryableFetchIsRetried(t *testing.T) {
	p := newFakeProvider()
	var calls atomic.Int32
	p.catalogFn = func() ([]types.LotRecord, error) {
		if calls.Add(1) < 3 {
			return nil, errors.Retryable(503, nil, "busy")
		}
		return lots("a"), nil
	}
	s, _ := start(t, p, WithRetry(3, time.Millisecond))

	require.NoError(t, s.RefreshCatalog(context.Background()))
	settle(t, s)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []string{"a"}, catalogIDs(t, s))
}

func TestFatalFetchIsNotRetried(t *testing.T) {
	p := newFakeProvider()
	var calls atomic.Int32
	p.catalogFn = func() ([]types.LotRecord, error) {
		calls.Add(1)
		return nil, errors.Fatal(400, nil, "bad request")
	}
	s, _ := start(t, p, WithRetry(3, time.Millisecond))

	require.NoError(t, s.RefreshCatalog(context.Background()))
	settle(t, s)

	assert.Equal(t, int32(1), calls.Load())
	var failure *errors.AppError
	require.NoError(t, s.Exec(context.Background(), func(st *auction.State) { failure = st.Failure() }))
	require.NotNil(t, failure)
	assert.Equal(t, errors.KindFatal, failure.Kind)
}

func loadCatalog(t *testing.T, s *Session, p *fakeProvider, ids ...string) {
	t.Helper()
	require.NoError(t, s.RefreshCatalog(context.Background()))
	(<-p.catalogCalls).reply <- catalogResult{records: lots(ids...)}
	settle(t, s)
}

func TestOpenPreviewMergesLatestDetail(t *testing.T) {
	p := newFakeProvider()
	p.detail = types.LotDetail{Description: "Blue glass", History: []int64{100, 120}}
	reg := prometheus.NewRegistry()
	m := metrics.NewSession(reg)
	s, rec := start(t, p, WithMetrics(m))
	loadCatalog(t, s, p, "a", "b")
	rec.Reset()
	ctx := context.Background()

	require.NoError(t, s.OpenPreview(ctx, "a"))
	require.NoError(t, s.OpenPreview(ctx, "a"))
	close(p.detailGate)
	settle(t, s)

	calls := p.detailCalls.Load()
	assert.True(t, calls == 1 || calls == 2, "detail fetched %d times", calls)
	assert.Equal(t, 1.0, counterValue(t, reg, "storefront_stale_responses_total"))

	require.NoError(t, s.Exec(ctx, func(st *auction.State) {
		assert.Equal(t, "a", st.PreviewID())
		l, _ := st.Lot("a")
		assert.Equal(t, "Blue glass", l.Description)
		assert.Equal(t, int64(120), l.Price)
	}))
	// two selections plus one re-announcement after the merge
	assert.Len(t, rec.Named(events.PreviewChanged), 3)
}

func TestOpenPreviewUnknownLotIsIgnored(t *testing.T) {
	p := newFakeProvider()
	s, rec := start(t, p)
	loadCatalog(t, s, p, "a")
	rec.Reset()

	require.NoError(t, s.OpenPreview(context.Background(), "zzz"))
	settle(t, s)

	assert.Empty(t, rec.Events)
	assert.Zero(t, p.detailCalls.Load())
}

func TestPlaceBidAndClosePreview(t *testing.T) {
	p := newFakeProvider()
	s, rec := start(t, p)
	loadCatalog(t, s, p, "a")
	ctx := context.Background()

	require.NoError(t, s.PlaceBid(ctx, "a", 150))
	assert.Len(t, rec.Named(events.LotChanged), 1)

	err := s.PlaceBid(ctx, "missing", 150)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.ErrLotNotFound, appErr.Code)

	require.NoError(t, s.ClosePreview(ctx))
	assert.Len(t, rec.Named(events.PreviewChanged), 1)
}

func TestPreviewKeepsUnrecordedBid(t *testing.T) {
	p := newFakeProvider()
	p.detail = types.LotDetail{History: []int64{100}}
	s, _ := start(t, p)
	loadCatalog(t, s, p, "a")
	ctx := context.Background()

	require.NoError(t, s.PlaceBid(ctx, "a", 1500))
	require.NoError(t, s.OpenPreview(ctx, "a"))
	close(p.detailGate)
	settle(t, s)

	var (
		price  int64
		mine   bool
		closed int
	)
	require.NoError(t, s.Exec(ctx, func(st *auction.State) {
		l, _ := st.Lot("a")
		price = l.Price
		mine = l.IsMyBid()
		closed = len(st.ClosedLots())
	}))
	assert.Equal(t, int64(1500), price)
	assert.True(t, mine)
	assert.Equal(t, 1, closed)
}

func TestPlaceBidIsRecorded(t *testing.T) {
	p := &recordingProvider{fakeProvider: newFakeProvider()}
	reg := prometheus.NewRegistry()
	s, _ := start(t, p, WithMetrics(metrics.NewSession(reg)))
	loadCatalog(t, s, p.fakeProvider, "a")

	require.NoError(t, s.PlaceBid(context.Background(), "a", 150))
	require.NoError(t, s.PlaceBid(context.Background(), "a", 170))
	settle(t, s)

	p.bidMu.Lock()
	assert.ElementsMatch(t, []int64{150, 170}, p.bids)
	p.bidMu.Unlock()
	// one catalog fetch plus two bids
	assert.Equal(t, 3.0, counterValue(t, reg, "storefront_provider_requests_total"))
}

func TestPlaceBidRecordFailureKeepsLocalBid(t *testing.T) {
	p := &recordingProvider{fakeProvider: newFakeProvider()}
	p.bidErr = errors.New(errors.ErrLotClosed, "lot a is closed")
	s, _ := start(t, p)
	loadCatalog(t, s, p.fakeProvider, "a")

	require.NoError(t, s.PlaceBid(context.Background(), "a", 150))
	settle(t, s)

	var (
		price   int64
		failure error
	)
	require.NoError(t, s.Exec(context.Background(), func(st *auction.State) {
		l, _ := st.Lot("a")
		price = l.Price
		if f := st.Failure(); f != nil {
			failure = f
		}
	}))
	assert.Equal(t, int64(150), price)
	var appErr *errors.AppError
	require.ErrorAs(t, failure, &appErr)
	assert.Equal(t, errors.ErrLotClosed, appErr.Code)
}

func fillOrder(t *testing.T, s *Session, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		require.NoError(t, s.PlaceBid(ctx, id, 2000))
		require.NoError(t, s.ToggleOrderedLot(ctx, id, true))
	}
	require.NoError(t, s.SetOrderField(ctx, types.OrderFieldEmail, "me@example.com"))
	require.NoError(t, s.SetOrderField(ctx, types.OrderFieldPhone, "555"))
}

func TestSubmitOrder(t *testing.T) {
	p := newFakeProvider()
	p.orderAck = types.OrderAck{ID: "order-1"}
	s, rec := start(t, p)
	loadCatalog(t, s, p, "a", "b")
	fillOrder(t, s, "a", "b")

	require.NoError(t, s.SubmitOrder(context.Background()))
	settle(t, s)

	require.Len(t, p.orders, 1)
	assert.Equal(t, []string{"a", "b"}, p.orders[0].Items)
	assert.Equal(t, "me@example.com", p.orders[0].Email)

	submitted := rec.Named(events.OrderSubmitted)
	require.Len(t, submitted, 1)
	assert.Equal(t, types.OrderAck{ID: "order-1", Total: 4000}, submitted[0].Payload.(auction.OrderSubmitted).Ack)

	require.NoError(t, s.Exec(context.Background(), func(st *auction.State) {
		assert.Empty(t, st.Order().Items)
		l, _ := st.Lot("a")
		assert.False(t, l.IsParticipate())
	}))
}

func TestSubmitOrderFailureKeepsBasket(t *testing.T) {
	p := newFakeProvider()
	p.orderErr = errors.Retryable(502, stdErrors.New("bad gateway"), "order service unavailable")
	s, rec := start(t, p)
	loadCatalog(t, s, p, "a")
	fillOrder(t, s, "a")

	require.NoError(t, s.SubmitOrder(context.Background()))
	settle(t, s)

	assert.Len(t, p.orders, 1, "orders are not retried")
	assert.Empty(t, rec.Named(events.OrderSubmitted))
	require.NoError(t, s.Exec(context.Background(), func(st *auction.State) {
		assert.Equal(t, []string{"a"}, st.Order().Items)
		assert.NotNil(t, st.Failure())
	}))
}

func TestSubmitOrderKeepsItemsAddedInFlight(t *testing.T) {
	p := newFakeProvider()
	p.orderGate = make(chan struct{})
	s, _ := start(t, p)
	loadCatalog(t, s, p, "a", "b")
	fillOrder(t, s, "a")
	ctx := context.Background()

	require.NoError(t, s.SubmitOrder(ctx))
	require.NoError(t, s.PlaceBid(ctx, "b", 300))
	require.NoError(t, s.ToggleOrderedLot(ctx, "b", true))
	close(p.orderGate)
	settle(t, s)

	require.Len(t, p.orders, 1)
	assert.Equal(t, []string{"a"}, p.orders[0].Items)

	var (
		items        []string
		aPart, bPart bool
	)
	require.NoError(t, s.Exec(ctx, func(st *auction.State) {
		items = st.Order().Items
		a, _ := st.Lot("a")
		b, _ := st.Lot("b")
		aPart, bPart = a.IsParticipate(), b.IsParticipate()
	}))
	assert.Equal(t, []string{"b"}, items)
	assert.False(t, aPart)
	assert.True(t, bPart)
}

func TestDuplicateSubmitIsSilent(t *testing.T) {
	p := newFakeProvider()
	p.orderGate = make(chan struct{})
	s, rec := start(t, p)
	loadCatalog(t, s, p, "a")
	fillOrder(t, s, "a")
	ctx := context.Background()

	require.NoError(t, s.SubmitOrder(ctx))
	errs := len(rec.Named(events.ErrorsChanged))
	ready := len(rec.Named(events.OrderReady))
	require.Equal(t, 1, ready)

	require.NoError(t, s.SubmitOrder(ctx))
	assert.Len(t, rec.Named(events.ErrorsChanged), errs)
	assert.Len(t, rec.Named(events.OrderReady), ready)

	close(p.orderGate)
	settle(t, s)
	assert.Len(t, p.orders, 1)
	assert.Len(t, rec.Named(events.OrderSubmitted), 1)
}

func TestSubmitInvalidOrder(t *testing.T) {
	p := newFakeProvider()
	s, rec := start(t, p)
	loadCatalog(t, s, p, "a")
	ctx := context.Background()

	err := s.SubmitOrder(ctx)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.ErrValidation, appErr.Code)

	require.NoError(t, s.ToggleOrderedLot(ctx, "a", true))
	require.NoError(t, s.SubmitOrder(ctx))
	settle(t, s)

	assert.Empty(t, p.orders)
	errs := rec.Named(events.ErrorsChanged)
	require.Len(t, errs, 1)
	assert.Len(t, errs[0].Payload.(auction.ErrorsChanged).Errors, 2)

	valid, err := s.ValidateOrder(ctx)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestClearBasketThroughSession(t *testing.T) {
	p := newFakeProvider()
	s, _ := start(t, p)
	loadCatalog(t, s, p, "a")
	fillOrder(t, s, "a")

	require.NoError(t, s.ClearBasket(context.Background()))
	require.NoError(t, s.Exec(context.Background(), func(st *auction.State) {
		assert.Empty(t, st.Order().Items)
	}))
}

func TestExecAfterStop(t *testing.T) {
	p := newFakeProvider()
	s := New(auction.New(nil), p)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = s.Run(ctx)
	}()
	cancel()
	<-stopped

	err := s.Exec(context.Background(), func(*auction.State) {})
	assert.ErrorIs(t, err, ErrClosed)
}
