package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Martin-Hayot/auction-storefront/internal/auction"
	"github.com/Martin-Hayot/auction-storefront/internal/metrics"
	"github.com/Martin-Hayot/auction-storefront/pkg/errors"
	"github.com/Martin-Hayot/auction-storefront/pkg/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Provider is the network collaborator that supplies lots and accepts orders.
type Provider interface {
	FetchCatalog(ctx context.Context) ([]types.LotRecord, error)
	FetchLotDetail(ctx context.Context, id string) (types.LotDetail, error)
	SubmitOrder(ctx context.Context, order types.Order) (types.OrderAck, error)
}

// BidRecorder is implemented by providers that store bids. Session.PlaceBid
// forwards every local bid to it.
type BidRecorder interface {
	RecordBid(ctx context.Context, lotID string, amount int64) error
}

const (
	resourceCatalog = "catalog"
	resourceDetail  = "detail"
	resourceOrder   = "order"
	resourceBid     = "bid"
)

// ErrClosed is returned by calls made after Run has stopped.
var ErrClosed = errors.New(errors.ErrInternalServer, "session closed")

// Session serializes every access to one auction.State on a single dispatcher
// goroutine and runs provider calls off it. Each request is tagged with a
// sequence number per resource; a response is applied only if no newer
// request for the same resource was issued meanwhile.
type Session struct {
	state    *auction.State
	provider Provider
	metrics  *metrics.Session

	maxRetries   uint64
	retryInitial time.Duration

	inbox chan func()
	done  chan struct{}
	runMu sync.Mutex
	ctx   context.Context

	// owned by the dispatcher
	seq        uint64
	latest     map[string]uint64
	submitting bool

	flight   singleflight.Group
	inflight sync.WaitGroup
}

type Option func(*Session)

// WithRetry retries retryable fetch failures up to maxRetries times with
// exponential backoff starting at initial. Order submission is never retried.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(s *Session) {
		s.maxRetries = maxRetries
		s.retryInitial = initial
	}
}

func WithMetrics(m *metrics.Session) Option {
	return func(s *Session) { s.metrics = m }
}

func New(state *auction.State, provider Provider, opts ...Option) *Session {
	s := &Session{
		state:        state,
		provider:     provider,
		retryInitial: 200 * time.Millisecond,
		inbox:        make(chan func(), 64),
		done:         make(chan struct{}),
		ctx:          context.Background(),
		latest:       make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes commands until ctx is cancelled. It must be called once.
func (s *Session) Run(ctx context.Context) error {
	s.runMu.Lock()
	s.ctx = ctx
	s.runMu.Unlock()
	defer close(s.done)

	log.Debug("Session dispatcher started")
	for {
		select {
		case <-ctx.Done():
			log.Debug("Session dispatcher stopped")
			return ctx.Err()
		case fn := <-s.inbox:
			fn()
		}
	}
}

// Wait blocks until every provider call started so far has been handled.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// Exec runs fn on the dispatcher and waits for it. fn may read and mutate the
// state freely. Never call Exec from a signal handler: handlers already run on
// the dispatcher and would wait on themselves.
func (s *Session) Exec(ctx context.Context, fn func(*auction.State)) error {
	finished := make(chan struct{})
	if err := s.enqueue(ctx, func() {
		defer close(finished)
		fn(s.state)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) enqueue(ctx context.Context, fn func()) error {
	select {
	case s.inbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// post hands a provider result back to the dispatcher.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- fn:
	case <-s.done:
	}
}

func (s *Session) runContext() context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.ctx
}

func (s *Session) issue(key string) uint64 {
	s.seq++
	s.latest[key] = s.seq
	return s.seq
}

func (s *Session) current(key string, seq uint64) bool {
	return s.latest[key] == seq
}

func (s *Session) spawn(fn func()) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn()
	}()
}

// RefreshCatalog issues a catalog fetch. The catalog is replaced when the
// newest fetch resolves; older responses are dropped.
func (s *Session) RefreshCatalog(ctx context.Context) error {
	return s.Exec(ctx, func(st *auction.State) {
		seq := s.issue(resourceCatalog)
		requestID := uuid.NewString()
		st.SetLoading(true)
		log.Debug("Fetching catalog", "request", requestID, "seq", seq)

		s.spawn(func() {
			start := time.Now()
			records, err := retry(s.runContext(), s, s.provider.FetchCatalog)
			s.metrics.ObserveRequest(resourceCatalog, err, time.Since(start))

			s.post(func() {
				if !s.current(resourceCatalog, seq) {
					log.Debug("Dropping superseded catalog response", "request", requestID, "seq", seq)
					s.metrics.IncStale(resourceCatalog)
					return
				}
				st.SetLoading(false)
				if err != nil {
					s.fail(st, err, "fetch catalog")
					return
				}
				st.ClearFailure()
				st.SetCatalog(records)
			})
		})
	})
}

// OpenPreview puts the lot under detail view and fetches its extended detail.
// An unknown id is ignored.
func (s *Session) OpenPreview(ctx context.Context, id string) error {
	return s.Exec(ctx, func(st *auction.State) {
		l, ok := st.Lot(id)
		if !ok {
			log.Debugf("Preview requested for unknown lot %s", id)
			return
		}
		st.SetPreview(l)

		key := resourceDetail + ":" + id
		seq := s.issue(key)
		requestID := uuid.NewString()
		log.Debug("Fetching lot detail", "lot", id, "request", requestID, "seq", seq)

		s.spawn(func() {
			ctx := s.runContext()
			start := time.Now()
			res := <-s.flight.DoChan(key, func() (any, error) {
				return retry(ctx, s, func(ctx context.Context) (types.LotDetail, error) {
					return s.provider.FetchLotDetail(ctx, id)
				})
			})
			s.metrics.ObserveRequest(resourceDetail, res.Err, time.Since(start))

			s.post(func() {
				if !s.current(key, seq) {
					log.Debug("Dropping superseded detail response", "lot", id, "seq", seq)
					s.metrics.IncStale(resourceDetail)
					return
				}
				if res.Err != nil {
					s.fail(st, res.Err, "fetch lot detail")
					return
				}
				if !st.MergeDetail(id, res.Val.(types.LotDetail)) {
					log.Debugf("Lot %s left the catalog before its detail arrived", id)
				}
			})
		})
	})
}

// SubmitOrder validates the draft and, when it is valid, sends it to the
// provider. On success the basket is cleared and order:submitted is emitted.
// Validation problems surface through form errors, not through the returned
// error.
func (s *Session) SubmitOrder(ctx context.Context) error {
	var result error
	err := s.Exec(ctx, func(st *auction.State) {
		if len(st.Order().Items) == 0 {
			result = errors.New(errors.ErrValidation, "order has no items")
			return
		}
		if s.submitting {
			log.Warn("Order submission already in flight")
			return
		}
		if !st.ConfirmOrder() {
			return
		}
		s.submitting = true
		order := st.Order()
		total := st.Total()
		requestID := uuid.NewString()
		log.Info("Submitting order", "request", requestID, "items", len(order.Items), "total", total)

		s.spawn(func() {
			start := time.Now()
			ack, err := s.provider.SubmitOrder(s.runContext(), order)
			s.metrics.ObserveRequest(resourceOrder, err, time.Since(start))

			s.post(func() {
				s.submitting = false
				if err != nil {
					s.fail(st, err, "submit order")
					return
				}
				if ack.Total == 0 {
					ack.Total = total
				}
				st.ClearFailure()
				// items added while the order was in flight stay in the draft
				st.RemoveOrdered(order.Items)
				st.AnnounceSubmitted(ack)
			})
		})
	})
	if err != nil {
		return err
	}
	return result
}

// PlaceBid places a local bid on a catalog lot. Providers that implement
// BidRecorder get the bid in the background; a failure lands in the failure
// state and the local bid stays.
func (s *Session) PlaceBid(ctx context.Context, id string, amount int64) error {
	var result error
	err := s.Exec(ctx, func(st *auction.State) {
		l, ok := st.Lot(id)
		if !ok {
			result = errors.New(errors.ErrLotNotFound, fmt.Sprintf("lot %s not found", id))
			return
		}
		l.PlaceBid(amount)

		recorder, ok := s.provider.(BidRecorder)
		if !ok {
			return
		}
		s.spawn(func() {
			start := time.Now()
			err := recorder.RecordBid(s.runContext(), id, amount)
			s.metrics.ObserveRequest(resourceBid, err, time.Since(start))
			if err == nil {
				return
			}
			s.post(func() { s.fail(st, err, "record bid") })
		})
	})
	if err != nil {
		return err
	}
	return result
}

func (s *Session) ToggleOrderedLot(ctx context.Context, id string, included bool) error {
	return s.Exec(ctx, func(st *auction.State) { st.ToggleOrderedLot(id, included) })
}

func (s *Session) ClearBasket(ctx context.Context) error {
	return s.Exec(ctx, func(st *auction.State) { st.ClearBasket() })
}

func (s *Session) ClosePreview(ctx context.Context) error {
	return s.Exec(ctx, func(st *auction.State) { st.ClosePreview() })
}

func (s *Session) SetOrderField(ctx context.Context, field types.OrderField, value string) error {
	var result error
	err := s.Exec(ctx, func(st *auction.State) { result = st.SetOrderField(field, value) })
	if err != nil {
		return err
	}
	return result
}

func (s *Session) ValidateOrder(ctx context.Context) (bool, error) {
	var valid bool
	err := s.Exec(ctx, func(st *auction.State) { valid = st.ValidateOrder() })
	return valid, err
}

func (s *Session) fail(st *auction.State, err error, op string) {
	appErr := errors.Wrap(err, op)
	if appErr.Kind == errors.KindRetryable {
		log.Warn("Provider call failed", "op", op, "error", err)
	} else {
		log.Error("Provider call failed", "op", op, "error", err)
	}
	st.SetFailure(appErr)
}

// retry runs op, repeating it with exponential backoff while it fails with a
// retryable error.
func retry[T any](ctx context.Context, s *Session, op func(context.Context) (T, error)) (T, error) {
	var out T
	if s.maxRetries == 0 {
		return op(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInitial
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)

	err := backoff.RetryNotify(func() error {
		v, err := op(ctx)
		if err != nil {
			if !errors.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}, policy, func(err error, wait time.Duration) {
		log.Debug("Retrying provider call", "error", err, "wait", wait)
	})
	return out, err
}
