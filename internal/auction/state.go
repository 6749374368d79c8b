package auction

import (
	"fmt"
	"sort"

	"github.com/Martin-Hayot/auction-storefront/internal/events"
	"github.com/Martin-Hayot/auction-storefront/internal/lot"
	"github.com/Martin-Hayot/auction-storefront/internal/participation"
	"github.com/Martin-Hayot/auction-storefront/pkg/errors"
	"github.com/Martin-Hayot/auction-storefront/pkg/types"
	"github.com/charmbracelet/log"
)

// Signal payloads.
type (
	CatalogChanged struct {
		Catalog []*lot.Lot
	}
	PreviewChanged struct {
		Lot *lot.Lot // nil asks the view to close any open detail
	}
	OrderReady struct {
		Order types.Order
	}
	ErrorsChanged struct {
		Errors types.FormErrors
	}
	LoadingChanged struct {
		Loading bool
	}
	FailureChanged struct {
		Failure *errors.AppError // nil once the failure is cleared
	}
	OrderSubmitted struct {
		Ack types.OrderAck
	}
)

// State owns the catalog and the order draft of one storefront session.
// It is not safe for concurrent use: every call must come from the goroutine
// that owns it. Signals are delivered synchronously, before the mutating call
// returns.
type State struct {
	sink         events.Sink
	clock        lot.Clock
	bids         *participation.Table
	autoValidate bool

	catalog    []*lot.Lot
	email      string
	phone      string
	items      map[string]struct{}
	formErrors types.FormErrors
	previewID  string
	loading    bool
	failure    *errors.AppError
}

type Option func(*State)

func WithClock(c lot.Clock) Option {
	return func(s *State) { s.clock = c }
}

func WithParticipation(t *participation.Table) Option {
	return func(s *State) { s.bids = t }
}

// WithAutoValidate makes every SetOrderField validate the draft and announce
// it when it becomes valid.
func WithAutoValidate(enabled bool) Option {
	return func(s *State) { s.autoValidate = enabled }
}

func New(sink events.Sink, opts ...Option) *State {
	if sink == nil {
		sink = events.Discard
	}
	s := &State{
		sink:       sink,
		clock:      lot.SystemClock,
		bids:       participation.New(),
		items:      make(map[string]struct{}),
		formErrors: types.FormErrors{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetCatalog replaces the catalog with one lot per record, in input order.
// Local participation is kept, since it is stored by lot id.
func (s *State) SetCatalog(records []types.LotRecord) {
	catalog := make([]*lot.Lot, 0, len(records))
	for _, r := range records {
		catalog = append(catalog, lot.New(r, s.sink, s.bids, s.clock))
	}
	s.catalog = catalog
	log.Debugf("Catalog replaced with %d lots", len(catalog))
	s.sink.Emit(events.CatalogChanged, CatalogChanged{Catalog: s.Catalog()})
}

func (s *State) Catalog() []*lot.Lot {
	return append([]*lot.Lot(nil), s.catalog...)
}

func (s *State) Lot(id string) (*lot.Lot, bool) {
	for _, l := range s.catalog {
		if l.ID == id {
			return l, true
		}
	}
	return nil, false
}

func (s *State) SetPreview(l *lot.Lot) {
	if l == nil {
		s.ClosePreview()
		return
	}
	s.previewID = l.ID
	s.sink.Emit(events.PreviewChanged, PreviewChanged{Lot: l})
}

func (s *State) ClosePreview() {
	s.previewID = ""
	s.sink.Emit(events.PreviewChanged, PreviewChanged{})
}

// PreviewID returns the id of the lot under detail view, "" for none.
func (s *State) PreviewID() string {
	return s.previewID
}

// MergeDetail applies fetched detail to the catalog lot with the given id and
// re-announces the preview if that lot is still shown. It reports whether the
// lot was found.
func (s *State) MergeDetail(id string, detail types.LotDetail) bool {
	l, ok := s.Lot(id)
	if !ok {
		return false
	}
	l.ApplyDetail(detail)
	if s.previewID == id {
		s.sink.Emit(events.PreviewChanged, PreviewChanged{Lot: l})
	}
	return true
}

// ToggleOrderedLot adds id to the order draft or removes it. Both directions
// are idempotent.
func (s *State) ToggleOrderedLot(id string, included bool) {
	if included {
		s.items[id] = struct{}{}
		return
	}
	delete(s.items, id)
}

func (s *State) IsOrdered(id string) bool {
	_, ok := s.items[id]
	return ok
}

// ClearBasket empties the order draft and forgets the local bid on every lot
// that was in it. Ids missing from the catalog are skipped.
func (s *State) ClearBasket() {
	s.RemoveOrdered(s.orderedIDs())
}

// RemoveOrdered drops ids from the order draft and forgets the local bid on
// each of them. Other draft items are left alone.
func (s *State) RemoveOrdered(ids []string) {
	for _, id := range ids {
		s.ToggleOrderedLot(id, false)
		if l, ok := s.Lot(id); ok {
			l.ClearBid()
		}
	}
}

// Total sums the prices of ordered lots. Ids missing from the catalog count as 0.
func (s *State) Total() int64 {
	var total int64
	for id := range s.items {
		if l, ok := s.Lot(id); ok {
			total += l.Price
		}
	}
	return total
}

// ActiveLots returns the active lots the local user is bidding on.
func (s *State) ActiveLots() []*lot.Lot {
	return s.filter(func(l *lot.Lot) bool {
		return l.Status == types.LotStatusActive && l.IsParticipate()
	})
}

// ClosedLots returns the closed lots won by the local user.
func (s *State) ClosedLots() []*lot.Lot {
	return s.filter(func(l *lot.Lot) bool {
		return l.Status == types.LotStatusClosed && l.IsMyBid()
	})
}

func (s *State) filter(keep func(*lot.Lot) bool) []*lot.Lot {
	var out []*lot.Lot
	for _, l := range s.catalog {
		if keep(l) {
			out = append(out, l)
		}
	}
	return out
}

// SetOrderField writes one contact field of the draft. Validation is a
// separate step unless the state was built WithAutoValidate.
func (s *State) SetOrderField(field types.OrderField, value string) error {
	switch field {
	case types.OrderFieldEmail:
		s.email = value
	case types.OrderFieldPhone:
		s.phone = value
	default:
		return errors.New(errors.ErrValidation, fmt.Sprintf("unknown order field %q", field))
	}

	if s.autoValidate {
		s.ConfirmOrder()
	}
	return nil
}

// ValidateOrder checks that email and phone are present, replaces FormErrors
// with exactly the missing fields and always announces them.
func (s *State) ValidateOrder() bool {
	s.formErrors = validateForm(orderForm{Email: s.email, Phone: s.phone})
	s.sink.Emit(events.ErrorsChanged, ErrorsChanged{Errors: s.FormErrors()})
	return len(s.formErrors) == 0
}

// ConfirmOrder validates the draft and announces it as ready when valid.
func (s *State) ConfirmOrder() bool {
	if !s.ValidateOrder() {
		return false
	}
	s.sink.Emit(events.OrderReady, OrderReady{Order: s.Order()})
	return true
}

func (s *State) FormErrors() types.FormErrors {
	out := make(types.FormErrors, len(s.formErrors))
	for k, v := range s.formErrors {
		out[k] = v
	}
	return out
}

// Order returns a snapshot of the draft. Items are sorted by id.
func (s *State) Order() types.Order {
	return types.Order{
		Email: s.email,
		Phone: s.phone,
		Items: s.orderedIDs(),
	}
}

func (s *State) orderedIDs() []string {
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *State) SetLoading(loading bool) {
	if s.loading == loading {
		return
	}
	s.loading = loading
	s.sink.Emit(events.LoadingChanged, LoadingChanged{Loading: loading})
}

func (s *State) Loading() bool {
	return s.loading
}

// SetFailure records a boundary failure so the view can show it.
func (s *State) SetFailure(err error) {
	s.failure = errors.Classify(err)
	s.sink.Emit(events.FailureChanged, FailureChanged{Failure: s.failure})
}

func (s *State) ClearFailure() {
	if s.failure == nil {
		return
	}
	s.failure = nil
	s.sink.Emit(events.FailureChanged, FailureChanged{})
}

func (s *State) Failure() *errors.AppError {
	return s.failure
}

// AnnounceSubmitted tells the view that an order went through.
func (s *State) AnnounceSubmitted(ack types.OrderAck) {
	s.sink.Emit(events.OrderSubmitted, OrderSubmitted{Ack: ack})
}
