package lot

import (
	"fmt"
	"slices"
	"time"

	"github.com/Martin-Hayot/auction-storefront/internal/events"
	"github.com/Martin-Hayot/auction-storefront/internal/participation"
	"github.com/Martin-Hayot/auction-storefront/pkg/errors"
	"github.com/Martin-Hayot/auction-storefront/pkg/types"
	"github.com/Martin-Hayot/auction-storefront/pkg/utils"
	"github.com/shopspring/decimal"
)

const timeLayout = "02.01.2006, 15:04:05"

var (
	// A bid above minPrice*closeMultiplier closes the lot at once.
	closeMultiplier = decimal.NewFromInt(10)
	// The suggested next bid is the current price plus ten percent, rounded down.
	nextBidFactor = decimal.RequireFromString("1.1")
)

// Clock supplies the current time to countdown queries.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

// Changed is the payload of the lot:changed signal.
type Changed struct {
	ID    string `json:"id"`
	Price int64  `json:"price"`
}

// Lot holds the bidding state of one auction lot.
type Lot struct {
	ID          string
	Title       string
	Image       string
	Description string
	About       string
	MinPrice    int64
	Price       int64
	Status      types.LotStatus
	Datetime    time.Time
	History     []int64

	sink  events.Sink
	bids  *participation.Table
	clock Clock
}

// New builds a lot from its canonical record. A nil sink, table or clock is
// replaced by a discarding sink, a private table and the system clock.
func New(record types.LotRecord, sink events.Sink, bids *participation.Table, clock Clock) *Lot {
	if sink == nil {
		sink = events.Discard
	}
	if bids == nil {
		bids = participation.New()
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Lot{
		ID:          record.ID,
		Title:       record.Title,
		Image:       record.Image,
		Description: record.Description,
		About:       record.About,
		MinPrice:    record.MinPrice,
		Price:       record.Price,
		Status:      record.Status,
		Datetime:    record.Datetime,
		History:     append([]int64(nil), record.History...),
		sink:        sink,
		bids:        bids,
		clock:       clock,
	}
}

// PlaceBid records amount as the current price and as the local user's bid.
// The lot closes when amount exceeds ten times the minimum price. No check is
// made that amount beats the previous price.
func (l *Lot) PlaceBid(amount int64) {
	l.Price = amount
	l.History = append(l.History, amount)
	l.bids.Record(l.ID, amount)

	if decimal.NewFromInt(amount).GreaterThan(decimal.NewFromInt(l.MinPrice).Mul(closeMultiplier)) {
		l.Status = types.LotStatusClosed
	}

	l.sink.Emit(events.LotChanged, Changed{ID: l.ID, Price: amount})
}

// ClearBid forgets the local user's participation. Price and history stay.
func (l *Lot) ClearBid() {
	l.bids.Forget(l.ID)
}

// Transition moves the lot forward along wait -> active -> closed.
func (l *Lot) Transition(to types.LotStatus) error {
	if to.Rank() == 0 {
		return errors.New(errors.ErrStateConflict, fmt.Sprintf("unknown lot status %q", to))
	}
	if to == l.Status {
		return nil
	}
	if l.Status == types.LotStatusClosed || to.Rank() < l.Status.Rank() {
		return errors.New(errors.ErrStateConflict, fmt.Sprintf("lot %s cannot move from %s to %s", l.ID, l.Status, to))
	}
	l.Status = to
	l.sink.Emit(events.LotChanged, Changed{ID: l.ID, Price: l.Price})
	return nil
}

// ApplyDetail merges extended detail fetched for a previewed lot. A local bid
// that still holds the price but is missing from the fetched history is kept
// on top of it.
func (l *Lot) ApplyDetail(detail types.LotDetail) {
	l.Description = detail.Description
	if len(detail.History) == 0 {
		return
	}
	local := l.LastLocalBid()
	unknown := local != 0 && local == l.Price && !slices.Contains(detail.History, local)

	l.History = append([]int64(nil), detail.History...)
	if unknown {
		l.History = append(l.History, local)
	}
	l.Price = l.History[len(l.History)-1]
}

// LastLocalBid is the amount the local user last bid on this lot, 0 if none.
func (l *Lot) LastLocalBid() int64 {
	return l.bids.Last(l.ID)
}

func (l *Lot) IsMyBid() bool {
	local := l.LastLocalBid()
	return local != 0 && local == l.Price
}

func (l *Lot) IsParticipate() bool {
	return l.LastLocalBid() != 0
}

func (l *Lot) StatusLabel() string {
	at := l.Datetime.Local().Format(timeLayout)
	switch l.Status {
	case types.LotStatusActive:
		return "Open until " + at
	case types.LotStatusClosed:
		return "Closed " + at
	case types.LotStatusWait:
		return "Opens " + at
	default:
		return string(l.Status)
	}
}

// TimeStatus is the countdown to Datetime as of the clock's current reading.
// It does not refresh itself; callers re-read it on their own timer.
func (l *Lot) TimeStatus() string {
	if l.Status == types.LotStatusClosed {
		return "Auction closed"
	}

	left := l.Datetime.Sub(l.clock.Now())
	if left < 0 {
		left = 0
	}
	total := int64(left / time.Second)
	hours := total / 3600
	minutes := total / 60 % 60
	seconds := total % 60

	return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
}

func (l *Lot) AuctionStatus() string {
	switch l.Status {
	case types.LotStatusClosed:
		return fmt.Sprintf("Sold for %s₽", utils.FormatNumber(l.Price, " "))
	case types.LotStatusWait:
		return "Until auction start"
	case types.LotStatusActive:
		return "Until lot closes"
	default:
		return ""
	}
}

// NextBid suggests the next bid: the current price plus ten percent, rounded down.
func (l *Lot) NextBid() int64 {
	return decimal.NewFromInt(l.Price).Mul(nextBidFactor).Floor().IntPart()
}

// Record returns the canonical record of the lot, without local participation.
func (l *Lot) Record() types.LotRecord {
	return types.LotRecord{
		ID:          l.ID,
		Title:       l.Title,
		Image:       l.Image,
		Description: l.Description,
		About:       l.About,
		MinPrice:    l.MinPrice,
		Price:       l.Price,
		Status:      l.Status,
		Datetime:    l.Datetime,
		History:     append([]int64(nil), l.History...),
	}
}
