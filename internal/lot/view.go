package lot

import (
	"time"

	"github.com/Martin-Hayot/auction-storefront/pkg/types"
)

// View is a render-ready snapshot of a lot with every derived query resolved.
type View struct {
	ID            string          `json:"id"`
	Title         string          `json:"title"`
	Image         string          `json:"image"`
	Description   string          `json:"description"`
	About         string          `json:"about"`
	MinPrice      int64           `json:"minPrice"`
	Price         int64           `json:"price"`
	Status        types.LotStatus `json:"status"`
	Datetime      time.Time       `json:"datetime"`
	History       []int64         `json:"history"`
	StatusLabel   string          `json:"statusLabel"`
	AuctionStatus string          `json:"auctionStatus"`
	TimeStatus    string          `json:"timeStatus"`
	NextBid       int64           `json:"nextBid"`
	LastLocalBid  int64           `json:"lastLocalBid"`
	IsMyBid       bool            `json:"isMyBid"`
	IsParticipate bool            `json:"isParticipate"`
}

func (l *Lot) View() View {
	return View{
		ID:            l.ID,
		Title:         l.Title,
		Image:         l.Image,
		Description:   l.Description,
		About:         l.About,
		MinPrice:      l.MinPrice,
		Price:         l.Price,
		Status:        l.Status,
		Datetime:      l.Datetime,
		History:       append([]int64{}, l.History...),
		StatusLabel:   l.StatusLabel(),
		AuctionStatus: l.AuctionStatus(),
		TimeStatus:    l.TimeStatus(),
		NextBid:       l.NextBid(),
		LastLocalBid:  l.LastLocalBid(),
		IsMyBid:       l.IsMyBid(),
		IsParticipate: l.IsParticipate(),
	}
}

// Views renders a slice of lots in order.
func Views(lots []*Lot) []View {
	out := make([]View, 0, len(lots))
	for _, l := range lots {
		out = append(out, l.View())
	}
	return out
}
