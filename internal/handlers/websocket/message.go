package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Martin-Hayot/auction-storefront/internal/auction"
	"github.com/Martin-Hayot/auction-storefront/internal/events"
	"github.com/Martin-Hayot/auction-storefront/internal/lot"
	"github.com/Martin-Hayot/auction-storefront/pkg/errors"
	"github.com/Martin-Hayot/auction-storefront/pkg/types"
	"github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
)

// Outbound message types besides the signal names themselves.
const (
	TypeSnapshot = "snapshot"
	TypeBasket   = "basket"
	TypeError    = "error"
)

// Inbound command types.
const (
	CmdRefresh      = "refresh"
	CmdBid          = "bid"
	CmdToggle       = "toggle"
	CmdPreview      = "preview"
	CmdClosePreview = "close_preview"
	CmdField        = "field"
	CmdValidate     = "validate"
	CmdSubmit       = "submit"
	CmdClearBasket  = "clear_basket"
)

const commandTimeout = 5 * time.Second

type Message struct {
	Type string          `json:"type"`           // Signal name outbound, command inbound
	Data json.RawMessage `json:"data,omitempty"` // Payload of the message
}

type bidCommand struct {
	LotID  string `json:"lot_id" validate:"required"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

type toggleCommand struct {
	LotID    string `json:"lot_id" validate:"required"`
	Included bool   `json:"included"`
}

type previewCommand struct {
	LotID string `json:"lot_id" validate:"required"`
}

type fieldCommand struct {
	Field types.OrderField `json:"field" validate:"required"`
	Value string           `json:"value"`
}

var commandValidator = validator.New()

type snapshot struct {
	Catalog   []lot.View       `json:"catalog"`
	PreviewID string           `json:"previewId,omitempty"`
	Basket    basket           `json:"basket"`
	Order     types.Order      `json:"order"`
	Errors    types.FormErrors `json:"errors"`
	Loading   bool             `json:"loading"`
	Failure   *failure         `json:"failure"`
}

type basket struct {
	Items []string `json:"items"`
	Total int64    `json:"total"`
}

type failure struct {
	Code    int         `json:"code"`
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
}

func newSnapshot(st *auction.State) snapshot {
	return snapshot{
		Catalog:   lot.Views(st.Catalog()),
		PreviewID: st.PreviewID(),
		Basket:    newBasket(st),
		Order:     st.Order(),
		Errors:    st.FormErrors(),
		Loading:   st.Loading(),
		Failure:   newFailure(st.Failure()),
	}
}

func newBasket(st *auction.State) basket {
	return basket{Items: st.Order().Items, Total: st.Total()}
}

func newFailure(err *errors.AppError) *failure {
	if err == nil {
		return nil
	}
	return &failure{Code: err.Code, Kind: err.Kind, Message: err.Error()}
}

// encodeSignal renders a signal for the view. Lots are sent with every
// derived field resolved.
func encodeSignal(ev events.Event, st *auction.State) ([]byte, error) {
	var data any
	switch p := ev.Payload.(type) {
	case lot.Changed:
		if l, ok := st.Lot(p.ID); ok {
			data = l.View()
		} else {
			data = p
		}
	case auction.CatalogChanged:
		data = lot.Views(p.Catalog)
	case auction.PreviewChanged:
		if p.Lot != nil {
			data = p.Lot.View()
		}
	case auction.OrderReady:
		data = p.Order
	case auction.ErrorsChanged:
		data = p.Errors
	case auction.LoadingChanged:
		data = map[string]bool{"loading": p.Loading}
	case auction.FailureChanged:
		if f := newFailure(p.Failure); f != nil {
			data = f
		}
	case auction.OrderSubmitted:
		data = p.Ack
	default:
		data = ev.Payload
	}
	return encode(ev.Name, data)
}

// ParseMessage validates and parses incoming messages.
func ParseMessage(rawMessage []byte) (*Message, error) {
	var msg Message
	err := json.Unmarshal(rawMessage, &msg)
	if err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	return &msg, nil
}

// HandleMessage routes the message based on its type.
func (h *AuctionHandler) HandleMessage(client *Client, rawMessage []byte) {
	if !client.RateLimiter.Allow() {
		log.Warnf("Rate limit exceeded for client %s", client.ID)
		client.Deliver([]byte(errors.New(errors.ErrRateLimited, "Rate limit exceeded").ToJSON()))
		return
	}

	msg, err := ParseMessage(rawMessage)
	if err != nil {
		log.Infof("Invalid message from client %s: %v", client.ID, err)
		client.Deliver([]byte(errors.New(errors.ErrBadMessageFormat, "Invalid message format").ToJSON()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	switch msg.Type {
	case CmdRefresh:
		err = h.session.RefreshCatalog(ctx)
	case CmdBid:
		var cmd bidCommand
		if err = decodeCommand(msg.Data, &cmd); err == nil {
			err = h.session.PlaceBid(ctx, cmd.LotID, cmd.Amount)
		}
	case CmdToggle:
		var cmd toggleCommand
		if err = decodeCommand(msg.Data, &cmd); err == nil {
			if err = h.session.ToggleOrderedLot(ctx, cmd.LotID, cmd.Included); err == nil {
				err = h.broadcastBasket(ctx)
			}
		}
	case CmdPreview:
		var cmd previewCommand
		if err = decodeCommand(msg.Data, &cmd); err == nil {
			err = h.session.OpenPreview(ctx, cmd.LotID)
		}
	case CmdClosePreview:
		err = h.session.ClosePreview(ctx)
	case CmdField:
		var cmd fieldCommand
		if err = decodeCommand(msg.Data, &cmd); err == nil {
			err = h.session.SetOrderField(ctx, cmd.Field, cmd.Value)
		}
	case CmdValidate:
		_, err = h.session.ValidateOrder(ctx)
	case CmdSubmit:
		err = h.session.SubmitOrder(ctx)
	case CmdClearBasket:
		if err = h.session.ClearBasket(ctx); err == nil {
			err = h.broadcastBasket(ctx)
		}
	default:
		log.Infof("Unknown message type: %s", msg.Type)
		err = errors.New(errors.ErrUnknownMessageType, "Unknown message type")
	}

	if err != nil {
		log.Debug("Command failed", "client", client.ID, "type", msg.Type, "error", err)
		client.Deliver([]byte(errors.Classify(err).ToJSON()))
	}
}

func (h *AuctionHandler) broadcastBasket(ctx context.Context) error {
	raw, err := h.basket(ctx)
	if err != nil {
		return err
	}
	h.Broadcast(raw)
	return nil
}

func decodeCommand(data json.RawMessage, dest any) error {
	if len(data) == 0 {
		return errors.New(errors.ErrBadMessageFormat, "Missing command data")
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return errors.Fatal(errors.ErrBadMessageFormat, err, "Invalid command data")
	}
	if err := commandValidator.Struct(dest); err != nil {
		return errors.Fatal(errors.ErrValidation, err, "Invalid command data")
	}
	return nil
}
