package types

import (
	"time"
)

type LotStatus string

const (
	LotStatusWait   LotStatus = "wait"
	LotStatusActive LotStatus = "active"
	LotStatusClosed LotStatus = "closed"
)

// Rank orders statuses along the only allowed direction wait -> active -> closed.
// Unknown statuses rank below wait.
func (s LotStatus) Rank() int {
	switch s {
	case LotStatusWait:
		return 1
	case LotStatusActive:
		return 2
	case LotStatusClosed:
		return 3
	default:
		return 0
	}
}

// LotRecord is the canonical lot as delivered by the network collaborator.
type LotRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Image       string    `json:"image"`
	Description string    `json:"description"`
	About       string    `json:"about"`
	MinPrice    int64     `json:"minPrice"`
	Price       int64     `json:"price"`
	Status      LotStatus `json:"status"`
	Datetime    time.Time `json:"datetime"`
	History     []int64   `json:"history,omitempty"`
}

// LotDetail is the extended detail fetched when a lot is previewed.
type LotDetail struct {
	Description string  `json:"description"`
	History     []int64 `json:"history"`
}

type LotList struct {
	Total int         `json:"total"`
	Items []LotRecord `json:"items"`
}

type OrderField string

const (
	OrderFieldEmail OrderField = "email"
	OrderFieldPhone OrderField = "phone"
)

// FormErrors maps an order field to its validation message.
type FormErrors map[OrderField]string

type Order struct {
	Email string   `json:"email"`
	Phone string   `json:"phone"`
	Items []string `json:"items"`
}

type OrderAck struct {
	ID    string `json:"id"`
	Total int64  `json:"total"`
}
