// Package model содержит доменные сущности аукционного сервиса.
package model

import "time"

// User представляет зарегистрированного участника аукционов.
// Денежные поля хранятся в копейках.
type User struct {
	ID               int64
	Login            string
	PasswordHash     []byte
	DisplayName      string
	ImageURL         string
	MoneySpent       int64
	AuctionsWon      int
	UnpaidCommission int64
	CreatedAt        time.Time
}

// BidderProfile содержит публичные поля участника, денормализуемые в ставки.
type BidderProfile struct {
	ID          int64
	DisplayName string
	ImageURL    string
}

// BidEntry описывает запись встроенной проекции ставок аукциона:
// одна запись на участника с его последней принятой суммой.
type BidEntry struct {
	BidderID    int64
	BidderName  string
	BidderImage string
	Amount      int64
	PlacedAt    time.Time
}

// Auction описывает лот с временным окном приёма ставок.
// CurrentBid равен нулю до первой ставки и сбрасывается при перевыставлении.
type Auction struct {
	ID                   int64
	Title                string
	Description          string
	StartingBid          int64
	CurrentBid           int64
	StartTime            time.Time
	EndTime              time.Time
	HighestBidder        *int64
	CommissionCalculated bool
	CreatedBy            int64
	CreatedAt            time.Time
	Bids                 []BidEntry
}

// Bid описывает отдельную запись ставки — источник истины по истории
// участника; уникальна по паре (аукцион, участник).
type Bid struct {
	ID          int64
	AuctionID   int64
	BidderID    int64
	BidderName  string
	BidderImage string
	Amount      int64
	PlacedAt    time.Time
}

// SettlementResult содержит итог расчёта одного завершённого аукциона.
type SettlementResult struct {
	AuctionID  int64
	WinnerID   *int64
	WinningBid int64
	Commission int64
}
