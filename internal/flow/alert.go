package flow

import (
	"fmt"
	"time"
)

// OptionType is the contract type of an options trade.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// Side is the side of the market that was aggressed.
type Side string

const (
	SideAsk Side = "ask"
	SideBid Side = "bid"
)

// Moneyness classifies the strike relative to the underlying price.
type Moneyness string

const (
	MoneynessITM Moneyness = "ITM"
	MoneynessOTM Moneyness = "OTM"
	MoneynessATM Moneyness = "ATM"
)

// Aggressiveness classifies the execution style of the trade.
type Aggressiveness string

const (
	AggrSweep Aggressiveness = "sweep"
	AggrBlock Aggressiveness = "block"
	AggrSplit Aggressiveness = "split"
)

// Sentiment is the directional bias inferred from type and side.
type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
)

// Alert is the canonical, normalized representation of a single flow event.
// It is immutable once constructed: the derived fields (DaysToExpiry,
// Moneyness, Aggressiveness, Sentiment) are computed at normalization time
// and never re-derived downstream.
type Alert struct {
	// IngestID is assigned by the flow service when the alert is accepted.
	// It exists for correlation logging only and is never part of dedup.
	IngestID string `json:"ingest_id,omitempty"`

	Ticker          string     `json:"ticker"`
	ContractID      string     `json:"contract_id,omitempty"`
	Strike          float64    `json:"strike"`
	Expiry          time.Time  `json:"expiry"`
	OptionType      OptionType `json:"option_type"`
	Side            Side       `json:"side"`
	Premium         float64    `json:"premium"`
	Size            int64      `json:"size"`
	UnderlyingPrice float64    `json:"underlying_price"`
	ExecutionTime   time.Time  `json:"execution_time"`

	// Derived at normalization time.
	DaysToExpiry   int            `json:"days_to_expiry"`
	Moneyness      Moneyness      `json:"moneyness"`
	Aggressiveness Aggressiveness `json:"aggressiveness"`
	Sentiment      Sentiment      `json:"sentiment"`
}

// DedupKey identifies the underlying market event across delivery paths.
// Stream-delivered and poll-delivered copies of the same trade produce the
// same key. When the provider omits a contract id the key falls back to the
// contract's identity fields.
func (a Alert) DedupKey() string {
	if a.ContractID != "" {
		return a.ContractID + "|" + a.ExecutionTime.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s|%.3f|%s|%s|%s",
		a.Ticker, a.Strike, a.Expiry.UTC().Format("2006-01-02"),
		a.OptionType, a.ExecutionTime.UTC().Format(time.RFC3339Nano))
}
