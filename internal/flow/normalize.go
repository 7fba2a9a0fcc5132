package flow

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseError reports a payload that could not be normalized. The offending
// item is dropped; a ParseError never yields a partially filled Alert.
type ParseError struct {
	Reason string
	Field  string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse flow alert: %s (field %q)", e.Reason, e.Field)
	}
	return "parse flow alert: " + e.Reason
}

// fieldAliases maps each canonical field to every upstream spelling we have
// observed. All alias tolerance lives in this table so a new provider quirk
// is a one-line change with a matching test.
var fieldAliases = map[string][]string{
	"ticker":           {"ticker", "symbol", "underlying_symbol", "underlying_ticker"},
	"contract_id":      {"contract_id", "option_symbol", "contract", "occ_symbol"},
	"strike":           {"strike", "strike_price"},
	"expiry":           {"expiry", "expiration", "expiration_date", "expiry_date"},
	"option_type":      {"option_type", "type", "put_call", "contract_type"},
	"side":             {"side", "trade_side", "aggressor_side"},
	"premium":          {"premium", "total_premium", "cost_basis"},
	"size":             {"size", "total_size", "contracts", "volume"},
	"underlying_price": {"underlying_price", "underlying", "spot", "stock_price"},
	"execution_time":   {"execution_time", "executed_at", "time", "timestamp", "created_at"},
	"aggressiveness":   {"aggressiveness", "aggression", "execution_type", "trade_type"},
	"ask_premium":      {"ask_premium", "ask_side_premium", "total_ask_side_prem"},
	"bid_premium":      {"bid_premium", "bid_side_premium", "total_bid_side_prem"},
}

// wrapperKeys are single-field envelopes some provider paths put around the
// actual alert object.
var wrapperKeys = []string{"data", "alert", "payload", "event"}

// contractIDPattern matches the synthetic identifier form
// <TICKER><YYMMDD><C|P><STRIKE*1000>, e.g. AAPL241018C00415000.
var contractIDPattern = regexp.MustCompile(`^([A-Z.]{1,6})(\d{6})([CP])(\d{7,8})$`)

// Normalizer converts heterogeneous raw payloads into canonical Alerts.
// It is pure: no I/O, no shared state. The clock is injectable so derived
// fields are reproducible in tests.
type Normalizer struct {
	now func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewNormalizerAt returns a Normalizer pinned to a fixed clock.
func NewNormalizerAt(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// Normalize maps one raw payload (a stream frame payload or a poll-response
// item) to a canonical Alert. Malformed input returns a *ParseError and no
// Alert; identical input always yields identical output for a fixed clock.
func (n *Normalizer) Normalize(payload []byte) (Alert, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Alert{}, &ParseError{Reason: "payload is not a JSON object"}
	}
	raw = unwrap(raw)

	var a Alert
	a.Ticker = strings.ToUpper(strings.TrimSpace(getString(raw, "ticker")))
	a.ContractID = strings.TrimSpace(getString(raw, "contract_id"))
	a.Strike, _ = getFloat(raw, "strike")
	a.Expiry = getTime(raw, "expiry")
	a.OptionType = parseOptionType(getString(raw, "option_type"))

	// Contract identity may arrive only as the packed identifier.
	if a.Ticker == "" || a.Strike == 0 || a.Expiry.IsZero() || a.OptionType == "" {
		parsed, err := ParseContractID(a.ContractID)
		if err != nil {
			return Alert{}, &ParseError{Reason: "no direct contract fields and no parseable contract id"}
		}
		if a.Ticker == "" {
			a.Ticker = parsed.Ticker
		}
		if a.Strike == 0 {
			a.Strike = parsed.Strike
		}
		if a.Expiry.IsZero() {
			a.Expiry = parsed.Expiry
		}
		if a.OptionType == "" {
			a.OptionType = parsed.OptionType
		}
	}

	a.Premium, _ = getFloat(raw, "premium")
	if size, ok := getFloat(raw, "size"); ok {
		a.Size = int64(size)
	}
	a.UnderlyingPrice, _ = getFloat(raw, "underlying_price")
	a.ExecutionTime = getTime(raw, "execution_time")
	if a.ExecutionTime.IsZero() {
		a.ExecutionTime = n.now().UTC()
	}

	a.Side = inferSide(raw)
	a.DaysToExpiry = daysToExpiry(a.Expiry, n.now())
	a.Moneyness = classifyMoneyness(a.OptionType, a.Strike, a.UnderlyingPrice)
	a.Aggressiveness = classifyAggressiveness(getString(raw, "aggressiveness"), a.Premium, a.Size)
	a.Sentiment = classifySentiment(a.OptionType, a.Side)

	return a, nil
}

// ContractIdentity is the portion of an Alert recoverable from a packed
// contract identifier.
type ContractIdentity struct {
	Ticker     string
	Expiry     time.Time
	OptionType OptionType
	Strike     float64
}

// ParseContractID parses <TICKER><YYMMDD><C|P><STRIKE*1000>.
func ParseContractID(id string) (ContractIdentity, error) {
	m := contractIDPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(id)))
	if m == nil {
		return ContractIdentity{}, &ParseError{Reason: "unrecognized contract id", Field: "contract_id"}
	}
	expiry, err := time.ParseInLocation("060102", m[2], time.UTC)
	if err != nil {
		return ContractIdentity{}, &ParseError{Reason: "invalid expiry in contract id", Field: "contract_id"}
	}
	milli, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return ContractIdentity{}, &ParseError{Reason: "invalid strike in contract id", Field: "contract_id"}
	}
	typ := OptionCall
	if m[3] == "P" {
		typ = OptionPut
	}
	return ContractIdentity{
		Ticker:     m[1],
		Expiry:     expiry,
		OptionType: typ,
		Strike:     float64(milli) / 1000,
	}, nil
}

func unwrap(raw map[string]any) map[string]any {
	for _, key := range wrapperKeys {
		if inner, ok := raw[key].(map[string]any); ok && len(raw) <= 2 {
			return unwrap(inner)
		}
	}
	return raw
}

func lookup(raw map[string]any, canonical string) (any, bool) {
	for _, alias := range fieldAliases[canonical] {
		if v, ok := raw[alias]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func getString(raw map[string]any, canonical string) string {
	v, ok := lookup(raw, canonical)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func getFloat(raw map[string]any, canonical string) (float64, bool) {
	v, ok := lookup(raw, canonical)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func getTime(raw map[string]any, canonical string) time.Time {
	v, ok := lookup(raw, canonical)
	if !ok {
		return time.Time{}
	}
	switch t := v.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.ParseInLocation(layout, strings.TrimSpace(t), time.UTC); err == nil {
				return ts.UTC()
			}
		}
	case float64:
		// Unix seconds, or milliseconds for values far in the future.
		if t > 1e12 {
			return time.UnixMilli(int64(t)).UTC()
		}
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Time{}
}

func parseOptionType(s string) OptionType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call", "c", "calls":
		return OptionCall
	case "put", "p", "puts":
		return OptionPut
	}
	return ""
}

// inferSide prefers an explicit side field, then the heavier of the ask/bid
// premium aggregates. Ties and absence default to ask: aggressive buying is
// the economically interesting default.
func inferSide(raw map[string]any) Side {
	switch strings.ToLower(strings.TrimSpace(getString(raw, "side"))) {
	case "ask", "a", "buy":
		return SideAsk
	case "bid", "b", "sell":
		return SideBid
	}
	askPrem, _ := getFloat(raw, "ask_premium")
	bidPrem, _ := getFloat(raw, "bid_premium")
	if bidPrem > askPrem {
		return SideBid
	}
	return SideAsk
}

func daysToExpiry(expiry, now time.Time) int {
	if expiry.IsZero() {
		return 0
	}
	return int(math.Ceil(expiry.Sub(now).Hours() / 24))
}

// classifyMoneyness treats anything within 2% of the underlying as ATM.
func classifyMoneyness(typ OptionType, strike, underlying float64) Moneyness {
	if underlying <= 0 {
		return MoneynessOTM
	}
	if math.Abs(strike-underlying)/underlying < 0.02 {
		return MoneynessATM
	}
	if typ == OptionCall {
		if strike > underlying {
			return MoneynessOTM
		}
		return MoneynessITM
	}
	if strike < underlying {
		return MoneynessOTM
	}
	return MoneynessITM
}

// classifyAggressiveness honors an explicit flag, then falls back to size and
// premium heuristics. Block is checked before sweep so that very large prints
// are not swallowed by the broader size test.
func classifyAggressiveness(explicit string, premium float64, size int64) Aggressiveness {
	switch strings.ToLower(strings.TrimSpace(explicit)) {
	case "sweep":
		return AggrSweep
	case "block":
		return AggrBlock
	case "split":
		return AggrSplit
	}
	if premium > 1_000_000 && size > 500 {
		return AggrBlock
	}
	if size > 100 {
		return AggrSweep
	}
	return AggrSplit
}

func classifySentiment(typ OptionType, side Side) Sentiment {
	switch {
	case typ == OptionCall && side == SideAsk:
		return SentimentBullish
	case typ == OptionPut && side == SideAsk:
		return SentimentBearish
	case typ == OptionCall && side == SideBid:
		return SentimentBearish
	case typ == OptionPut && side == SideBid:
		return SentimentBullish
	}
	return SentimentNeutral
}
