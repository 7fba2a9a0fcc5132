package filter

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Rajchodisetti/flowcore/internal/flow"
	"github.com/Rajchodisetti/flowcore/internal/observ"
)

// Criteria is a predicate set over canonical alerts. Every field is optional;
// an absent field never excludes a match. Numeric bounds are inclusive.
type Criteria struct {
	MinPremium      *float64          `yaml:"min_premium" json:"min_premium,omitempty"`
	MaxPremium      *float64          `yaml:"max_premium" json:"max_premium,omitempty"`
	MinDaysToExpiry *int              `yaml:"min_days_to_expiry" json:"min_days_to_expiry,omitempty"`
	MaxDaysToExpiry *int              `yaml:"max_days_to_expiry" json:"max_days_to_expiry,omitempty"`
	Side            *string           `yaml:"side" json:"side,omitempty"`           // ask | bid | both
	Moneyness       *string           `yaml:"moneyness" json:"moneyness,omitempty"` // ITM | OTM | ATM | any
	ContractTypes   []flow.OptionType `yaml:"contract_types" json:"contract_types,omitempty"`
	MinSize         *int64            `yaml:"min_size" json:"min_size,omitempty"`
	Aggressiveness  *string           `yaml:"aggressiveness" json:"aggressiveness,omitempty"` // sweep | block | split | any
	SweepOnly       *bool             `yaml:"sweep_only" json:"sweep_only,omitempty"`
	BlockOnly       *bool             `yaml:"block_only" json:"block_only,omitempty"`
}

// Matches is a conjunction over every present criterion.
func (c Criteria) Matches(a flow.Alert) bool {
	if c.MinPremium != nil && a.Premium < *c.MinPremium {
		return false
	}
	if c.MaxPremium != nil && a.Premium > *c.MaxPremium {
		return false
	}
	if c.MinDaysToExpiry != nil && a.DaysToExpiry < *c.MinDaysToExpiry {
		return false
	}
	if c.MaxDaysToExpiry != nil && a.DaysToExpiry > *c.MaxDaysToExpiry {
		return false
	}
	if c.Side != nil && *c.Side != "both" && *c.Side != string(a.Side) {
		return false
	}
	if c.Moneyness != nil && *c.Moneyness != "any" && *c.Moneyness != string(a.Moneyness) {
		return false
	}
	if len(c.ContractTypes) > 0 && !containsType(c.ContractTypes, a.OptionType) {
		return false
	}
	if c.MinSize != nil && a.Size < *c.MinSize {
		return false
	}
	if c.Aggressiveness != nil && *c.Aggressiveness != "any" && *c.Aggressiveness != string(a.Aggressiveness) {
		return false
	}
	if c.SweepOnly != nil && *c.SweepOnly && a.Aggressiveness != flow.AggrSweep {
		return false
	}
	if c.BlockOnly != nil && *c.BlockOnly && a.Aggressiveness != flow.AggrBlock {
		return false
	}
	return true
}

func containsType(types []flow.OptionType, t flow.OptionType) bool {
	for _, ct := range types {
		if ct == t {
			return true
		}
	}
	return false
}

// Definition is a named, runtime-mutable filter. Ids are fixed at startup;
// enablement and criteria change at runtime.
type Definition struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	Criteria    Criteria `yaml:"criteria" json:"criteria"`
}

// Callback receives every alert that matches the subscribed filter.
type Callback func(flow.Alert)

// Engine owns the filter registry and evaluates every enabled filter against
// every normalized alert. It is the only component that mutates the registry.
type Engine struct {
	mu      sync.RWMutex
	order   []string // registry insertion order, for deterministic dispatch
	filters map[string]*Definition
	subs    map[string]map[string]Callback // filter id -> token -> callback
	log     *logrus.Entry
}

// NewEngine seeds the registry from the given definitions, preserving their
// order for dispatch.
func NewEngine(defs []Definition, log *logrus.Logger) (*Engine, error) {
	e := &Engine{
		filters: make(map[string]*Definition, len(defs)),
		subs:    make(map[string]map[string]Callback),
		log:     log.WithField("component", "filter_engine"),
	}
	for i := range defs {
		def := defs[i]
		if def.ID == "" {
			return nil, fmt.Errorf("filter %q has no id", def.Name)
		}
		if _, dup := e.filters[def.ID]; dup {
			return nil, fmt.Errorf("duplicate filter id %q", def.ID)
		}
		e.order = append(e.order, def.ID)
		e.filters[def.ID] = &def
	}
	return e, nil
}

// Dispatch evaluates the alert against every enabled filter in registry order
// and invokes every subscriber of each matching filter. All subscribers have
// been notified by the time Dispatch returns.
func (e *Engine) Dispatch(a flow.Alert) {
	type delivery struct {
		filterID  string
		callbacks []Callback
	}

	e.mu.RLock()
	var deliveries []delivery
	for _, id := range e.order {
		def := e.filters[id]
		if !def.Enabled || !def.Criteria.Matches(a) {
			continue
		}
		cbs := make([]Callback, 0, len(e.subs[id]))
		for _, cb := range e.subs[id] {
			cbs = append(cbs, cb)
		}
		deliveries = append(deliveries, delivery{filterID: id, callbacks: cbs})
	}
	e.mu.RUnlock()

	for _, d := range deliveries {
		observ.IncCounter("filter_matches_total", map[string]string{"filter": d.filterID})
		for _, cb := range d.callbacks {
			cb(a)
		}
		e.log.WithFields(logrus.Fields{
			"filter":      d.filterID,
			"ticker":      a.Ticker,
			"premium":     a.Premium,
			"subscribers": len(d.callbacks),
		}).Debug("filter matched")
	}
}

// ToggleFilter enables or disables a filter.
func (e *Engine) ToggleFilter(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.filters[id]
	if !ok {
		return fmt.Errorf("unknown filter %q", id)
	}
	def.Enabled = enabled
	return nil
}

// UpdateCriteria merges the given patch into a filter's criteria: only fields
// present in the patch are replaced, everything else is left alone.
func (e *Engine) UpdateCriteria(id string, patch Criteria) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.filters[id]
	if !ok {
		return fmt.Errorf("unknown filter %q", id)
	}
	c := &def.Criteria
	if patch.MinPremium != nil {
		c.MinPremium = patch.MinPremium
	}
	if patch.MaxPremium != nil {
		c.MaxPremium = patch.MaxPremium
	}
	if patch.MinDaysToExpiry != nil {
		c.MinDaysToExpiry = patch.MinDaysToExpiry
	}
	if patch.MaxDaysToExpiry != nil {
		c.MaxDaysToExpiry = patch.MaxDaysToExpiry
	}
	if patch.Side != nil {
		c.Side = patch.Side
	}
	if patch.Moneyness != nil {
		c.Moneyness = patch.Moneyness
	}
	if patch.ContractTypes != nil {
		c.ContractTypes = append([]flow.OptionType(nil), patch.ContractTypes...)
	}
	if patch.MinSize != nil {
		c.MinSize = patch.MinSize
	}
	if patch.Aggressiveness != nil {
		c.Aggressiveness = patch.Aggressiveness
	}
	if patch.SweepOnly != nil {
		c.SweepOnly = patch.SweepOnly
	}
	if patch.BlockOnly != nil {
		c.BlockOnly = patch.BlockOnly
	}
	return nil
}

// Subscribe registers a callback for a filter id and returns a token for
// Unsubscribe.
func (e *Engine) Subscribe(id string, cb Callback) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.filters[id]; !ok {
		return "", fmt.Errorf("unknown filter %q", id)
	}
	token := uuid.NewString()
	if e.subs[id] == nil {
		e.subs[id] = make(map[string]Callback)
	}
	e.subs[id][token] = cb
	return token, nil
}

// Unsubscribe removes one subscriber by token, or every subscriber of the
// filter when token is empty.
func (e *Engine) Unsubscribe(id, token string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if token == "" {
		delete(e.subs, id)
		return
	}
	delete(e.subs[id], token)
}

// ListFilters returns a snapshot copy of the registry in insertion order.
func (e *Engine) ListFilters() []Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Definition, 0, len(e.order))
	for _, id := range e.order {
		def := *e.filters[id]
		def.Criteria.ContractTypes = append([]flow.OptionType(nil), def.Criteria.ContractTypes...)
		out = append(out, def)
	}
	return out
}
