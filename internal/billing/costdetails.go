// internal/billing/costdetails.go
// Package billing accumulates metered cost elements of a charging session
// (energy, time, one-off flat fees) into deduplicated billing buckets and
// summable totals for CDR generation.
package billing

import (
	"sort"
	"strconv"
	"time"
)

// EnergyCharge is one energy billing bucket: all energy billed at the same
// (step size, unit price) pair. Energy is in Wh, price per kWh.
type EnergyCharge struct {
	StepSize int     `json:"step_size"` // Billing granularity in Wh; informational, not applied as rounding
	Price    float64 `json:"price"`     // Unit price per kWh
	Energy   float64 `json:"energy"`    // Accumulated energy in Wh
}

// Cost returns the accumulated cost of this bucket.
func (c EnergyCharge) Cost() float64 {
	return c.Energy / 1000 * c.Price
}

// TimeCharge is one time billing bucket: all chargeable time billed at the
// same (step size, unit price) pair. Step size is in seconds, price per hour.
type TimeCharge struct {
	StepSize int           `json:"step_size"` // Billing granularity in seconds; informational
	Price    float64       `json:"price"`     // Unit price per hour
	Duration time.Duration `json:"duration"`  // Accumulated chargeable time
}

// Cost returns the accumulated cost of this bucket.
func (c TimeCharge) Cost() float64 {
	return c.Duration.Hours() * c.Price
}

// FlatCharge is a one-off fee. A flat fee is charged once per distinct
// price regardless of how many times the triggering event recurs.
type FlatCharge struct {
	Price float64 `json:"price"` // The fee, charged exactly once
}

// CostDetails is a mutable accumulator for the billable elements of one
// charging session. It is a pure additive ledger: step sizes are recorded
// but never applied as rounding, and no price validation happens here.
// It is not safe for concurrent use.
type CostDetails struct {
	totalEnergy float64
	totalTime   time.Duration

	flat   map[string]*FlatCharge
	energy map[string]*EnergyCharge
	timed  map[string]*TimeCharge
}

// NewCostDetails returns an empty accumulator.
func NewCostDetails() *CostDetails {
	return &CostDetails{
		flat:   make(map[string]*FlatCharge),
		energy: make(map[string]*EnergyCharge),
		timed:  make(map[string]*TimeCharge),
	}
}

// priceKey renders a price into a stable map key fragment.
func priceKey(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}

// bucketKey builds the composite (step size, price) bucket key.
func bucketKey(stepSize int, price float64) string {
	return strconv.Itoa(stepSize) + "*" + priceKey(price)
}

// BillEnergy adds an energy delta (Wh) to the bucket keyed by
// (stepSize, price), creating the bucket on first use. The delta may be
// negative to support corrective entries.
func (c *CostDetails) BillEnergy(stepSize int, energy float64, price float64) {
	key := bucketKey(stepSize, price)
	bucket, ok := c.energy[key]
	if !ok {
		bucket = &EnergyCharge{StepSize: stepSize, Price: price}
		c.energy[key] = bucket
	}
	bucket.Energy += energy
	c.totalEnergy += energy
}

// BillTime adds a chargeable time delta to the bucket keyed by
// (stepSize, price), creating the bucket on first use.
func (c *CostDetails) BillTime(stepSize int, d time.Duration, price float64) {
	key := bucketKey(stepSize, price)
	bucket, ok := c.timed[key]
	if !ok {
		bucket = &TimeCharge{StepSize: stepSize, Price: price}
		c.timed[key] = bucket
	}
	bucket.Duration += d
	c.totalTime += d
}

// BillFlat charges a one-off fee. Repeat calls with the same price are
// no-ops after the first; a different price creates a separate line item.
func (c *CostDetails) BillFlat(price float64) {
	key := priceKey(price)
	if _, ok := c.flat[key]; ok {
		return
	}
	c.flat[key] = &FlatCharge{Price: price}
}

// TotalEnergy returns the accumulated energy in Wh across all buckets.
func (c *CostDetails) TotalEnergy() float64 {
	return c.totalEnergy
}

// TotalTime returns the accumulated chargeable time across all buckets.
func (c *CostDetails) TotalTime() time.Duration {
	return c.totalTime
}

// TotalEnergyCost returns the summed cost of all energy buckets.
func (c *CostDetails) TotalEnergyCost() float64 {
	var sum float64
	for _, b := range c.energy {
		sum += b.Cost()
	}
	return sum
}

// TotalTimeCost returns the summed cost of all time buckets.
func (c *CostDetails) TotalTimeCost() float64 {
	var sum float64
	for _, b := range c.timed {
		sum += b.Cost()
	}
	return sum
}

// TotalFlatCost returns the summed one-off fees.
func (c *CostDetails) TotalFlatCost() float64 {
	var sum float64
	for _, b := range c.flat {
		sum += b.Price
	}
	return sum
}

// TotalCost returns the overall session cost.
func (c *CostDetails) TotalCost() float64 {
	return c.TotalEnergyCost() + c.TotalTimeCost() + c.TotalFlatCost()
}

// Clone deep-copies the accumulator. The clone shares no state with the
// original.
func (c *CostDetails) Clone() *CostDetails {
	clone := NewCostDetails()
	clone.totalEnergy = c.totalEnergy
	clone.totalTime = c.totalTime
	for k, b := range c.flat {
		copied := *b
		clone.flat[k] = &copied
	}
	for k, b := range c.energy {
		copied := *b
		clone.energy[k] = &copied
	}
	for k, b := range c.timed {
		copied := *b
		clone.timed[k] = &copied
	}
	return clone
}

// Snapshot is an immutable serializable view of the accumulator: rolled-up
// totals plus the itemized buckets. Empty bucket lists are omitted.
type Snapshot struct {
	TotalEnergy     float64       `json:"total_energy"`
	TotalTime       time.Duration `json:"total_time"`
	TotalEnergyCost float64       `json:"total_energy_cost"`
	TotalTimeCost   float64       `json:"total_time_cost"`
	TotalFlatCost   float64       `json:"total_flat_cost"`
	TotalCost       float64       `json:"total_cost"`

	EnergyCharges []EnergyCharge `json:"billed_energy_elements,omitempty"`
	TimeCharges   []TimeCharge   `json:"billed_time_elements,omitempty"`
	FlatCharges   []FlatCharge   `json:"billed_flat_elements,omitempty"`
}

// Snapshot produces the current view. Buckets are sorted by key for stable
// output across runs.
func (c *CostDetails) Snapshot() Snapshot {
	s := Snapshot{
		TotalEnergy:     c.totalEnergy,
		TotalTime:       c.totalTime,
		TotalEnergyCost: c.TotalEnergyCost(),
		TotalTimeCost:   c.TotalTimeCost(),
		TotalFlatCost:   c.TotalFlatCost(),
		TotalCost:       c.TotalCost(),
	}
	for _, k := range sortedKeys(c.energy) {
		s.EnergyCharges = append(s.EnergyCharges, *c.energy[k])
	}
	for _, k := range sortedKeys(c.timed) {
		s.TimeCharges = append(s.TimeCharges, *c.timed[k])
	}
	for _, k := range sortedKeys(c.flat) {
		s.FlatCharges = append(s.FlatCharges, *c.flat[k])
	}
	return s
}

// sortedKeys returns the map keys in lexical order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
