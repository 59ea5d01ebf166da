// Package filter runs chat bodies through an ordered chain of filters before
// they are broadcast.
package filter

import "sync"

// Verdict is a filter's decision on one message.
type Verdict int

const (
	// Allow lets the message through unchanged.
	Allow Verdict = iota
	// Modify replaces the message body.
	Modify
	// Block drops the message.
	Block
)

// Result carries a Verdict with its replacement body or blocking reason.
type Result struct {
	Verdict Verdict
	Body    string
	Reason  string
}

// Filter inspects one chat message. Filters are called concurrently from
// every session and must guard their own state.
type Filter interface {
	Apply(user, body string) Result
}

// Func adapts a function to Filter.
type Func func(user, body string) Result

// Apply calls f(user, body).
func (f Func) Apply(user, body string) Result {
	return f(user, body)
}

// Chain applies filters in registration order. A Modify feeds the new body
// to the remaining filters; the first Block stops the chain.
type Chain struct {
	mu      sync.RWMutex
	filters []Filter
}

// NewChain returns a chain holding filters.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Add appends a filter to the chain.
func (c *Chain) Add(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = append(c.filters, f)
}

// Len returns the number of filters.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filters)
}

// Apply runs the chain. The result is Allow when no filter changed the body.
func (c *Chain) Apply(user, body string) Result {
	if c == nil {
		return Result{Verdict: Allow, Body: body}
	}
	c.mu.RLock()
	filters := c.filters
	c.mu.RUnlock()

	current := body
	for _, f := range filters {
		res := f.Apply(user, current)
		switch res.Verdict {
		case Modify:
			current = res.Body
		case Block:
			return res
		}
	}
	if current != body {
		return Result{Verdict: Modify, Body: current}
	}
	return Result{Verdict: Allow, Body: body}
}
