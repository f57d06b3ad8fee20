package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Tracker and ChangeRequestLister. It backs dry
// runs against fixtures and tests.
type Memory struct {
	mu       sync.Mutex
	items    map[int]*WorkItem
	requests []ChangeRequest
	comments map[int][]string
}

// NewMemory creates a tracker holding items and requests.
func NewMemory(items []WorkItem, requests []ChangeRequest) *Memory {
	m := &Memory{
		items:    make(map[int]*WorkItem, len(items)),
		requests: append([]ChangeRequest(nil), requests...),
		comments: map[int][]string{},
	}
	for _, it := range items {
		it := it
		it.Labels = append([]string(nil), it.Labels...)
		m.items[it.ID] = &it
	}
	return m
}

// ListByLabel implements Tracker.
func (m *Memory) ListByLabel(_ context.Context, label string) ([]WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []WorkItem
	for _, it := range m.items {
		if it.HasLabel(label) {
			cp := *it
			cp.Labels = append([]string(nil), it.Labels...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SwapLabel implements Tracker.
func (m *Memory) SwapLabel(_ context.Context, id int, remove, add string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[id]
	if !ok {
		return fmt.Errorf("work item %d not found", id)
	}
	labels := it.Labels[:0]
	for _, l := range it.Labels {
		if l != remove && l != add {
			labels = append(labels, l)
		}
	}
	it.Labels = append(labels, add)
	return nil
}

// Comment implements Tracker.
func (m *Memory) Comment(_ context.Context, id int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[id]; !ok {
		return fmt.Errorf("work item %d not found", id)
	}
	m.comments[id] = append(m.comments[id], body)
	return nil
}

// ListOpenChangeRequests implements ChangeRequestLister.
func (m *Memory) ListOpenChangeRequests(context.Context) ([]ChangeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChangeRequest(nil), m.requests...), nil
}

// Item returns a copy of a work item.
func (m *Memory) Item(id int) (WorkItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return WorkItem{}, false
	}
	cp := *it
	cp.Labels = append([]string(nil), it.Labels...)
	return cp, true
}

// Comments returns the notes posted on a work item.
func (m *Memory) Comments(id int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.comments[id]...)
}
