package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ignatij/sagaflow/internal/flows"
	"github.com/ignatij/sagaflow/pkg/workflow"
)

type Fulfillments struct {
	*Faults
	revision
	mu           sync.RWMutex
	fulfillments map[string]flows.Fulfillment
	options      map[string]flows.ShippingOption
}

func NewFulfillments() *Fulfillments {
	return &Fulfillments{
		Faults:       newFaults(),
		fulfillments: make(map[string]flows.Fulfillment),
		options:      make(map[string]flows.ShippingOption),
	}
}

func (f *Fulfillments) SeedFulfillment(ful flows.Fulfillment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fulfillments[ful.ID] = ful
}

func (f *Fulfillments) SeedShippingOption(option flows.ShippingOption) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.options[option.ID] = option
}

func (f *Fulfillments) RetrieveFulfillment(_ context.Context, id string) (flows.Fulfillment, error) {
	if err := f.check("RetrieveFulfillment"); err != nil {
		return flows.Fulfillment{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	ful, ok := f.fulfillments[id]
	if !ok {
		return flows.Fulfillment{}, workflow.NotFound("fulfillment with id %s was not found", id)
	}
	return ful, nil
}

func (f *Fulfillments) RetrieveShippingOption(_ context.Context, id string) (flows.ShippingOption, error) {
	if err := f.check("RetrieveShippingOption"); err != nil {
		return flows.ShippingOption{}, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	option, ok := f.options[id]
	if !ok {
		return flows.ShippingOption{}, workflow.NotFound("shipping option with id %s was not found", id)
	}
	return option, nil
}

func (f *Fulfillments) MarkDelivered(_ context.Context, id string) (flows.Fulfillment, error) {
	if err := f.check("MarkDelivered"); err != nil {
		return flows.Fulfillment{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ful, ok := f.fulfillments[id]
	if !ok {
		return flows.Fulfillment{}, workflow.NotFound("fulfillment with id %s was not found", id)
	}
	if ful.DeliveredAt == nil {
		now := time.Now().UTC()
		ful.DeliveredAt = &now
		f.fulfillments[id] = ful
		f.bump()
	}
	return ful, nil
}

func (f *Fulfillments) UnmarkDelivered(_ context.Context, id string) error {
	if err := f.check("UnmarkDelivered"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ful, ok := f.fulfillments[id]
	if !ok || ful.DeliveredAt == nil {
		return nil
	}
	ful.DeliveredAt = nil
	f.fulfillments[id] = ful
	f.bump()
	return nil
}

// Get returns a fulfillment by id.
func (f *Fulfillments) Get(id string) (flows.Fulfillment, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ful, ok := f.fulfillments[id]
	return ful, ok
}
