package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/sagaflow/internal/flows"
	"github.com/ignatij/sagaflow/pkg/workflow"
)

type Returns struct {
	*Faults
	revision
	mu        sync.RWMutex
	returns   map[string]flows.Return
	keys      map[string]string
	displayID int
}

func NewReturns() *Returns {
	return &Returns{
		Faults:  newFaults(),
		returns: make(map[string]flows.Return),
		keys:    make(map[string]string),
	}
}

func (r *Returns) CreateReturn(ctx context.Context, in flows.CreateReturnInput) (flows.Return, error) {
	if err := r.check("CreateReturn"); err != nil {
		return flows.Return{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := idempotencyKey(ctx)
	if id, ok := r.keys[key]; ok && key != "" {
		if ret, ok := r.returns[id]; ok {
			return cloneReturn(ret), nil
		}
	}
	r.displayID++
	ret := flows.Return{
		ID:              "ret_" + uuid.NewString(),
		OrderID:         in.OrderID,
		DisplayID:       r.displayID,
		OrderVersion:    in.OrderVersion + 1,
		Status:          flows.ReturnStatusRequested,
		Description:     in.Description,
		Items:           []flows.ReturnItem{},
		ShippingMethods: []flows.ReturnShippingMethod{},
	}
	r.returns[ret.ID] = ret
	if key != "" {
		r.keys[key] = ret.ID
	}
	r.bump()
	return cloneReturn(ret), nil
}

func (r *Returns) DeleteReturn(_ context.Context, id string) error {
	if err := r.check("DeleteReturn"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.returns[id]; !ok {
		return nil
	}
	delete(r.returns, id)
	r.bump()
	return nil
}

func (r *Returns) RetrieveReturn(_ context.Context, id string) (flows.Return, error) {
	if err := r.check("RetrieveReturn"); err != nil {
		return flows.Return{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret, ok := r.returns[id]
	if !ok {
		return flows.Return{}, workflow.NotFound("return with id %s was not found", id)
	}
	return cloneReturn(ret), nil
}

// AddReturnItems sets the requested quantity of each item. Requesting the
// same quantity again changes nothing.
func (r *Returns) AddReturnItems(_ context.Context, returnID string, items []flows.ReturnItemRequest) (flows.Return, error) {
	if err := r.check("AddReturnItems"); err != nil {
		return flows.Return{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ret, ok := r.returns[returnID]
	if !ok {
		return flows.Return{}, workflow.NotFound("return with id %s was not found", returnID)
	}
	ret = cloneReturn(ret)
	changed := false
	for _, req := range items {
		found := false
		for i := range ret.Items {
			if ret.Items[i].ItemID == req.ID {
				found = true
				if ret.Items[i].Quantity != req.Quantity {
					ret.Items[i].Quantity = req.Quantity
					changed = true
				}
			}
		}
		if !found {
			ret.Items = append(ret.Items, flows.ReturnItem{ItemID: req.ID, Quantity: req.Quantity})
			changed = true
		}
	}
	if changed {
		r.returns[returnID] = ret
		r.bump()
	}
	return cloneReturn(ret), nil
}

func (r *Returns) RemoveReturnItems(_ context.Context, returnID string, itemIDs []string) error {
	if err := r.check("RemoveReturnItems"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ret, ok := r.returns[returnID]
	if !ok {
		return nil
	}
	remove := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		remove[id] = true
	}
	kept := []flows.ReturnItem{}
	for _, item := range ret.Items {
		if !remove[item.ItemID] {
			kept = append(kept, item)
		}
	}
	if len(kept) == len(ret.Items) {
		return nil
	}
	ret.Items = kept
	r.returns[returnID] = ret
	r.bump()
	return nil
}

func (r *Returns) AddShippingMethod(_ context.Context, returnID string, option flows.ShippingOption) (flows.Return, error) {
	if err := r.check("AddShippingMethod"); err != nil {
		return flows.Return{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ret, ok := r.returns[returnID]
	if !ok {
		return flows.Return{}, workflow.NotFound("return with id %s was not found", returnID)
	}
	for _, m := range ret.ShippingMethods {
		if m.ShippingOptionID == option.ID {
			return cloneReturn(ret), nil
		}
	}
	ret = cloneReturn(ret)
	ret.ShippingMethods = append(ret.ShippingMethods, flows.ReturnShippingMethod{
		ID:               "rsm_" + uuid.NewString(),
		Name:             option.Name,
		ShippingOptionID: option.ID,
		Amount:           option.Amount,
	})
	r.returns[returnID] = ret
	r.bump()
	return cloneReturn(ret), nil
}

func (r *Returns) RemoveShippingMethod(_ context.Context, returnID, methodID string) error {
	if err := r.check("RemoveShippingMethod"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ret, ok := r.returns[returnID]
	if !ok {
		return nil
	}
	kept := []flows.ReturnShippingMethod{}
	for _, m := range ret.ShippingMethods {
		if m.ID != methodID {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(ret.ShippingMethods) {
		return nil
	}
	ret.ShippingMethods = kept
	r.returns[returnID] = ret
	r.bump()
	return nil
}

func (r *Returns) RequestReturn(_ context.Context, returnID string) (flows.Return, error) {
	if err := r.check("RequestReturn"); err != nil {
		return flows.Return{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ret, ok := r.returns[returnID]
	if !ok {
		return flows.Return{}, workflow.NotFound("return with id %s was not found", returnID)
	}
	if ret.RequestedAt == nil {
		now := time.Now().UTC()
		ret.RequestedAt = &now
		r.returns[returnID] = ret
		r.bump()
	}
	return cloneReturn(ret), nil
}

func (r *Returns) RevertRequest(_ context.Context, returnID string) error {
	if err := r.check("RevertRequest"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ret, ok := r.returns[returnID]
	if !ok || ret.RequestedAt == nil {
		return nil
	}
	ret.RequestedAt = nil
	r.returns[returnID] = ret
	r.bump()
	return nil
}

// Get returns a return by id.
func (r *Returns) Get(id string) (flows.Return, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret, ok := r.returns[id]
	return cloneReturn(ret), ok
}

// All returns every return ordered by display id.
func (r *Returns) All() []flows.Return {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]flows.Return, 0, len(r.returns))
	for _, ret := range r.returns {
		out = append(out, cloneReturn(ret))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayID < out[j].DisplayID })
	return out
}

func cloneReturn(ret flows.Return) flows.Return {
	if ret.Items != nil {
		ret.Items = append([]flows.ReturnItem{}, ret.Items...)
	}
	if ret.ShippingMethods != nil {
		ret.ShippingMethods = append([]flows.ReturnShippingMethod{}, ret.ShippingMethods...)
	}
	if ret.RequestedAt != nil {
		t := *ret.RequestedAt
		ret.RequestedAt = &t
	}
	return ret
}
