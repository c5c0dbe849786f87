package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/ignatij/sagaflow/internal/flows"
	"github.com/ignatij/sagaflow/pkg/workflow"
)

type Orders struct {
	*Faults
	revision
	mu         sync.RWMutex
	orders     map[string]flows.Order
	deliveries map[string]flows.Delivery
	keys       map[string]string
}

func NewOrders() *Orders {
	return &Orders{
		Faults:     newFaults(),
		orders:     make(map[string]flows.Order),
		deliveries: make(map[string]flows.Delivery),
		keys:       make(map[string]string),
	}
}

func (o *Orders) Seed(order flows.Order) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if order.Version == 0 {
		order.Version = 1
	}
	if order.Status == "" {
		order.Status = flows.OrderStatusPending
	}
	o.orders[order.ID] = order
}

func (o *Orders) RetrieveOrder(_ context.Context, id string) (flows.Order, error) {
	if err := o.check("RetrieveOrder"); err != nil {
		return flows.Order{}, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	order, ok := o.orders[id]
	if !ok {
		return flows.Order{}, workflow.NotFound("order with id %s was not found", id)
	}
	return order, nil
}

func (o *Orders) RegisterDelivery(ctx context.Context, in flows.RegisterDeliveryInput) (flows.Delivery, error) {
	if err := o.check("RegisterDelivery"); err != nil {
		return flows.Delivery{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.orders[in.OrderID]; !ok {
		return flows.Delivery{}, workflow.NotFound("order with id %s was not found", in.OrderID)
	}
	key := idempotencyKey(ctx)
	if id, ok := o.keys[key]; ok && key != "" {
		if d, ok := o.deliveries[id]; ok {
			return d, nil
		}
	}
	d := flows.Delivery{
		ID:          "dlv_" + uuid.NewString(),
		OrderID:     in.OrderID,
		Reference:   in.Reference,
		ReferenceID: in.ReferenceID,
		Items:       append([]flows.DeliveryItem(nil), in.Items...),
	}
	o.deliveries[d.ID] = d
	if key != "" {
		o.keys[key] = d.ID
	}
	o.bump()
	return d, nil
}

func (o *Orders) RevertDelivery(_ context.Context, deliveryID string) error {
	if err := o.check("RevertDelivery"); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.deliveries[deliveryID]; !ok {
		return nil
	}
	delete(o.deliveries, deliveryID)
	o.bump()
	return nil
}

// Deliveries returns the registered deliveries of an order.
func (o *Orders) Deliveries(orderID string) []flows.Delivery {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []flows.Delivery
	for _, d := range o.deliveries {
		if d.OrderID == orderID {
			out = append(out, d)
		}
	}
	return out
}
