package memory

import (
	"github.com/ignatij/sagaflow/internal/flows"
	"github.com/ignatij/sagaflow/pkg/events"
)

// Ids of the records seeded by NewDemo.
const (
	DemoOrderID              = "order_demo"
	DemoItemID               = "item_demo"
	DemoFulfillmentID        = "ful_demo"
	DemoReturnOptionID       = "so_return"
	DemoStandardOptionID     = "so_standard"
	DemoStoreID              = "store_demo"
	DemoReturnShippingAmount = 1000
)

// Demo is a set of in-memory modules seeded with one fulfilled order.
type Demo struct {
	Orders       *Orders
	Returns      *Returns
	Fulfillments *Fulfillments
	Stores       *Stores
	Bus          *events.MemoryBus
}

func NewDemo() *Demo {
	d := &Demo{
		Orders:       NewOrders(),
		Returns:      NewReturns(),
		Fulfillments: NewFulfillments(),
		Stores:       NewStores(),
		Bus:          events.NewMemoryBus(),
	}
	fulfillment := flows.Fulfillment{
		ID:      DemoFulfillmentID,
		OrderID: DemoOrderID,
		Items:   []flows.FulfillmentItem{{ID: "fulitem_demo", LineItemID: DemoItemID, Quantity: 1}},
	}
	d.Orders.Seed(flows.Order{
		ID:           DemoOrderID,
		DisplayID:    1,
		CurrencyCode: "usd",
		Items:        []flows.LineItem{{ID: DemoItemID, Title: "Custom Item 2", Quantity: 1, UnitPrice: 50}},
		Fulfillments: []flows.Fulfillment{fulfillment},
	})
	d.Fulfillments.SeedFulfillment(fulfillment)
	d.Fulfillments.SeedShippingOption(flows.ShippingOption{
		ID:       DemoReturnOptionID,
		Name:     "Return shipping",
		Amount:   DemoReturnShippingAmount,
		IsReturn: true,
	})
	d.Fulfillments.SeedShippingOption(flows.ShippingOption{
		ID:     DemoStandardOptionID,
		Name:   "Standard shipping",
		Amount: 500,
	})
	d.Stores.Seed(DemoStoreID, "Demo store")
	return d
}

// Modules returns the demo as collaborators of the flows. Events go to Bus
// unless emitter is given.
func (d *Demo) Modules(emitter events.Emitter) flows.Modules {
	if emitter == nil {
		emitter = d.Bus
	}
	return flows.Modules{
		Orders:       d.Orders,
		Returns:      d.Returns,
		Fulfillments: d.Fulfillments,
		Stores:       d.Stores,
		Events:       emitter,
	}
}
