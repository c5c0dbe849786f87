package flows

import (
	"context"
	"time"
)

// The collaborator contracts the flows are written against. Every step calls
// exactly one of these operations. Implementations must make creating
// operations idempotent per workflow.RunID and workflow.StepName of the
// context, and undo operations idempotent per entity.

type OrderModule interface {
	RetrieveOrder(ctx context.Context, id string) (Order, error)
	RegisterDelivery(ctx context.Context, in RegisterDeliveryInput) (Delivery, error)
	RevertDelivery(ctx context.Context, deliveryID string) error
}

type ReturnModule interface {
	CreateReturn(ctx context.Context, in CreateReturnInput) (Return, error)
	DeleteReturn(ctx context.Context, id string) error
	RetrieveReturn(ctx context.Context, id string) (Return, error)
	AddReturnItems(ctx context.Context, returnID string, items []ReturnItemRequest) (Return, error)
	RemoveReturnItems(ctx context.Context, returnID string, itemIDs []string) error
	AddShippingMethod(ctx context.Context, returnID string, option ShippingOption) (Return, error)
	RemoveShippingMethod(ctx context.Context, returnID, methodID string) error
	RequestReturn(ctx context.Context, returnID string) (Return, error)
	RevertRequest(ctx context.Context, returnID string) error
}

type FulfillmentModule interface {
	RetrieveFulfillment(ctx context.Context, id string) (Fulfillment, error)
	RetrieveShippingOption(ctx context.Context, id string) (ShippingOption, error)
	MarkDelivered(ctx context.Context, id string) (Fulfillment, error)
	UnmarkDelivered(ctx context.Context, id string) error
}

type StoreModule interface {
	SoftDeleteStores(ctx context.Context, ids []string) ([]string, error)
	RestoreStores(ctx context.Context, ids []string) error
}

const (
	OrderStatusPending  = "pending"
	OrderStatusCanceled = "canceled"

	ReturnStatusRequested = "requested"
	ReturnStatusCanceled  = "canceled"
)

type LineItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type FulfillmentItem struct {
	ID         string `json:"id"`
	LineItemID string `json:"line_item_id"`
	Quantity   int    `json:"quantity"`
}

type Fulfillment struct {
	ID          string            `json:"id"`
	OrderID     string            `json:"order_id"`
	Items       []FulfillmentItem `json:"items"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
}

type Order struct {
	ID           string        `json:"id"`
	DisplayID    int           `json:"display_id"`
	Version      int           `json:"version"`
	Status       string        `json:"status"`
	CurrencyCode string        `json:"currency_code"`
	Items        []LineItem    `json:"items"`
	Fulfillments []Fulfillment `json:"fulfillments"`
}

type ShippingOption struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Amount   int64  `json:"amount"`
	IsReturn bool   `json:"is_return"`
}

type ReturnItem struct {
	ItemID           string `json:"item_id"`
	Quantity         int    `json:"quantity"`
	ReceivedQuantity int    `json:"received_quantity"`
}

type ReturnShippingMethod struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ShippingOptionID string `json:"shipping_option_id"`
	Amount           int64  `json:"amount"`
}

type Return struct {
	ID              string                 `json:"id"`
	OrderID         string                 `json:"order_id"`
	DisplayID       int                    `json:"display_id"`
	OrderVersion    int                    `json:"order_version"`
	Status          string                 `json:"status"`
	Description     string                 `json:"description,omitempty"`
	Items           []ReturnItem           `json:"items"`
	ShippingMethods []ReturnShippingMethod `json:"shipping_methods"`
	RequestedAt     *time.Time             `json:"requested_at,omitempty"`
}

type CreateReturnInput struct {
	OrderID      string `json:"order_id"`
	OrderVersion int    `json:"order_version"`
	Description  string `json:"description,omitempty"`
}

type ReturnItemRequest struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

type DeliveryItem struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

type RegisterDeliveryInput struct {
	OrderID     string         `json:"order_id"`
	Reference   string         `json:"reference"`
	ReferenceID string         `json:"reference_id"`
	Items       []DeliveryItem `json:"items"`
}

type Delivery struct {
	ID          string         `json:"id"`
	OrderID     string         `json:"order_id"`
	Reference   string         `json:"reference"`
	ReferenceID string         `json:"reference_id"`
	Items       []DeliveryItem `json:"items"`
}
