package flows

import (
	"context"

	"github.com/ignatij/sagaflow/pkg/events"
	"github.com/ignatij/sagaflow/pkg/workflow"
)

// DeliveryReference is the reference recorded on deliveries registered for a fulfillment.
const DeliveryReference = "fulfillment"

type MarkDeliveredInput struct {
	OrderID       string `json:"order_id"`
	FulfillmentID string `json:"fulfillment_id"`
}

// DeliverabilityCheck is the order and fulfillment validated together.
type DeliverabilityCheck struct {
	Order       Order       `json:"order"`
	Fulfillment Fulfillment `json:"fulfillment"`
}

type DeliveryCreated struct {
	ID string `json:"id"`
}

func deliverabilityValidationStep() *workflow.Step[DeliverabilityCheck, DeliverabilityCheck] {
	return workflow.NewStep("order-fulfillment-deliverability-validation", func(_ context.Context, in DeliverabilityCheck) (DeliverabilityCheck, error) {
		if in.Order.Status == OrderStatusCanceled {
			return in, workflow.Validation("order %s is canceled", in.Order.ID)
		}
		found := false
		for _, f := range in.Order.Fulfillments {
			if f.ID == in.Fulfillment.ID {
				found = true
				break
			}
		}
		if !found {
			return in, workflow.NotFound("fulfillment with id %s not found in the order", in.Fulfillment.ID)
		}
		items := make(map[string]int, len(in.Order.Items))
		for _, item := range in.Order.Items {
			items[item.ID] = item.Quantity
		}
		for _, fi := range in.Fulfillment.Items {
			qty, ok := items[fi.LineItemID]
			if !ok {
				return in, workflow.Validation("item %s does not exist in order %s", fi.LineItemID, in.Order.ID)
			}
			if fi.Quantity > qty {
				return in, workflow.Validation("item %s: %d fulfilled of %d ordered", fi.LineItemID, fi.Quantity, qty)
			}
		}
		return in, nil
	})
}

func prepareRegisterDelivery(in DeliverabilityCheck) RegisterDeliveryInput {
	var fulfillment Fulfillment
	for _, f := range in.Order.Fulfillments {
		if f.ID == in.Fulfillment.ID {
			fulfillment = f
			break
		}
	}
	items := make([]DeliveryItem, 0, len(fulfillment.Items))
	for _, fi := range fulfillment.Items {
		items = append(items, DeliveryItem{ID: fi.LineItemID, Quantity: fi.Quantity})
	}
	return RegisterDeliveryInput{
		OrderID:     in.Order.ID,
		Reference:   DeliveryReference,
		ReferenceID: fulfillment.ID,
		Items:       items,
	}
}

func markFulfillmentDeliveredStep(fulfillments FulfillmentModule) *workflow.Step[string, Fulfillment] {
	return workflow.NewStep("mark-fulfillment-as-delivered", func(ctx context.Context, id string) (Fulfillment, error) {
		return fulfillments.MarkDelivered(ctx, id)
	}).WithCompensation(func(ctx context.Context, id string, _ Fulfillment) error {
		return fulfillments.UnmarkDelivered(ctx, id)
	})
}

func registerOrderDeliveryStep(orders OrderModule) *workflow.Step[RegisterDeliveryInput, Delivery] {
	return workflow.NewStep("register-order-delivery", func(ctx context.Context, in RegisterDeliveryInput) (Delivery, error) {
		return orders.RegisterDelivery(ctx, in)
	}).WithCompensation(func(ctx context.Context, _ RegisterDeliveryInput, d Delivery) error {
		if d.ID == "" {
			return nil
		}
		return orders.RevertDelivery(ctx, d.ID)
	})
}

func MarkOrderFulfillmentAsDelivered(m Modules) (*workflow.Definition, error) {
	retrieveFulfillment := retrieveFulfillmentStep(m.Fulfillments)
	retrieveOrder := retrieveOrderStep(m.Orders)
	validate := deliverabilityValidationStep()
	markDelivered := markFulfillmentDeliveredStep(m.Fulfillments)
	registerDelivery := registerOrderDeliveryStep(m.Orders)
	emitDelivery := events.NewEmitStep[DeliveryCreated](emitter(m), EventDeliveryCreated, eventLogger(m))

	return workflow.New(MarkDeliveredWorkflow, func(b *workflow.Builder, in workflow.Ref[MarkDeliveredInput]) workflow.Ref[workflow.Void] {
		fulfillmentID := workflow.Transform(b, "fulfillment-id", in, func(i MarkDeliveredInput) string { return i.FulfillmentID })
		orderID := workflow.Transform(b, "order-id", in, func(i MarkDeliveredInput) string { return i.OrderID })
		var (
			fulfillment workflow.Ref[Fulfillment]
			order       workflow.Ref[Order]
		)
		b.Parallel(func(b *workflow.Builder) {
			fulfillment = workflow.Invoke(b, retrieveFulfillment, fulfillmentID)
			order = workflow.InvokeAs(b, "order-query", retrieveOrder, orderID)
		})
		check := workflow.Combine(b, "deliverability-input", order, fulfillment, func(o Order, f Fulfillment) DeliverabilityCheck {
			return DeliverabilityCheck{Order: o, Fulfillment: f}
		})
		check = workflow.Invoke(b, validate, check)
		deliveryData := workflow.Transform(b, "prepare-register-delivery", check, prepareRegisterDelivery)
		checkedID := workflow.Transform(b, "delivered-fulfillment-id", check, func(c DeliverabilityCheck) string { return c.Fulfillment.ID })

		var delivered workflow.Ref[Fulfillment]
		b.Parallel(func(b *workflow.Builder) {
			delivered = workflow.Invoke(b, markDelivered, checkedID)
			workflow.Invoke(b, registerDelivery, deliveryData)
		})
		payload := workflow.Transform(b, "delivery-created-payload", delivered, func(f Fulfillment) DeliveryCreated {
			return DeliveryCreated{ID: f.ID}
		})
		workflow.Invoke(b, emitDelivery, payload)
		return workflow.Ref[workflow.Void]{}
	}, workflow.WithDescription("Mark a fulfillment of an order as delivered"))
}
