package flows

import (
	"context"
	"time"

	"github.com/ignatij/sagaflow/internal/log"
	"github.com/ignatij/sagaflow/pkg/events"
	"github.com/ignatij/sagaflow/pkg/workflow"
)

// reads are retried, they have no side effects
var queryPolicy = workflow.ExponentialRetry(3, 200*time.Millisecond, 2*time.Second, 0.2)

func emitter(m Modules) events.Emitter {
	if m.Events == nil {
		return events.NewMemoryBus()
	}
	return m.Events
}

func eventLogger(m Modules) events.Logger {
	if m.Logger == nil {
		return log.GetLogger()
	}
	return m.Logger
}

func retrieveOrderStep(orders OrderModule) *workflow.Step[string, Order] {
	return workflow.NewStep("retrieve-order", func(ctx context.Context, id string) (Order, error) {
		if id == "" {
			return Order{}, workflow.Validation("order id is required")
		}
		return orders.RetrieveOrder(ctx, id)
	}).WithPolicy(queryPolicy)
}

func retrieveReturnStep(returns ReturnModule) *workflow.Step[string, Return] {
	return workflow.NewStep("retrieve-return", func(ctx context.Context, id string) (Return, error) {
		if id == "" {
			return Return{}, workflow.Validation("return id is required")
		}
		return returns.RetrieveReturn(ctx, id)
	}).WithPolicy(queryPolicy)
}

func retrieveFulfillmentStep(fulfillments FulfillmentModule) *workflow.Step[string, Fulfillment] {
	return workflow.NewStep("retrieve-fulfillment", func(ctx context.Context, id string) (Fulfillment, error) {
		if id == "" {
			return Fulfillment{}, workflow.Validation("fulfillment id is required")
		}
		return fulfillments.RetrieveFulfillment(ctx, id)
	}).WithPolicy(queryPolicy)
}

func retrieveShippingOptionStep(fulfillments FulfillmentModule) *workflow.Step[string, ShippingOption] {
	return workflow.NewStep("retrieve-shipping-option", func(ctx context.Context, id string) (ShippingOption, error) {
		if id == "" {
			return ShippingOption{}, workflow.Validation("shipping option id is required")
		}
		return fulfillments.RetrieveShippingOption(ctx, id)
	}).WithPolicy(queryPolicy)
}
