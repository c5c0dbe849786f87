package flows

import (
	"context"

	"github.com/ignatij/sagaflow/pkg/events"
	"github.com/ignatij/sagaflow/pkg/workflow"
)

type InitiateReturnInput struct {
	OrderID     string `json:"order_id"`
	Description string `json:"description,omitempty"`
}

type RequestItemsInput struct {
	ReturnID string              `json:"return_id"`
	Items    []ReturnItemRequest `json:"items"`
}

type AddShippingMethodInput struct {
	ReturnID         string `json:"return_id"`
	ShippingOptionID string `json:"shipping_option_id"`
}

type ConfirmRequestInput struct {
	ReturnID string `json:"return_id"`
}

// ReturnLifecycleInput drives a return from creation to request in one run.
type ReturnLifecycleInput struct {
	OrderID          string              `json:"order_id"`
	Description      string              `json:"description,omitempty"`
	Items            []ReturnItemRequest `json:"items"`
	ShippingOptionID string              `json:"shipping_option_id"`
}

// ReturnItemsInput is the payload of add-return-items. Existing holds the
// items the return carried before, so compensation can restore them.
type ReturnItemsInput struct {
	ReturnID string              `json:"return_id"`
	Items    []ReturnItemRequest `json:"items"`
	Existing []ReturnItem        `json:"existing,omitempty"`
}

// ShippingMethodInput pairs a return with the option to ship it with.
type ShippingMethodInput struct {
	Return Return         `json:"return"`
	Option ShippingOption `json:"option"`
}

func validateOrderReturnableStep() *workflow.Step[Order, Order] {
	return workflow.NewStep("validate-order-returnable", func(_ context.Context, order Order) (Order, error) {
		if order.Status == OrderStatusCanceled {
			return order, workflow.Validation("order %s is canceled", order.ID)
		}
		if len(order.Fulfillments) == 0 {
			return order, workflow.Validation("order %s has no fulfilled items to return", order.ID)
		}
		return order, nil
	})
}

func createReturnStep(returns ReturnModule) *workflow.Step[CreateReturnInput, Return] {
	return workflow.NewStep("create-return", func(ctx context.Context, in CreateReturnInput) (Return, error) {
		return returns.CreateReturn(ctx, in)
	}).WithCompensation(func(ctx context.Context, _ CreateReturnInput, created Return) error {
		if created.ID == "" {
			return nil
		}
		return returns.DeleteReturn(ctx, created.ID)
	})
}

func validateReturnItemsStep() *workflow.Step[ReturnItemsInput, ReturnItemsInput] {
	return workflow.NewStep("validate-return-items", func(_ context.Context, in ReturnItemsInput) (ReturnItemsInput, error) {
		if len(in.Items) == 0 {
			return in, workflow.Validation("no items requested for return %s", in.ReturnID)
		}
		seen := make(map[string]bool, len(in.Items))
		for _, item := range in.Items {
			if item.ID == "" || item.Quantity <= 0 {
				return in, workflow.Validation("invalid return item %q with quantity %d", item.ID, item.Quantity)
			}
			if seen[item.ID] {
				return in, workflow.Validation("item %s requested twice", item.ID)
			}
			seen[item.ID] = true
		}
		return in, nil
	})
}

func addReturnItemsStep(returns ReturnModule) *workflow.Step[ReturnItemsInput, Return] {
	return workflow.NewStep("add-return-items", func(ctx context.Context, in ReturnItemsInput) (Return, error) {
		return returns.AddReturnItems(ctx, in.ReturnID, in.Items)
	}).WithCompensation(func(ctx context.Context, in ReturnItemsInput, _ Return) error {
		previous := make(map[string]int, len(in.Existing))
		for _, item := range in.Existing {
			previous[item.ItemID] = item.Quantity
		}
		var (
			restore []ReturnItemRequest
			added   []string
		)
		for _, item := range in.Items {
			qty, existed := previous[item.ID]
			switch {
			case !existed:
				added = append(added, item.ID)
			case qty != item.Quantity:
				restore = append(restore, ReturnItemRequest{ID: item.ID, Quantity: qty})
			}
		}
		if len(restore) > 0 {
			if _, err := returns.AddReturnItems(ctx, in.ReturnID, restore); err != nil {
				return err
			}
		}
		if len(added) == 0 {
			return nil
		}
		return returns.RemoveReturnItems(ctx, in.ReturnID, added)
	})
}

func validateReturnShippingOptionStep() *workflow.Step[ShippingMethodInput, ShippingMethodInput] {
	return workflow.NewStep("validate-return-shipping-option", func(_ context.Context, in ShippingMethodInput) (ShippingMethodInput, error) {
		if in.Return.Status != ReturnStatusRequested {
			return in, workflow.Validation("return %s is %s", in.Return.ID, in.Return.Status)
		}
		if !in.Option.IsReturn {
			return in, workflow.Validation("shipping option %s is not a return shipping option", in.Option.ID)
		}
		return in, nil
	})
}

func addReturnShippingMethodStep(returns ReturnModule) *workflow.Step[ShippingMethodInput, Return] {
	return workflow.NewStep("add-return-shipping-method", func(ctx context.Context, in ShippingMethodInput) (Return, error) {
		return returns.AddShippingMethod(ctx, in.Return.ID, in.Option)
	}).WithCompensation(func(ctx context.Context, in ShippingMethodInput, updated Return) error {
		for _, method := range updated.ShippingMethods {
			if method.ShippingOptionID == in.Option.ID {
				return returns.RemoveShippingMethod(ctx, in.Return.ID, method.ID)
			}
		}
		return nil
	})
}

func validateReturnRequestableStep() *workflow.Step[Return, Return] {
	return workflow.NewStep("validate-return-requestable", func(_ context.Context, ret Return) (Return, error) {
		if ret.Status != ReturnStatusRequested {
			return ret, workflow.Validation("return %s is %s", ret.ID, ret.Status)
		}
		if len(ret.Items) == 0 {
			return ret, workflow.Validation("return %s has no items", ret.ID)
		}
		return ret, nil
	})
}

func requestReturnStep(returns ReturnModule) *workflow.Step[string, Return] {
	return workflow.NewStep("request-return", func(ctx context.Context, returnID string) (Return, error) {
		return returns.RequestReturn(ctx, returnID)
	}).WithCompensation(func(ctx context.Context, returnID string, _ Return) error {
		return returns.RevertRequest(ctx, returnID)
	})
}

func InitiateReturn(m Modules) (*workflow.Definition, error) {
	retrieveOrder := retrieveOrderStep(m.Orders)
	validateOrder := validateOrderReturnableStep()
	createReturn := createReturnStep(m.Returns)
	emitCreated := events.NewEmitStep[Return](emitter(m), EventReturnCreated, eventLogger(m))

	return workflow.New(InitiateReturnWorkflow, func(b *workflow.Builder, in workflow.Ref[InitiateReturnInput]) workflow.Ref[Return] {
		orderID := workflow.Transform(b, "order-id", in, func(i InitiateReturnInput) string { return i.OrderID })
		order := workflow.Invoke(b, retrieveOrder, orderID)
		order = workflow.Invoke(b, validateOrder, order)
		createInput := workflow.Combine(b, "create-return-input", in, order, func(i InitiateReturnInput, o Order) CreateReturnInput {
			return CreateReturnInput{OrderID: o.ID, OrderVersion: o.Version, Description: i.Description}
		})
		created := workflow.Invoke(b, createReturn, createInput)
		workflow.Invoke(b, emitCreated, created)
		return created
	}, workflow.WithDescription("Open a return for a fulfilled order"))
}

func RequestItems(m Modules) (*workflow.Definition, error) {
	retrieveReturn := retrieveReturnStep(m.Returns)
	validateItems := validateReturnItemsStep()
	addItems := addReturnItemsStep(m.Returns)

	return workflow.New(RequestItemsWorkflow, func(b *workflow.Builder, in workflow.Ref[RequestItemsInput]) workflow.Ref[Return] {
		returnID := workflow.Transform(b, "return-id", in, func(i RequestItemsInput) string { return i.ReturnID })
		ret := workflow.Invoke(b, retrieveReturn, returnID)
		itemsInput := workflow.Combine(b, "return-items-input", in, ret, func(i RequestItemsInput, r Return) ReturnItemsInput {
			return ReturnItemsInput{ReturnID: r.ID, Items: i.Items, Existing: r.Items}
		})
		itemsInput = workflow.Invoke(b, validateItems, itemsInput)
		return workflow.Invoke(b, addItems, itemsInput)
	}, workflow.WithDescription("Request items of an order to be returned"))
}

func AddShippingMethod(m Modules) (*workflow.Definition, error) {
	retrieveReturn := retrieveReturnStep(m.Returns)
	retrieveOption := retrieveShippingOptionStep(m.Fulfillments)
	validateOption := validateReturnShippingOptionStep()
	addMethod := addReturnShippingMethodStep(m.Returns)

	return workflow.New(AddShippingMethodWorkflow, func(b *workflow.Builder, in workflow.Ref[AddShippingMethodInput]) workflow.Ref[Return] {
		returnID := workflow.Transform(b, "return-id", in, func(i AddShippingMethodInput) string { return i.ReturnID })
		optionID := workflow.Transform(b, "shipping-option-id", in, func(i AddShippingMethodInput) string { return i.ShippingOptionID })
		var (
			ret    workflow.Ref[Return]
			option workflow.Ref[ShippingOption]
		)
		b.Parallel(func(b *workflow.Builder) {
			ret = workflow.Invoke(b, retrieveReturn, returnID)
			option = workflow.Invoke(b, retrieveOption, optionID)
		})
		methodInput := workflow.Combine(b, "shipping-method-input", ret, option, func(r Return, o ShippingOption) ShippingMethodInput {
			return ShippingMethodInput{Return: r, Option: o}
		})
		methodInput = workflow.Invoke(b, validateOption, methodInput)
		return workflow.Invoke(b, addMethod, methodInput)
	}, workflow.WithDescription("Add a return shipping method to a return"))
}

func ConfirmRequest(m Modules) (*workflow.Definition, error) {
	retrieveReturn := retrieveReturnStep(m.Returns)
	validate := validateReturnRequestableStep()
	request := requestReturnStep(m.Returns)

	return workflow.New(ConfirmRequestWorkflow, func(b *workflow.Builder, in workflow.Ref[ConfirmRequestInput]) workflow.Ref[Return] {
		returnID := workflow.Transform(b, "return-id", in, func(i ConfirmRequestInput) string { return i.ReturnID })
		ret := workflow.Invoke(b, retrieveReturn, returnID)
		ret = workflow.Invoke(b, validate, ret)
		checkedID := workflow.Transform(b, "requested-return-id", ret, func(r Return) string { return r.ID })
		return workflow.Invoke(b, request, checkedID)
	}, workflow.WithDescription("Confirm the return request"), workflow.EmitOnSuccess(EventReturnRequested))
}

// ReturnLifecycle runs the whole return request as a single saga: a failure
// late in the request undoes the items and the return created before it.
func ReturnLifecycle(m Modules) (*workflow.Definition, error) {
	retrieveOrder := retrieveOrderStep(m.Orders)
	validateOrder := validateOrderReturnableStep()
	createReturn := createReturnStep(m.Returns)
	emitCreated := events.NewEmitStep[Return](emitter(m), EventReturnCreated, eventLogger(m))
	validateItems := validateReturnItemsStep()
	addItems := addReturnItemsStep(m.Returns)
	retrieveOption := retrieveShippingOptionStep(m.Fulfillments)
	validateOption := validateReturnShippingOptionStep()
	addMethod := addReturnShippingMethodStep(m.Returns)
	validateRequest := validateReturnRequestableStep()
	request := requestReturnStep(m.Returns)

	return workflow.New(ReturnLifecycleWorkflow, func(b *workflow.Builder, in workflow.Ref[ReturnLifecycleInput]) workflow.Ref[Return] {
		orderID := workflow.Transform(b, "order-id", in, func(i ReturnLifecycleInput) string { return i.OrderID })
		order := workflow.Invoke(b, retrieveOrder, orderID)
		order = workflow.Invoke(b, validateOrder, order)
		createInput := workflow.Combine(b, "create-return-input", in, order, func(i ReturnLifecycleInput, o Order) CreateReturnInput {
			return CreateReturnInput{OrderID: o.ID, OrderVersion: o.Version, Description: i.Description}
		})
		created := workflow.Invoke(b, createReturn, createInput)
		workflow.Invoke(b, emitCreated, created)

		itemsInput := workflow.Combine(b, "return-items-input", in, created, func(i ReturnLifecycleInput, r Return) ReturnItemsInput {
			return ReturnItemsInput{ReturnID: r.ID, Items: i.Items, Existing: r.Items}
		})
		itemsInput = workflow.Invoke(b, validateItems, itemsInput)
		optionID := workflow.Transform(b, "shipping-option-id", in, func(i ReturnLifecycleInput) string { return i.ShippingOptionID })
		var (
			withItems workflow.Ref[Return]
			option    workflow.Ref[ShippingOption]
		)
		b.Parallel(func(b *workflow.Builder) {
			withItems = workflow.Invoke(b, addItems, itemsInput)
			option = workflow.Invoke(b, retrieveOption, optionID)
		})

		methodInput := workflow.Combine(b, "shipping-method-input", withItems, option, func(r Return, o ShippingOption) ShippingMethodInput {
			return ShippingMethodInput{Return: r, Option: o}
		})
		methodInput = workflow.Invoke(b, validateOption, methodInput)
		withMethod := workflow.Invoke(b, addMethod, methodInput)
		withMethod = workflow.Invoke(b, validateRequest, withMethod)
		returnID := workflow.Transform(b, "requested-return-id", withMethod, func(r Return) string { return r.ID })
		return workflow.Invoke(b, request, returnID)
	}, workflow.WithDescription("Create and request a return in one run"), workflow.EmitOnSuccess(EventReturnRequested))
}
