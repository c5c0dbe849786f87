// Package flows declares the business workflows run by sagaflow. Each step
// wraps a single operation of a collaborator module; the engine only
// sequences and compensates them.
package flows

import (
	"github.com/ignatij/sagaflow/pkg/events"
	"github.com/ignatij/sagaflow/pkg/workflow"
	"github.com/pkg/errors"
)

const (
	InitiateReturnWorkflow    = "initiate-return"
	RequestItemsWorkflow      = "request-items"
	AddShippingMethodWorkflow = "add-shipping-method"
	ConfirmRequestWorkflow    = "confirm-request"
	ReturnLifecycleWorkflow   = "return-lifecycle"
	MarkDeliveredWorkflow     = "mark-order-fulfillment-as-delivered"
	DeleteStoresWorkflow      = "delete-stores"
)

const (
	EventReturnCreated   = "return.created"
	EventReturnRequested = "return.requested"
	EventDeliveryCreated = "delivery.created"
)

// Modules bundles the collaborators the flows depend on.
type Modules struct {
	Orders       OrderModule
	Returns      ReturnModule
	Fulfillments FulfillmentModule
	Stores       StoreModule
	Events       events.Emitter
	Logger       events.Logger // defaults to the process logger
}

// Registrar is the part of the engine the flows are registered with.
type Registrar interface {
	Register(def *workflow.Definition) error
}

// Definitions builds every workflow against m.
func Definitions(m Modules) ([]*workflow.Definition, error) {
	if m.Orders == nil || m.Returns == nil || m.Fulfillments == nil || m.Stores == nil {
		return nil, errors.New("flows: every module must be provided")
	}
	if m.Events == nil {
		m.Events = events.NewMemoryBus()
	}
	builders := []func(Modules) (*workflow.Definition, error){
		InitiateReturn,
		RequestItems,
		AddShippingMethod,
		ConfirmRequest,
		ReturnLifecycle,
		MarkOrderFulfillmentAsDelivered,
		DeleteStores,
	}
	defs := make([]*workflow.Definition, 0, len(builders))
	for _, build := range builders {
		def, err := build(m)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Register builds and registers every workflow.
func Register(r Registrar, m Modules) error {
	defs, err := Definitions(m)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return errors.Wrapf(err, "register workflow '%s'", def.Name())
		}
	}
	return nil
}
