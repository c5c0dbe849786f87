package flows_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ignatij/sagaflow/internal/flows"
	"github.com/ignatij/sagaflow/internal/modules/memory"
	"github.com/ignatij/sagaflow/pkg/models"
	"github.com/ignatij/sagaflow/pkg/service"
	"github.com/ignatij/sagaflow/pkg/storage"
	"github.com/ignatij/sagaflow/pkg/workflow"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type logger struct{}

func (logger) Debugf(string, ...interface{}) {}
func (logger) Infof(string, ...interface{})  {}
func (logger) Warnf(string, ...interface{})  {}
func (logger) Errorf(string, ...interface{}) {}

func setup(t *testing.T) (*service.WorkflowService, *memory.Demo) {
	t.Helper()
	demo := memory.NewDemo()
	engine := service.NewWorkflowService(context.Background(), storage.NewMemoryStore(), logger{},
		service.WithEmitter(demo.Bus),
		service.WithSleep(func(context.Context, time.Duration) error { return nil }))
	require.NoError(t, flows.Register(engine, demo.Modules(nil)))
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return engine, demo
}

func lifecycleInput() flows.ReturnLifecycleInput {
	return flows.ReturnLifecycleInput{
		OrderID:          memory.DemoOrderID,
		Description:      "wrong size",
		Items:            []flows.ReturnItemRequest{{ID: memory.DemoItemID, Quantity: 1}},
		ShippingOptionID: memory.DemoReturnOptionID,
	}
}

func runError(t *testing.T, err error) *service.RunError {
	t.Helper()
	var runErr *service.RunError
	require.True(t, errors.As(err, &runErr), "expected a run error, got %v", err)
	return runErr
}

func TestDefinitions(t *testing.T) {
	demo := memory.NewDemo()
	defs, err := flows.Definitions(demo.Modules(nil))
	require.NoError(t, err)

	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name()
	}
	assert.ElementsMatch(t, []string{
		flows.InitiateReturnWorkflow,
		flows.RequestItemsWorkflow,
		flows.AddShippingMethodWorkflow,
		flows.ConfirmRequestWorkflow,
		flows.ReturnLifecycleWorkflow,
		flows.MarkDeliveredWorkflow,
		flows.DeleteStoresWorkflow,
	}, names)

	_, err = flows.Definitions(flows.Modules{Orders: demo.Orders})
	assert.Error(t, err)
}

func TestReturnLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Completes", func(t *testing.T) {
		engine, demo := setup(t)
		res, err := engine.Run(ctx, flows.ReturnLifecycleWorkflow, lifecycleInput())
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, res.Status)

		ret, err := service.DecodeOutput[flows.Return](res)
		require.NoError(t, err)
		assert.Equal(t, memory.DemoOrderID, ret.OrderID)
		assert.Equal(t, flows.ReturnStatusRequested, ret.Status)
		assert.Equal(t, "wrong size", ret.Description)
		assert.Equal(t, []flows.ReturnItem{{ItemID: memory.DemoItemID, Quantity: 1, ReceivedQuantity: 0}}, ret.Items)
		require.Len(t, ret.ShippingMethods, 1)
		assert.Equal(t, int64(memory.DemoReturnShippingAmount), ret.ShippingMethods[0].Amount)
		assert.Equal(t, memory.DemoReturnOptionID, ret.ShippingMethods[0].ShippingOptionID)
		assert.NotNil(t, ret.RequestedAt)

		assert.Len(t, demo.Returns.All(), 1)
		assert.Len(t, demo.Bus.Named(flows.EventReturnCreated), 1)
		requested := demo.Bus.Named(flows.EventReturnRequested)
		require.Len(t, requested, 1)
		assert.Equal(t, res.RunID, requested[0].RunID)

		entries, err := engine.RunLog(ctx, res.RunID)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotEqual(t, "order-id", e.StepName, "transforms are not logged")
		}
	})

	t.Run("ShippingFailureCompensatesItemsAndReturn", func(t *testing.T) {
		engine, demo := setup(t)
		demo.Returns.InjectFault("AddShippingMethod", workflow.Validation("carrier rejected the option"), -1)

		res, err := engine.Run(ctx, flows.ReturnLifecycleWorkflow, lifecycleInput())
		runErr := runError(t, err)
		assert.Equal(t, models.CompensatedRunStatus, res.Status)
		assert.Equal(t, "add-return-shipping-method", runErr.FailedStep)
		assert.Equal(t, workflow.CodeValidation, workflow.CodeOf(runErr))
		assert.True(t, runErr.Compensation.OK())
		assert.Contains(t, runErr.Compensation.Compensated, "add-return-items")
		assert.Contains(t, runErr.Compensation.Compensated, "create-return")

		assert.Empty(t, demo.Returns.All())
		assert.Equal(t, 1, demo.Returns.Calls("AddShippingMethod"))
		assert.Equal(t, 1, demo.Returns.Calls("RemoveReturnItems"))
		assert.Equal(t, 1, demo.Returns.Calls("DeleteReturn"))
		assert.Equal(t, 0, demo.Returns.Calls("RemoveShippingMethod"))
		assert.Empty(t, demo.Bus.Named(flows.EventReturnRequested))
	})

	t.Run("CreateFailureDeletesNothing", func(t *testing.T) {
		engine, demo := setup(t)
		demo.Returns.InjectFault("CreateReturn", workflow.Validation("order version mismatch"), -1)

		res, err := engine.Run(ctx, flows.ReturnLifecycleWorkflow, lifecycleInput())
		runErr := runError(t, err)
		assert.Equal(t, models.CompensatedRunStatus, res.Status)
		assert.Equal(t, "create-return", runErr.FailedStep)
		assert.Equal(t, 0, demo.Returns.Calls("DeleteReturn"))
		assert.Empty(t, demo.Returns.All())
	})

	t.Run("CompensationIsIdempotent", func(t *testing.T) {
		engine, demo := setup(t)
		demo.Returns.InjectFault("RequestReturn", workflow.Validation("return window closed"), -1)

		res, err := engine.Run(ctx, flows.ReturnLifecycleWorkflow, lifecycleInput())
		runError(t, err)
		assert.Equal(t, models.CompensatedRunStatus, res.Status)
		assert.Empty(t, demo.Returns.All())

		entries, err := engine.RunLog(ctx, res.RunID)
		require.NoError(t, err)
		var created flows.Return
		for _, e := range entries {
			if e.StepName == "create-return" && e.Status == models.SucceededEntryStatus {
				require.NoError(t, json.Unmarshal(e.Output, &created))
			}
		}
		require.NotEmpty(t, created.ID)

		revision := demo.Returns.Revision()
		require.NoError(t, demo.Returns.DeleteReturn(ctx, created.ID))
		require.NoError(t, demo.Returns.RemoveReturnItems(ctx, created.ID, []string{memory.DemoItemID}))
		require.NoError(t, demo.Returns.RevertRequest(ctx, created.ID))
		assert.Equal(t, revision, demo.Returns.Revision())
	})

	t.Run("CompensationFailureNeedsIntervention", func(t *testing.T) {
		engine, demo := setup(t)
		demo.Returns.InjectFault("AddShippingMethod", workflow.Validation("carrier rejected the option"), -1)
		demo.Returns.InjectFault("DeleteReturn", errors.New("returns database unavailable"), -1)

		res, err := engine.Run(ctx, flows.ReturnLifecycleWorkflow, lifecycleInput())
		runErr := runError(t, err)
		assert.Equal(t, models.CompensationFailedRunStatus, res.Status)
		assert.True(t, runErr.RequiresIntervention())
		assert.Equal(t, []string{"create-return"}, runErr.Compensation.Failed)
		assert.Contains(t, runErr.Compensation.Compensated, "add-return-items")

		remaining := demo.Returns.All()
		require.Len(t, remaining, 1)
		assert.Empty(t, remaining[0].Items)

		run, err := engine.GetRun(ctx, res.RunID)
		require.NoError(t, err)
		assert.Equal(t, []string{"create-return"}, run.UncompensatedSteps)
	})

	t.Run("TransientReadsAreRetried", func(t *testing.T) {
		engine, demo := setup(t)
		demo.Orders.InjectFault("RetrieveOrder", workflow.Transient(nil, "orders service unavailable"), 2)

		res, err := engine.Run(ctx, flows.ReturnLifecycleWorkflow, lifecycleInput())
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, res.Status)
		assert.Equal(t, 3, demo.Orders.Calls("RetrieveOrder"))
	})

	t.Run("UnknownOrder", func(t *testing.T) {
		engine, demo := setup(t)
		input := lifecycleInput()
		input.OrderID = "order_missing"

		_, err := engine.Run(ctx, flows.ReturnLifecycleWorkflow, input)
		runErr := runError(t, err)
		assert.Equal(t, "retrieve-order", runErr.FailedStep)
		assert.Equal(t, workflow.CodeNotFound, workflow.CodeOf(runErr))
		assert.Equal(t, 1, demo.Orders.Calls("RetrieveOrder"))
	})

	t.Run("InvalidItems", func(t *testing.T) {
		engine, demo := setup(t)
		input := lifecycleInput()
		input.Items = nil

		_, err := engine.Run(ctx, flows.ReturnLifecycleWorkflow, input)
		runErr := runError(t, err)
		assert.Equal(t, "validate-return-items", runErr.FailedStep)
		assert.Empty(t, demo.Returns.All())
		assert.Equal(t, 1, demo.Returns.Calls("DeleteReturn"))
	})
}

func TestReturnWorkflowsStepByStep(t *testing.T) {
	ctx := context.Background()
	engine, demo := setup(t)

	res, err := engine.Run(ctx, flows.InitiateReturnWorkflow, flows.InitiateReturnInput{OrderID: memory.DemoOrderID})
	require.NoError(t, err)
	created, err := service.DecodeOutput[flows.Return](res)
	require.NoError(t, err)
	assert.Equal(t, 2, created.OrderVersion)
	assert.Empty(t, created.Items)

	res, err = engine.Run(ctx, flows.RequestItemsWorkflow, flows.RequestItemsInput{
		ReturnID: created.ID,
		Items:    []flows.ReturnItemRequest{{ID: memory.DemoItemID, Quantity: 1}},
	})
	require.NoError(t, err)
	withItems, err := service.DecodeOutput[flows.Return](res)
	require.NoError(t, err)
	assert.Len(t, withItems.Items, 1)

	_, err = engine.Run(ctx, flows.AddShippingMethodWorkflow, flows.AddShippingMethodInput{
		ReturnID: created.ID, ShippingOptionID: memory.DemoStandardOptionID,
	})
	runErr := runError(t, err)
	assert.Equal(t, "validate-return-shipping-option", runErr.FailedStep)

	res, err = engine.Run(ctx, flows.AddShippingMethodWorkflow, flows.AddShippingMethodInput{
		ReturnID: created.ID, ShippingOptionID: memory.DemoReturnOptionID,
	})
	require.NoError(t, err)
	withMethod, err := service.DecodeOutput[flows.Return](res)
	require.NoError(t, err)
	require.Len(t, withMethod.ShippingMethods, 1)

	res, err = engine.Run(ctx, flows.ConfirmRequestWorkflow, flows.ConfirmRequestInput{ReturnID: created.ID})
	require.NoError(t, err)
	requested, err := service.DecodeOutput[flows.Return](res)
	require.NoError(t, err)
	assert.NotNil(t, requested.RequestedAt)

	stored, ok := demo.Returns.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, requested.RequestedAt.Unix(), stored.RequestedAt.Unix())
	assert.Len(t, demo.Bus.Named(flows.EventReturnRequested), 1)

	_, err = engine.Run(ctx, flows.ConfirmRequestWorkflow, flows.ConfirmRequestInput{ReturnID: "ret_missing"})
	assert.Equal(t, "retrieve-return", runError(t, err).FailedStep)
}

func TestMarkOrderFulfillmentAsDelivered(t *testing.T) {
	ctx := context.Background()
	input := flows.MarkDeliveredInput{OrderID: memory.DemoOrderID, FulfillmentID: memory.DemoFulfillmentID}

	t.Run("Delivers", func(t *testing.T) {
		engine, demo := setup(t)
		res, err := engine.Run(ctx, flows.MarkDeliveredWorkflow, input)
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, res.Status)

		ful, ok := demo.Fulfillments.Get(memory.DemoFulfillmentID)
		require.True(t, ok)
		assert.NotNil(t, ful.DeliveredAt)

		deliveries := demo.Orders.Deliveries(memory.DemoOrderID)
		require.Len(t, deliveries, 1)
		assert.Equal(t, flows.DeliveryReference, deliveries[0].Reference)
		assert.Equal(t, memory.DemoFulfillmentID, deliveries[0].ReferenceID)
		assert.Equal(t, []flows.DeliveryItem{{ID: memory.DemoItemID, Quantity: 1}}, deliveries[0].Items)

		created := demo.Bus.Named(flows.EventDeliveryCreated)
		require.Len(t, created, 1)
		assert.JSONEq(t, `{"id":"ful_demo"}`, string(created[0].Payload))
	})

	t.Run("RegistrationFailureUndoesDelivery", func(t *testing.T) {
		engine, demo := setup(t)
		demo.Orders.InjectFault("RegisterDelivery", workflow.Validation("order is locked"), -1)

		res, err := engine.Run(ctx, flows.MarkDeliveredWorkflow, input)
		runErr := runError(t, err)
		assert.Equal(t, models.CompensatedRunStatus, res.Status)
		assert.Equal(t, "register-order-delivery", runErr.FailedStep)

		ful, _ := demo.Fulfillments.Get(memory.DemoFulfillmentID)
		assert.Nil(t, ful.DeliveredAt)
		assert.Equal(t, 1, demo.Fulfillments.Calls("UnmarkDelivered"))
		assert.Empty(t, demo.Orders.Deliveries(memory.DemoOrderID))
		assert.Empty(t, demo.Bus.Named(flows.EventDeliveryCreated))
	})

	t.Run("UnknownFulfillment", func(t *testing.T) {
		engine, demo := setup(t)
		_, err := engine.Run(ctx, flows.MarkDeliveredWorkflow, flows.MarkDeliveredInput{
			OrderID: memory.DemoOrderID, FulfillmentID: "ful_missing",
		})
		runErr := runError(t, err)
		assert.Equal(t, "retrieve-fulfillment", runErr.FailedStep)
		assert.Equal(t, 0, demo.Fulfillments.Calls("MarkDelivered"))
	})
}

func TestDeleteStores(t *testing.T) {
	ctx := context.Background()

	t.Run("SoftDeletes", func(t *testing.T) {
		engine, demo := setup(t)
		res, err := engine.Run(ctx, flows.DeleteStoresWorkflow, flows.DeleteStoresInput{IDs: []string{memory.DemoStoreID}})
		require.NoError(t, err)
		deleted, err := service.DecodeOutput[[]string](res)
		require.NoError(t, err)
		assert.Equal(t, []string{memory.DemoStoreID}, deleted)
		assert.Empty(t, demo.Stores.Active())
	})

	t.Run("EmptyIdsSkipTheStep", func(t *testing.T) {
		engine, demo := setup(t)
		res, err := engine.Run(ctx, flows.DeleteStoresWorkflow, flows.DeleteStoresInput{})
		require.NoError(t, err)
		assert.Equal(t, models.CompletedRunStatus, res.Status)
		assert.Equal(t, 0, demo.Stores.Calls("SoftDeleteStores"))

		entries, err := engine.RunLog(ctx, res.RunID)
		require.NoError(t, err)
		assert.Empty(t, entries)
		assert.Equal(t, []string{memory.DemoStoreID}, demo.Stores.Active())
	})

	t.Run("UnknownStoreChangesNothing", func(t *testing.T) {
		engine, demo := setup(t)
		_, err := engine.Run(ctx, flows.DeleteStoresWorkflow, flows.DeleteStoresInput{IDs: []string{memory.DemoStoreID, "store_missing"}})
		runErr := runError(t, err)
		assert.Equal(t, "delete-stores", runErr.FailedStep)
		assert.Equal(t, workflow.CodeNotFound, workflow.CodeOf(runErr))
		assert.Equal(t, []string{memory.DemoStoreID}, demo.Stores.Active())
	})
}
