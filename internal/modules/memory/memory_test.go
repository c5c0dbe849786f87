package memory

import (
	"context"
	"testing"

	"github.com/ignatij/sagaflow/internal/flows"
	"github.com/ignatij/sagaflow/pkg/workflow"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateReturnIsIdempotentPerStepExecution(t *testing.T) {
	returns := NewReturns()
	ctx := workflow.WithExecution(context.Background(), "run_1", "create-return", 1)
	in := flows.CreateReturnInput{OrderID: DemoOrderID}

	first, err := returns.CreateReturn(ctx, in)
	require.NoError(t, err)
	retried, err := returns.CreateReturn(workflow.WithExecution(context.Background(), "run_1", "create-return", 2), in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, retried.ID)
	assert.Equal(t, int64(1), returns.Revision())

	other, err := returns.CreateReturn(workflow.WithExecution(context.Background(), "run_2", "create-return", 1), in)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 2, other.DisplayID)

	_, err = returns.CreateReturn(context.Background(), in)
	require.NoError(t, err)
	_, err = returns.CreateReturn(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, returns.All(), 4)
}

func TestUndoOperationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	returns := NewReturns()
	ret, err := returns.CreateReturn(ctx, flows.CreateReturnInput{OrderID: DemoOrderID})
	require.NoError(t, err)
	_, err = returns.AddReturnItems(ctx, ret.ID, []flows.ReturnItemRequest{{ID: DemoItemID, Quantity: 1}})
	require.NoError(t, err)
	_, err = returns.AddReturnItems(ctx, ret.ID, []flows.ReturnItemRequest{{ID: DemoItemID, Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), returns.Revision())

	require.NoError(t, returns.RemoveReturnItems(ctx, ret.ID, []string{DemoItemID}))
	require.NoError(t, returns.RemoveReturnItems(ctx, ret.ID, []string{DemoItemID}))
	require.NoError(t, returns.DeleteReturn(ctx, ret.ID))
	require.NoError(t, returns.DeleteReturn(ctx, ret.ID))
	assert.Equal(t, int64(4), returns.Revision())

	stores := NewStores()
	stores.Seed("store_a", "A")
	deleted, err := stores.SoftDeleteStores(ctx, []string{"store_a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"store_a"}, deleted)
	require.NoError(t, stores.RestoreStores(ctx, deleted))
	require.NoError(t, stores.RestoreStores(ctx, deleted))
	assert.Equal(t, int64(2), stores.Revision())
	assert.Equal(t, []string{"store_a"}, stores.Active())
}

func TestFaults(t *testing.T) {
	ctx := context.Background()
	orders := NewOrders()
	orders.Seed(flows.Order{ID: DemoOrderID})
	boom := errors.New("boom")

	orders.InjectFault("RetrieveOrder", boom, 2)
	for i := 0; i < 2; i++ {
		_, err := orders.RetrieveOrder(ctx, DemoOrderID)
		assert.Equal(t, boom, err)
	}
	_, err := orders.RetrieveOrder(ctx, DemoOrderID)
	assert.NoError(t, err)
	assert.Equal(t, 3, orders.Calls("RetrieveOrder"))

	orders.InjectFault("RetrieveOrder", boom, -1)
	for i := 0; i < 5; i++ {
		_, err := orders.RetrieveOrder(ctx, DemoOrderID)
		assert.Equal(t, boom, err)
	}
	orders.ClearFaults()
	_, err = orders.RetrieveOrder(ctx, DemoOrderID)
	assert.NoError(t, err)

	_, err = orders.RetrieveOrder(ctx, "order_missing")
	assert.Equal(t, workflow.CodeNotFound, workflow.CodeOf(err))
}

func TestNewDemo(t *testing.T) {
	demo := NewDemo()
	m := demo.Modules(nil)
	assert.Equal(t, demo.Bus, m.Events)

	order, err := m.Orders.RetrieveOrder(context.Background(), DemoOrderID)
	require.NoError(t, err)
	require.Len(t, order.Fulfillments, 1)
	assert.Equal(t, DemoFulfillmentID, order.Fulfillments[0].ID)

	option, err := m.Fulfillments.RetrieveShippingOption(context.Background(), DemoReturnOptionID)
	require.NoError(t, err)
	assert.True(t, option.IsReturn)
	assert.Equal(t, []string{DemoStoreID}, demo.Stores.Active())
}
