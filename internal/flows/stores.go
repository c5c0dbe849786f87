package flows

import (
	"context"

	"github.com/ignatij/sagaflow/pkg/workflow"
)

type DeleteStoresInput struct {
	IDs []string `json:"ids"`
}

func deleteStoresStep(stores StoreModule) *workflow.Step[[]string, []string] {
	return workflow.NewStep("delete-stores", func(ctx context.Context, ids []string) ([]string, error) {
		return stores.SoftDeleteStores(ctx, ids)
	}).WithCompensation(func(ctx context.Context, _ []string, deleted []string) error {
		if len(deleted) == 0 {
			return nil
		}
		return stores.RestoreStores(ctx, deleted)
	})
}

// DeleteStores soft deletes stores. An empty id list is a no-op run.
func DeleteStores(m Modules) (*workflow.Definition, error) {
	deleteStores := deleteStoresStep(m.Stores)

	return workflow.New(DeleteStoresWorkflow, func(b *workflow.Builder, in workflow.Ref[DeleteStoresInput]) workflow.Ref[[]string] {
		var deleted workflow.Ref[[]string]
		workflow.When(b, in, func(i DeleteStoresInput) bool { return len(i.IDs) > 0 }, func(b *workflow.Builder) {
			ids := workflow.Transform(b, "store-ids", in, func(i DeleteStoresInput) []string { return i.IDs })
			deleted = workflow.Invoke(b, deleteStores, ids)
		})
		return deleted
	}, workflow.WithDescription("Soft delete stores"))
}
