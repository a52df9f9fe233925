package services_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/services"
)

func TestDispatcher_Dispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("success applies the patch without refetch", func(t *testing.T) {
		f := newViewFixture(t, services.RegistrationsPolicy())
		f.api.On("FetchList", mock.Anything, mock.Anything).Return(registrationRows(), nil)
		f.mount()

		action := services.ApproveRegistration("1", "Acme")
		f.api.On("Mutate", ctx, action.Request).Return(&domain.MutationResult{Success: true}, nil)

		d := services.NewDispatcher(f.api, f.notifier, testLogger())
		result, err := d.Dispatch(ctx, f.store, action)

		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "approved", f.store.Snapshot().Records[0]["status"])
		f.store.Wait()
		f.api.AssertNumberOfCalls(t, "FetchList", 1)
		assert.Equal(t, []string{"Acme registration approved"}, f.notifier.Texts())
	})

	t.Run("server rejection leaves state untouched", func(t *testing.T) {
		f := newViewFixture(t, services.RegistrationsPolicy())
		f.api.On("FetchList", mock.Anything, mock.Anything).Return(registrationRows(), nil)
		f.mount()
		before := f.store.Snapshot().Records

		action := services.ApproveRegistration("1", "Acme")
		f.api.On("Mutate", ctx, action.Request).
			Return(&domain.MutationResult{Success: false, Error: "Registration already processed"}, nil)

		d := services.NewDispatcher(f.api, f.notifier, testLogger())
		_, err := d.Dispatch(ctx, f.store, action)

		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrMutationFailed)
		assert.Equal(t, before, f.store.Snapshot().Records)
		assert.Equal(t, []string{"Registration already processed"}, f.notifier.Texts())
	})

	t.Run("transport error uses generic message", func(t *testing.T) {
		f := newViewFixture(t, services.LeadsPolicy())
		f.api.On("FetchList", mock.Anything, mock.Anything).Return([]domain.Record{{"id": 4, "company_name": "Hooli"}}, nil)
		f.mount()
		before := f.store.Snapshot().Records

		action := services.AssignLead("4", "u-1", "Dana")
		f.api.On("Mutate", ctx, action.Request).Return(nil, errors.New("connection reset"))

		d := services.NewDispatcher(f.api, f.notifier, testLogger())
		_, err := d.Dispatch(ctx, f.store, action)

		require.Error(t, err)
		assert.Equal(t, before, f.store.Snapshot().Records)
		assert.Equal(t, []string{apperrors.GenericMutationMessage}, f.notifier.Texts())
	})

	t.Run("record not held locally reloads", func(t *testing.T) {
		f := newViewFixture(t, services.RegistrationsPolicy())
		f.api.On("FetchList", mock.Anything, mock.Anything).Return(registrationRows(), nil)
		f.mount()

		action := services.ApproveRegistration("99", "Umbrella")
		f.api.On("Mutate", ctx, action.Request).Return(&domain.MutationResult{Success: true}, nil)

		d := services.NewDispatcher(f.api, f.notifier, testLogger())
		_, err := d.Dispatch(ctx, f.store, action)
		require.NoError(t, err)

		f.store.Wait()
		f.api.AssertNumberOfCalls(t, "FetchList", 2)
	})

	t.Run("remove drops the record", func(t *testing.T) {
		f := newViewFixture(t, services.LeadsPolicy())
		f.api.On("FetchList", mock.Anything, mock.Anything).Return([]domain.Record{{"id": 4}, {"id": 5}}, nil)
		f.mount()

		action := services.DeleteLead("4")
		f.api.On("Mutate", ctx, action.Request).Return(&domain.MutationResult{Success: true, Message: "Lead deleted"}, nil)

		d := services.NewDispatcher(f.api, f.notifier, testLogger())
		_, err := d.Dispatch(ctx, f.store, action)
		require.NoError(t, err)

		records := f.store.Snapshot().Records
		require.Len(t, records, 1)
		assert.Equal(t, "5", records[0].ID())
		assert.Equal(t, []string{"Lead deleted"}, f.notifier.Texts())
	})
}

func TestDispatcher_OptimisticThenConfirmedConverges(t *testing.T) {
	ctx := context.Background()
	confirm := domain.ChangeNotification{
		Table:  domain.EntityVendorRegistrations,
		Action: domain.ActionUpdate,
		Data:   domain.Record{"id": 1, "status": "approved"},
	}

	// Notification only.
	expected := newViewFixture(t, services.RegistrationsPolicy())
	expected.api.On("FetchList", mock.Anything, mock.Anything).Return(registrationRows(), nil)
	expected.mount()
	expected.publish(confirm)

	// Optimistic update followed by the same notification.
	f := newViewFixture(t, services.RegistrationsPolicy())
	f.api.On("FetchList", mock.Anything, mock.Anything).Return(registrationRows(), nil)
	f.mount()

	action := services.ApproveRegistration("1", "Acme")
	f.api.On("Mutate", ctx, action.Request).Return(&domain.MutationResult{Success: true}, nil)
	_, err := services.NewDispatcher(f.api, f.notifier, testLogger()).Dispatch(ctx, f.store, action)
	require.NoError(t, err)
	f.publish(confirm)

	assert.Equal(t, expected.store.Snapshot().Records, f.store.Snapshot().Records)
	f.api.AssertNumberOfCalls(t, "FetchList", 1)
	// The late notification was a no-op, so only the dispatcher announced.
	assert.Len(t, f.notifier.Texts(), 1)
}
