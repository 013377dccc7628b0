package store

import (
	"context"
	"os"
	"testing"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentmerger/internal/models"
)

// setupFirestoreStore needs a running emulator, e.g.
// gcloud emulators firestore start --host-port=localhost:8081
func setupFirestoreStore(t *testing.T) *FirestoreStore {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	client, err := firestore.NewClient(context.Background(), "documentmerger-test")
	require.NoError(t, err)
	s := NewFirestoreStore(client, "t"+uuid.NewString()[:8], nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFirestoreStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupFirestoreStore(t)

	isNew, _, err := s.RegisterFile(ctx, "/in/PO/PO_a.pdf", "PO_a.pdf", models.DocTypePurchaseOrder, "h1")
	require.NoError(t, err)
	assert.True(t, isNew)

	_, conflict, err := s.RegisterFile(ctx, "/in/DO/DO_a.pdf", "DO_a.pdf", models.DocTypeDeliveryNote, "h1")
	require.NoError(t, err)
	assert.Equal(t, "PO_a.pdf", conflict)

	pending, err := s.PendingFiles(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.UpdateStatus(ctx, "/in/PO/PO_a.pdf", models.StatusProcessing))
	require.NoError(t, s.RecordExtraction(ctx, "/in/PO/PO_a.pdf", "13001", []models.LineItem{
		item("13001", "PO_a.pdf", models.DocTypePurchaseOrder, "1", 10),
		item("13001", "PO_a.pdf", models.DocTypePurchaseOrder, "2", 5),
	}))

	rec, err := s.FileByPath(ctx, "/in/PO/PO_a.pdf")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, rec.Status)
	assert.Equal(t, "13001", rec.Order())

	items, err := s.LineItems(ctx, "13001")
	require.NoError(t, err)
	assert.Len(t, items, 2)

	n, err := s.LineItemCount(ctx, "PO_a.pdf")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	bundles, err := s.MergeableBundles(ctx)
	require.NoError(t, err)
	assert.Len(t, bundles["13001"], 1)

	require.NoError(t, s.UpdateStatus(ctx, "/in/PO/PO_a.pdf", models.StatusMerged))
	err = s.UpdateStatus(ctx, "/in/PO/PO_a.pdf", models.StatusPending)
	assert.ErrorIs(t, err, ErrTerminalState)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Merged)
}

func TestFirestoreStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := setupFirestoreStore(t)

	_, err := s.FileByHash(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "/missing.pdf", models.StatusFailed), ErrNotFound)
}
