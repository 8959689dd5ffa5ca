package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBlobStore runs the behaviour every backend must share.
func testBlobStore(t *testing.T, store BlobStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		blob, err := store.Get(ctx, "cart:missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, blob)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "cart:1", []byte(`[{"product_id":"P1","quantity":1}]`)))

		blob, err := store.Get(ctx, "cart:1")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"product_id":"P1","quantity":1}]`, string(blob))
	})

	t.Run("set overwrites", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "cart:2", []byte(`[]`)))
		require.NoError(t, store.Set(ctx, "cart:2", []byte(`[{"product_id":"P2","quantity":4}]`)))

		blob, err := store.Get(ctx, "cart:2")
		require.NoError(t, err)
		assert.JSONEq(t, `[{"product_id":"P2","quantity":4}]`, string(blob))
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "cart:3", []byte(`[]`)))
		require.NoError(t, store.Remove(ctx, "cart:3"))

		_, err := store.Get(ctx, "cart:3")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("remove missing is noop", func(t *testing.T) {
		assert.NoError(t, store.Remove(ctx, "cart:never"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "cart:a", []byte(`"a"`)))
		require.NoError(t, store.Set(ctx, "cart:b", []byte(`"b"`)))
		require.NoError(t, store.Remove(ctx, "cart:a"))

		blob, err := store.Get(ctx, "cart:b")
		require.NoError(t, err)
		assert.Equal(t, `"b"`, string(blob))
	})
}
