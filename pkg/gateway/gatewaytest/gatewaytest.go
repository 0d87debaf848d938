// Package gatewaytest holds the behaviour every gateway backend must share.
package gatewaytest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vault/pkg/gateway"
)

// Run exercises g against the Gateway contract. g must start empty.
func Run(t *testing.T, g gateway.Gateway) { // A
	ctx := context.Background()

	t.Run("read missing", func(t *testing.T) {
		_, err := g.Read(ctx, "/nope/missing.txt")
		assert.ErrorIs(t, err, gateway.ErrNotFound)
		_, err = g.Stat(ctx, "/nope/missing.txt")
		assert.ErrorIs(t, err, gateway.ErrNotFound)
	})

	t.Run("list missing", func(t *testing.T) {
		_, err := g.List(ctx, "/never-written")
		assert.ErrorIs(t, err, gateway.ErrNotFound)
	})

	t.Run("write read stat", func(t *testing.T) {
		data := []byte("envelope bytes")
		require.NoError(t, g.Write(ctx, "/encrypted/docs/a.txt", data))

		got, err := g.Read(ctx, "/encrypted/docs/a.txt")
		require.NoError(t, err)
		assert.Equal(t, data, got)

		e, err := g.Stat(ctx, "/encrypted/docs/a.txt")
		require.NoError(t, err)
		assert.Equal(t, "a.txt", e.Name)
		assert.False(t, e.IsDir)
		assert.Equal(t, int64(len(data)), e.Size)
		assert.Equal(t, gateway.ContentID(data), e.ContentID)
	})

	t.Run("last write wins", func(t *testing.T) {
		require.NoError(t, g.Write(ctx, "/encrypted/docs/b.txt", []byte("v1")))
		require.NoError(t, g.Write(ctx, "/encrypted/docs/b.txt", []byte("v2")))

		got, err := g.Read(ctx, "/encrypted/docs/b.txt")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)

		e, err := g.Stat(ctx, "/encrypted/docs/b.txt")
		require.NoError(t, err)
		assert.Equal(t, int64(2), e.Size)
		assert.Equal(t, gateway.ContentID([]byte("v2")), e.ContentID)
	})

	t.Run("list", func(t *testing.T) {
		require.NoError(t, g.Write(ctx, "/encrypted/top.bin", []byte{1, 2, 3}))
		require.NoError(t, g.Write(ctx, "/encrypted/docs/deep/c.txt", []byte("c")))

		root, err := g.List(ctx, "/encrypted")
		require.NoError(t, err)
		require.Len(t, root, 2)
		assert.Equal(t, "docs", root[0].Name)
		assert.True(t, root[0].IsDir)
		assert.Equal(t, "top.bin", root[1].Name)
		assert.False(t, root[1].IsDir)
		assert.Equal(t, int64(3), root[1].Size)
		assert.Equal(t, gateway.ContentID([]byte{1, 2, 3}), root[1].ContentID)

		docs, err := g.List(ctx, "/encrypted/docs")
		require.NoError(t, err)
		names := make([]string, 0, len(docs))
		for _, e := range docs {
			names = append(names, e.Name)
		}
		assert.Equal(t, []string{"a.txt", "b.txt", "deep"}, names)
		assert.True(t, docs[2].IsDir)
	})

	t.Run("list of a file", func(t *testing.T) {
		require.NoError(t, g.Write(ctx, "/encrypted/docs/a.txt", []byte("envelope bytes")))
		_, err := g.List(ctx, "/encrypted/docs/a.txt")
		assert.ErrorIs(t, err, gateway.ErrNotFound)
	})

	t.Run("empty content", func(t *testing.T) {
		require.NoError(t, g.Write(ctx, "/encrypted/empty", nil))
		got, err := g.Read(ctx, "/encrypted/empty")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}
