package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlgate/internal/store"
	"github.com/JakeFAU/crawlgate/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

func TestStoreRejectsWrongType(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.ListPushTail(ctx, "k", "v"))
	require.Error(t, s.SortedSetAdd(ctx, "k", "m", 1))

	require.NoError(t, s.SortedSetAdd(ctx, "z", "m", 1))
	require.Error(t, s.ListPushTail(ctx, "z", "v"))
}

func TestStorePingAfterClose(t *testing.T) {
	t.Parallel()

	s := New()
	require.NoError(t, s.Close())
	require.Error(t, s.Ping(context.Background()))
}
