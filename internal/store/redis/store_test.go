package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlgate/internal/store"
	"github.com/JakeFAU/crawlgate/internal/store/storetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	s := NewWithClient(client)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestNewDialsAndPings(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s, err := New(context.Background(), Options{Address: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}

func TestNewRequiresAddress(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Options{})
	require.Error(t, err)
}

func TestIncrByLeavesMissingMemberAbsent(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SortedSetAdd(ctx, "proxy_pool", "http://1.2.3.4:80", 100))

	_, err := s.SortedSetIncrBy(ctx, "proxy_pool", "http://5.6.7.8:80", -20)
	require.ErrorIs(t, err, store.ErrNotFound)

	members, err := mr.ZMembers("proxy_pool")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://1.2.3.4:80"}, members)
}

func TestCardinalityUnsupportedType(t *testing.T) {
	t.Parallel()

	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("plain", "value"))
	_, err := s.Cardinality(context.Background(), "plain")
	require.Error(t, err)
}
