package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
	"github.com/sellerpulse/sellerpulse/ingestd/tasks"
)

type fakeShops struct {
	shops []*domain.Shop
	err   error
}

func (f *fakeShops) ListActiveShops(_ context.Context, mp domain.Marketplace) ([]*domain.Shop, error) {
	if f.err != nil {
		return nil, f.err
	}
	if mp == "" {
		return f.shops, nil
	}
	var filtered []*domain.Shop
	for _, s := range f.shops {
		if s.Marketplace == mp {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

func testDispatcher(t *testing.T, shops *fakeShops) (*Dispatcher, *tasks.Broker, *state.Store, *tasks.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := state.NewFromClient(client)
	broker := tasks.NewBroker(client)
	reg := tasks.NewRegistry()
	reg.Register("sync_prices", tasks.QueueSync, func(context.Context, *tasks.Task) error { return nil })
	d := New(shops, st, broker, reg, nil, log.New(zapcore.ErrorLevel))
	return d, broker, st, reg
}

func wbShop(id int64) *domain.Shop {
	return &domain.Shop{ID: id, Marketplace: domain.MarketplaceWildberries, Status: domain.ShopActive}
}

func TestDispatchSubmitsPerShop(t *testing.T) {
	shops := &fakeShops{shops: []*domain.Shop{wbShop(1), wbShop(2)}}
	d, broker, _, _ := testDispatcher(t, shops)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, "sync_prices", ""))

	depth, err := broker.Depth(ctx, tasks.QueueSync)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)

	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		task, err := broker.Pop(ctx, tasks.QueueSync, time.Second)
		require.NoError(t, err)
		args, err := ParseShopArgs(task)
		require.NoError(t, err)
		seen[args.ShopID] = true
	}
	require.Equal(t, map[int64]bool{1: true, 2: true}, seen)
}

func TestDispatchSkipsLockedShops(t *testing.T) {
	shops := &fakeShops{shops: []*domain.Shop{wbShop(1), wbShop(2)}}
	d, broker, _, _ := testDispatcher(t, shops)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, "sync_prices", ""))
	// Nothing finished yet: a second cycle must not double-submit.
	require.NoError(t, d.Dispatch(ctx, "sync_prices", ""))

	depth, err := broker.Depth(ctx, tasks.QueueSync)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)
}

func TestWrapReleasesLock(t *testing.T) {
	shops := &fakeShops{shops: []*domain.Shop{wbShop(1)}}
	d, broker, st, _ := testDispatcher(t, shops)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, "sync_prices", ""))
	task, err := broker.Pop(ctx, tasks.QueueSync, time.Second)
	require.NoError(t, err)

	handlerErr := errors.New("handler failed")
	wrapped := d.Wrap(func(context.Context, *tasks.Task) error { return handlerErr })
	require.ErrorIs(t, wrapped(ctx, task), handlerErr)

	// Lock released even on handler failure: the next cycle submits.
	owner, err := st.LockOwner(ctx, state.TaskLockKey("sync_prices", 1))
	require.NoError(t, err)
	require.Empty(t, owner)

	require.NoError(t, d.Dispatch(ctx, "sync_prices", ""))
	depth, err := broker.Depth(ctx, tasks.QueueSync)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestDispatchFiltersMarketplace(t *testing.T) {
	ozon := &domain.Shop{ID: 3, Marketplace: domain.MarketplaceOzon, Status: domain.ShopActive}
	shops := &fakeShops{shops: []*domain.Shop{wbShop(1), ozon}}
	d, broker, _, _ := testDispatcher(t, shops)
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, "sync_prices", domain.MarketplaceOzon))

	task, err := broker.Pop(ctx, tasks.QueueSync, time.Second)
	require.NoError(t, err)
	args, err := ParseShopArgs(task)
	require.NoError(t, err)
	require.Equal(t, int64(3), args.ShopID)
}

func TestDispatchUnknownTask(t *testing.T) {
	d, _, _, _ := testDispatcher(t, &fakeShops{})
	require.Error(t, d.Dispatch(context.Background(), "nope", ""))
}

func TestParseShopArgs(t *testing.T) {
	task := &tasks.Task{Name: "sync_prices", Args: json.RawMessage(`{"shop_id":9}`)}
	args, err := ParseShopArgs(task)
	require.NoError(t, err)
	require.Equal(t, int64(9), args.ShopID)

	_, err = ParseShopArgs(&tasks.Task{Name: "sync_prices", Args: json.RawMessage(`{}`)})
	require.Error(t, err)

	_, err = ParseShopArgs(&tasks.Task{Name: "sync_prices", Args: json.RawMessage(`notjson`)})
	require.Error(t, err)
}
