package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockguard/internal/pkg/redis"
	"stockguard/internal/service/stock/domain"
)

func TestDriftStores(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { client.Close() })

	stores := map[string]domain.DriftMetricsStore{
		"redis":  NewRedisDriftStore(client, 3),
		"memory": NewMemoryDriftStore(3),
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			latest, err := store.Latest(ctx)
			require.NoError(t, err)
			assert.Nil(t, latest)

			for i := 1; i <= 5; i++ {
				require.NoError(t, store.Save(ctx, domain.DriftReport{
					RunAt:   testNow.Add(time.Duration(i) * time.Minute),
					Scanned: i,
				}))
			}

			latest, err = store.Latest(ctx)
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, 5, latest.Scanned)
			assert.True(t, latest.RunAt.Equal(testNow.Add(5*time.Minute)))

			history, err := store.History(ctx, 10)
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, []int{5, 4, 3}, []int{history[0].Scanned, history[1].Scanned, history[2].Scanned})

			history, err = store.History(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, history, 1)
		})
		mr.FlushAll()
	}
}
