package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/bookagg/internal/book"
	"github.com/sawpanic/bookagg/internal/metrics"
	"github.com/sawpanic/bookagg/internal/registry"
)

func upsert(t *testing.T, reg *registry.Registry, id, bid, ask string) {
	t.Helper()
	b, err := book.FromQuotes(id,
		[]book.Quote{{Price: decimal.RequireFromString(bid), Quantity: decimal.NewFromInt(1)}},
		[]book.Quote{{Price: decimal.RequireFromString(ask), Quantity: decimal.NewFromInt(1)}},
	)
	require.NoError(t, err)
	reg.Upsert(id, b)
}

func expectedValue(t *testing.T, snap registry.Snapshot, id string) string {
	t.Helper()
	e, ok := snap.Entry(id)
	require.True(t, ok)
	data, err := Encode(e)
	require.NoError(t, err)
	return string(data)
}

func TestSyncWritesChangedEntries(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reg := registry.New()
	m := New(db, Options{KeyPrefix: "bookagg:", TTL: 30 * time.Second}, nil)
	ctx := context.Background()

	upsert(t, reg, "exA", "10", "11")
	upsert(t, reg, "exB", "20", "21")
	snap := reg.Snapshot()

	t.Run("first sync writes every book", func(t *testing.T) {
		mock.ExpectSet("bookagg:book:exA", expectedValue(t, snap, "exA"), 30*time.Second).SetVal("OK")
		mock.ExpectSet("bookagg:book:exB", expectedValue(t, snap, "exB"), 30*time.Second).SetVal("OK")

		require.NoError(t, m.Sync(ctx, snap))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unchanged books are skipped", func(t *testing.T) {
		upsert(t, reg, "exB", "22", "23")
		snap := reg.Snapshot()
		mock.ExpectSet("bookagg:book:exB", expectedValue(t, snap, "exB"), 30*time.Second).SetVal("OK")

		require.NoError(t, m.Sync(ctx, snap))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("resync flag change is written", func(t *testing.T) {
		reg.MarkNeedsSnapshot("exA")
		snap := reg.Snapshot()
		mock.ExpectSet("bookagg:book:exA", expectedValue(t, snap, "exA"), 30*time.Second).SetVal("OK")

		require.NoError(t, m.Sync(ctx, snap))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSyncRetriesFailedWrites(t *testing.T) {
	db, mock := redismock.NewClientMock()
	reg := registry.New()
	promReg := prometheus.NewRegistry()
	m := New(db, Options{KeyPrefix: "x:", TTL: time.Minute}, metrics.New(promReg))
	ctx := context.Background()

	upsert(t, reg, "exA", "10", "11")
	snap := reg.Snapshot()
	value := expectedValue(t, snap, "exA")

	mock.ExpectSet("x:book:exA", value, time.Minute).SetErr(errors.New("connection refused"))
	err := m.Sync(ctx, snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exA")

	mock.ExpectSet("x:book:exA", value, time.Minute).SetVal("OK")
	require.NoError(t, m.Sync(ctx, snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestKey(t *testing.T) {
	db, _ := redismock.NewClientMock()
	m := New(db, Options{KeyPrefix: "prod:"}, nil)
	assert.Equal(t, "prod:book:binance:spot", m.Key("binance:spot"))
}

func TestPing(t *testing.T) {
	db, mock := redismock.NewClientMock()
	m := New(db, Options{}, nil)

	mock.ExpectPing().SetVal("PONG")
	require.NoError(t, m.Ping(context.Background()))

	mock.ExpectPing().SetErr(errors.New("down"))
	assert.Error(t, m.Ping(context.Background()))
}
