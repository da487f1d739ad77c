package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/feed"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/gateway"
	location "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/location/entity"
)

func TestOpenSQLiteUsesHub(t *testing.T) {
	ctx := context.Background()
	var cfg config.Config
	cfg.Database.URL = "sqlite://" + filepath.Join(t.TempDir(), "warehouse.db")
	cfg.Warehouse.Cities = []string{"MIA"}
	cfg.Warehouse.RequestTimeout = time.Second
	cfg.Feed.Channel = "warehouse_changes"

	a, err := Open(ctx, cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	require.NoError(t, a.Ping(ctx))
	hub, ok := a.Source.(*feed.Hub)
	require.True(t, ok, "sqlite runs on the in-process feed")
	_, ok = a.Store.(*gateway.Notifier)
	assert.True(t, ok)

	sub, err := hub.Subscribe(ctx, feed.Topic{Collection: gateway.CollectionLocations, Scope: "MIA"})
	require.NoError(t, err)
	defer sub.Close()

	_, err = a.Store.InsertLocation(ctx, location.Location{Code: "A-01", City: "MIA"})
	require.NoError(t, err)
	select {
	case ev := <-sub.Events():
		assert.Equal(t, feed.KindInsert, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}

	deps := a.WorkspaceDeps()
	assert.Equal(t, time.Second, deps.Timeout)
	assert.NotNil(t, deps.Profiles)
	assert.NotNil(t, a.Sessions)
}
