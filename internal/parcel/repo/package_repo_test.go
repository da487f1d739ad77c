package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/gateway"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/database"
)

func newRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := database.Connect(database.Config{DSN: "sqlite://:memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.EnsureSchema(context.Background(), db, "warehouse_changes"))
	r := NewRepo(db)
	clock := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	r.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return r
}

func shelve(t *testing.T, r *Repo, loc, number string) entity.Package {
	t.Helper()
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	p, err := r.InsertPackage(context.Background(), entity.Package{
		PackageNumber: number, Location: loc, PackageStatus: entity.StatusInWarehouse,
		ShelvingTime: &now, LastModifiedBy: "tester", City: "MIA",
	})
	require.NoError(t, err)
	return p
}

func TestPackageLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	p := shelve(t, r, "A-01", "PKG100")
	shelve(t, r, "A-01", "PKG101")
	shelve(t, r, "B-01", "PKG102")

	list, err := r.ListPackages(ctx, gateway.PackageQuery{City: "MIA"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "PKG102", list[0].PackageNumber)
	assert.Equal(t, "PKG100", list[2].PackageNumber)
	assert.Nil(t, list[2].CustomerService)
	require.NotNil(t, list[2].ShelvingTime)

	status := entity.StatusPendingRemoval
	instr := entity.InstructionReturnToCustomer
	at := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	updated, err := r.UpdatePackage(ctx, "MIA", p.ID, entity.Patch{
		PackageStatus: &status, CustomerService: &instr, InstructionTime: &at,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPendingRemoval, updated.PackageStatus)
	require.NotNil(t, updated.CustomerService)
	assert.Equal(t, instr, *updated.CustomerService)
	require.NoError(t, updated.Validate())

	pending, err := r.ListPackages(ctx, gateway.PackageQuery{City: "MIA", Status: entity.StatusPendingRemoval})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, p.ID, pending[0].ID)

	_, err = r.UpdatePackage(ctx, "WPB", p.ID, entity.Patch{PackageStatus: &status})
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	n, err := r.CountPackagesAtLocation(ctx, "MIA", "A-01")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := r.DeletePackagesAtLocation(ctx, "MIA", "A-01")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, p.ID)

	rest, err := r.ListPackages(ctx, gateway.PackageQuery{City: "MIA"})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.NoError(t, r.DeletePackage(ctx, "MIA", rest[0].ID))
	assert.ErrorIs(t, r.DeletePackage(ctx, "MIA", rest[0].ID), gateway.ErrNotFound)
}
