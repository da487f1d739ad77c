// Package gateway is the typed CRUD boundary to the remote store. Every call
// is scoped by city; writes trigger the store's change feed, which callers
// observe asynchronously through package feed.
package gateway

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	location "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/location/entity"
	parcel "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
)

// Collection names as they appear in change events.
const (
	CollectionLocations = "locations"
	CollectionPackages  = "packages"
)

var (
	// ErrNetwork is transient; the caller may retry.
	ErrNetwork = errors.New("network error")
	// ErrDisconnected means the change feed is down and writes are refused.
	ErrDisconnected = errors.New("disconnected")
	// ErrConflict is a uniqueness violation; surfaced to the user, never retried.
	ErrConflict = errors.New("conflict")
	// ErrNotFound means the id no longer exists.
	ErrNotFound = errors.New("not found")
	// ErrScopeMismatch is a programming error: a call crossed city boundaries.
	ErrScopeMismatch = errors.New("scope mismatch")
)

// PackageQuery narrows ListPackages. City is required.
type PackageQuery struct {
	City     string
	Location string
	Status   parcel.Status
}

type LocationStore interface {
	ListLocations(ctx context.Context, city string) ([]location.Location, error)
	InsertLocation(ctx context.Context, loc location.Location) (location.Location, error)
	// RenameLocation changes a code and moves the packages shelved under it.
	RenameLocation(ctx context.Context, city, id, code string) (location.Location, error)
	DeleteLocation(ctx context.Context, city, id string) error
}

type PackageStore interface {
	ListPackages(ctx context.Context, q PackageQuery) ([]parcel.Package, error)
	InsertPackage(ctx context.Context, p parcel.Package) (parcel.Package, error)
	UpdatePackage(ctx context.Context, city, id string, patch parcel.Patch) (parcel.Package, error)
	DeletePackage(ctx context.Context, city, id string) error
	CountPackagesAtLocation(ctx context.Context, city, code string) (int, error)
	// DeletePackagesAtLocation removes every package under code and returns their ids.
	DeletePackagesAtLocation(ctx context.Context, city, code string) ([]string, error)
}

// Store is the full remote collection contract.
type Store interface {
	LocationStore
	PackageStore
}

// Classify maps transport-level failures onto ErrNetwork and leaves
// taxonomy errors untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNetwork, ErrDisconnected, ErrConflict, ErrNotFound, ErrScopeMismatch} {
		if errors.Is(err, known) {
			return err
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return err
}

type composite struct {
	LocationStore
	PackageStore
}

// Compose joins per-table stores into one Store.
func Compose(locations LocationStore, packages PackageStore) Store {
	return composite{LocationStore: locations, PackageStore: packages}
}
