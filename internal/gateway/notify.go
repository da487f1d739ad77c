package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/feed"
	location "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/location/entity"
	parcel "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
)

// Publisher receives change events. *feed.Hub implements it.
type Publisher interface {
	Publish(ev feed.Event)
}

// Notifier decorates a Store that has no server-side change feed and
// publishes an event after every successful write, the way the Postgres
// triggers do.
type Notifier struct {
	Store
	pub    Publisher
	logger *zap.SugaredLogger
}

var _ Store = (*Notifier)(nil)

// Notify wraps store so its writes are published to pub.
func Notify(store Store, pub Publisher, logger *zap.SugaredLogger) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{Store: store, pub: pub, logger: logger}
}

func (n *Notifier) publish(collection string, kind feed.Kind, scope string, row any) {
	raw, err := json.Marshal(row)
	if err != nil {
		n.logger.Errorw("marshal change row", "table", collection, "err", err)
		return
	}
	n.pub.Publish(feed.Event{Collection: collection, Kind: kind, Scope: scope, Row: raw})
}

func (n *Notifier) InsertLocation(ctx context.Context, loc location.Location) (location.Location, error) {
	out, err := n.Store.InsertLocation(ctx, loc)
	if err != nil {
		return out, err
	}
	n.publish(CollectionLocations, feed.KindInsert, out.City, out)
	return out, nil
}

func (n *Notifier) RenameLocation(ctx context.Context, city, id, code string) (location.Location, error) {
	out, err := n.Store.RenameLocation(ctx, city, id, code)
	if err != nil {
		return out, err
	}
	n.publish(CollectionLocations, feed.KindUpdate, city, out)
	moved, err := n.Store.ListPackages(ctx, PackageQuery{City: city, Location: code})
	if err != nil {
		n.logger.Warnw("list moved packages for change feed", "city", city, "code", code, "err", err)
		return out, nil
	}
	for _, p := range moved {
		n.publish(CollectionPackages, feed.KindUpdate, city, p)
	}
	return out, nil
}

func (n *Notifier) DeleteLocation(ctx context.Context, city, id string) error {
	row := location.Location{ID: id, City: city}
	if all, err := n.Store.ListLocations(ctx, city); err == nil {
		for _, l := range all {
			if l.ID == id {
				row = l
				break
			}
		}
	}
	if err := n.Store.DeleteLocation(ctx, city, id); err != nil {
		return err
	}
	n.publish(CollectionLocations, feed.KindDelete, city, row)
	return nil
}

func (n *Notifier) InsertPackage(ctx context.Context, p parcel.Package) (parcel.Package, error) {
	out, err := n.Store.InsertPackage(ctx, p)
	if err != nil {
		return out, err
	}
	n.publish(CollectionPackages, feed.KindInsert, out.City, out)
	return out, nil
}

func (n *Notifier) UpdatePackage(ctx context.Context, city, id string, patch parcel.Patch) (parcel.Package, error) {
	out, err := n.Store.UpdatePackage(ctx, city, id, patch)
	if err != nil {
		return out, err
	}
	n.publish(CollectionPackages, feed.KindUpdate, city, out)
	return out, nil
}

func (n *Notifier) DeletePackage(ctx context.Context, city, id string) error {
	// deletes carry the old row so location-filtered topics still match
	row := parcel.Package{ID: id, City: city}
	if all, err := n.Store.ListPackages(ctx, PackageQuery{City: city}); err == nil {
		for _, p := range all {
			if p.ID == id {
				row = p
				break
			}
		}
	}
	if err := n.Store.DeletePackage(ctx, city, id); err != nil {
		return err
	}
	n.publish(CollectionPackages, feed.KindDelete, city, row)
	return nil
}

func (n *Notifier) DeletePackagesAtLocation(ctx context.Context, city, code string) ([]string, error) {
	rows, _ := n.Store.ListPackages(ctx, PackageQuery{City: city, Location: code})
	ids, err := n.Store.DeletePackagesAtLocation(ctx, city, code)
	if err != nil {
		return ids, err
	}
	byID := make(map[string]parcel.Package, len(rows))
	for _, p := range rows {
		byID[p.ID] = p
	}
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			row = parcel.Package{ID: id, City: city, Location: code}
		}
		n.publish(CollectionPackages, feed.KindDelete, city, row)
	}
	return ids, nil
}
