package warehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/gateway"
	location "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/location/entity"
	parcel "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: dup", gateway.ErrConflict), http.StatusConflict},
		{gateway.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: X", ErrNoMatch), http.StatusNotFound},
		{ErrForbidden, http.StatusForbidden},
		{ErrInvalid, http.StatusBadRequest},
		{gateway.ErrDisconnected, http.StatusServiceUnavailable},
		{gateway.ErrNetwork, http.StatusGatewayTimeout},
		{ErrClosed, http.StatusConflict},
		{gateway.ErrScopeMismatch, http.StatusInternalServerError},
		{errors.Join(gateway.ErrNotFound, errors.New("other")), http.StatusNotFound},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, StatusOf(c.err), c.err.Error())
	}
}

func newTestRouter(t *testing.T, f *fixture, id entity.Identity) http.Handler {
	t.Helper()
	reg := NewRegistry(f.deps(), nil)
	t.Cleanup(reg.Close)
	h := NewHandler(reg, nil, zap.NewNop().Sugar())
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(auth.WithIdentity(req.Context(), id)))
		})
	})
	h.Routes(r)
	return r
}

func call(t *testing.T, h http.Handler, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestHandlerFlow(t *testing.T) {
	f := newFixture()
	h := newTestRouter(t, f, entity.Identity{
		UserID: "mgr", Username: "mgr", Role: entity.RoleManager,
		Cities: []string{"MIA"}, CurrentCity: "MIA",
	})

	var loc location.Location
	require.Equal(t, http.StatusCreated, call(t, h, http.MethodPost, "/locations", map[string]string{"code": "A-01"}, &loc))
	assert.Equal(t, http.StatusConflict, call(t, h, http.MethodPost, "/locations", map[string]string{"code": "A-01"}, nil))

	var pkg parcel.Package
	require.Equal(t, http.StatusCreated, call(t, h, http.MethodPost, "/shelving/A-01/packages", map[string]string{"package_number": "PKG-1"}, &pkg))
	assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodPost, "/shelving/A-01/packages", map[string]string{"package_number": ""}, nil))

	var shelf shelfResponse
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/shelving/A-01/packages", nil, &shelf))
	assert.Equal(t, "A-01", shelf.Location)
	assert.Len(t, shelf.Packages, 1)

	var rows []parcel.Package
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/returns?tab=in-warehouse&q=pkg", nil, &rows))
	assert.Len(t, rows, 1)
	assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodGet, "/returns?tab=bogus", nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, h, http.MethodGet, "/returns?start=01/05/2024&end=2024-01-06", nil, nil))

	var batch batchResult
	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/returns/instruction",
		map[string]any{"ids": []string{pkg.ID}, "instruction": parcel.InstructionReturnToCustomer}, &batch))
	require.Len(t, batch.Updated, 1)
	assert.Equal(t, parcel.StatusPendingRemoval, batch.Updated[0].PackageStatus)

	assert.Equal(t, http.StatusNotFound, call(t, h, http.MethodPost, "/unshelving/scan", map[string]string{"package_number": "NOPE"}, nil))
	require.Equal(t, http.StatusOK, call(t, h, http.MethodPost, "/unshelving/scan", map[string]string{"package_number": "PKG-1"}, &pkg))
	assert.Equal(t, parcel.StatusRemoved, pkg.PackageStatus)

	assert.Equal(t, http.StatusForbidden, call(t, h, http.MethodDelete, "/locations/"+loc.ID, nil, nil))
	assert.Equal(t, http.StatusForbidden, call(t, h, http.MethodPut, "/scope", map[string]string{"city": "TPA"}, nil))

	var st Status
	require.Equal(t, http.StatusOK, call(t, h, http.MethodGet, "/status", nil, &st))
	assert.Equal(t, "MIA", st.City)
	assert.True(t, st.Connected)
	assert.Equal(t, 3, st.Subscriptions)
}

func TestHandlerPartialBatch(t *testing.T) {
	f := newFixture()
	f.seedLocation(t, "MIA", "A-01")
	p := f.seedPackage(t, "MIA", "A-01", "PKG-1", parcel.StatusInWarehouse)
	h := newTestRouter(t, f, entity.Identity{UserID: "mgr", Role: entity.RoleManager, Cities: []string{"MIA"}, CurrentCity: "MIA"})

	var batch batchResult
	code := call(t, h, http.MethodPost, "/returns/instruction",
		map[string]any{"ids": []string{p.ID, "missing"}, "instruction": parcel.InstructionReDispatch}, &batch)
	assert.Equal(t, http.StatusMultiStatus, code)
	assert.Len(t, batch.Updated, 1)
	assert.NotEmpty(t, batch.Error)

	code = call(t, h, http.MethodPost, "/returns/instruction",
		map[string]any{"ids": []string{"missing"}, "instruction": parcel.InstructionReDispatch}, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRecordsCurrentCity(t *testing.T) {
	f := newFixture()
	rec := &scopeLog{}
	deps := f.deps()
	deps.Profiles = rec
	w := New(entity.Identity{UserID: "ana", Role: entity.RoleUser, Cities: []string{"MIA", "TPA"}}, deps)
	defer w.Close()

	require.NoError(t, w.SwitchScope(context.Background(), "TPA"))
	assert.Equal(t, []string{"TPA"}, rec.cities)
}

type scopeLog struct{ cities []string }

func (s *scopeLog) RecordCurrentScope(_ context.Context, _ entity.Identity, city string) error {
	s.cities = append(s.cities, city)
	return nil
}
