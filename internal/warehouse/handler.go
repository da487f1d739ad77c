package warehouse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/gateway"
	parcel "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/projection"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/reconcile"
)

// Handler serves the workspace of the calling user over JSON.
type Handler struct {
	registry *Registry
	logger   *zap.SugaredLogger
	// days are interpreted in loc for date range filters
	loc *time.Location
}

func NewHandler(registry *Registry, loc *time.Location, logger *zap.SugaredLogger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{registry: registry, logger: logger, loc: loc}
}

// Routes mounts the workspace endpoints. Callers wrap them with auth.RequireAuth.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/scope", h.GetScope)
	r.Put("/scope", h.PutScope)
	r.Get("/status", h.GetStatus)

	r.Get("/locations", h.ListLocations)
	r.Post("/locations", h.AddLocation)
	r.Get("/locations/{id}/impact", h.LocationImpact)
	r.Patch("/locations/{id}", h.RenameLocation)
	r.Delete("/locations/{id}", h.DeleteLocation)

	r.Get("/shelving/{code}/packages", h.ListShelf)
	r.Post("/shelving/{code}/packages", h.Shelve)

	r.Get("/unshelving/worklist", h.Worklist)
	r.Post("/unshelving/scan", h.Unshelve)

	r.Get("/returns", h.ListReturns)
	r.Get("/returns/counts", h.ReturnCounts)
	r.Post("/returns/instruction", h.IssueInstruction)
	r.Patch("/returns/{id}", h.UpdatePackage)
	r.Delete("/returns", h.DeletePackages)
}

// StatusOf maps workspace and gateway errors onto HTTP statuses.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, ErrNoMatch):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrNoScope):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, gateway.ErrNetwork):
		return http.StatusGatewayTimeout
	case errors.Is(err, reconcile.ErrStale), errors.Is(err, ErrClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	} else {
		h.logger.Debugw("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return false
	}
	return true
}

// workspace resolves the caller's workspace. A failed initial load still
// yields the workspace, empty and stale.
func (h *Handler) workspace(w http.ResponseWriter, r *http.Request) (*Workspace, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return nil, false
	}
	ws, err := h.registry.Get(r.Context(), id)
	if err != nil {
		if ws == nil {
			h.writeError(w, r, err)
			return nil, false
		}
		h.logger.Warnw("workspace load failed", "user", id.UserID, "err", err)
	}
	return ws, true
}

type scopeResponse struct {
	City   string   `json:"city"`
	Cities []string `json:"cities"`
	Status Status   `json:"status"`
}

func (h *Handler) GetScope(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, scopeResponse{City: ws.Scope(), Cities: ws.Identity().Cities, Status: ws.Status()})
}

func (h *Handler) PutScope(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req struct {
		City string `json:"city"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if err := ws.SwitchScope(r.Context(), req.City); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, scopeResponse{City: ws.Scope(), Cities: ws.Identity().Cities, Status: ws.Status()})
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, ws.Status())
}

func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, ws.Locations())
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *Handler) AddLocation(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	loc, err := ws.AddLocation(r.Context(), req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, loc)
}

func (h *Handler) LocationImpact(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	impact, err := ws.PreviewLocationDelete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, impact)
}

func (h *Handler) RenameLocation(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req codeRequest
	if !h.decode(w, r, &req) {
		return
	}
	loc, err := ws.RenameLocation(r.Context(), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loc)
}

type deleteLocationResponse struct {
	DeleteReport
	Message string `json:"message"`
}

func (h *Handler) DeleteLocation(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	report, err := ws.DeleteLocation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deleteLocationResponse{DeleteReport: report, Message: report.String()})
}

type shelfResponse struct {
	Location string           `json:"location"`
	Packages []parcel.Package `json:"packages"`
}

func (h *Handler) ListShelf(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	if err := ws.OpenLocation(r.Context(), chi.URLParam(r, "code")); err != nil {
		h.writeError(w, r, err)
		return
	}
	code, rows := ws.Shelf()
	h.writeJSON(w, http.StatusOK, shelfResponse{Location: code, Packages: rows})
}

type scanRequest struct {
	PackageNumber string `json:"package_number"`
}

func (h *Handler) Shelve(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req scanRequest
	if !h.decode(w, r, &req) {
		return
	}
	pkg, err := ws.Shelve(r.Context(), chi.URLParam(r, "code"), req.PackageNumber)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, pkg)
}

func (h *Handler) Worklist(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, ws.Worklist())
}

func (h *Handler) Unshelve(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req scanRequest
	if !h.decode(w, r, &req) {
		return
	}
	pkg, err := ws.Unshelve(r.Context(), req.PackageNumber)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pkg)
}

// filterFrom reads tab, location, q, field, start and end.
func (h *Handler) filterFrom(r *http.Request) (projection.Filter, error) {
	q := r.URL.Query()
	f := projection.Filter{
		Tab:       q.Get("tab"),
		Location:  q.Get("location"),
		Search:    q.Get("q"),
		TimeField: projection.TimeField(q.Get("field")),
	}
	if !projection.ValidTab(f.Tab) {
		return f, fmt.Errorf("%w: unknown tab %q", ErrInvalid, f.Tab)
	}
	if f.TimeField != "" && !f.TimeField.Valid() {
		return f, fmt.Errorf("%w: unknown time field %q", ErrInvalid, f.TimeField)
	}
	var err error
	if f.Start, err = projection.ParseDay(q.Get("start"), h.loc); err != nil {
		return f, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if f.End, err = projection.ParseDay(q.Get("end"), h.loc); err != nil {
		return f, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return f, nil
}

func (h *Handler) ListReturns(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	f, err := h.filterFrom(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ws.Review(f))
}

func (h *Handler) ReturnCounts(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, ws.TabCounts())
}

type batchResult struct {
	Updated []parcel.Package `json:"updated,omitempty"`
	Deleted int              `json:"deleted,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func (h *Handler) IssueInstruction(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req struct {
		IDs         []string           `json:"ids"`
		Instruction parcel.Instruction `json:"instruction"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	updated, err := ws.IssueInstruction(r.Context(), req.IDs, req.Instruction)
	h.writeBatch(w, r, batchResult{Updated: updated}, len(updated), err)
}

func (h *Handler) UpdatePackage(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req PackageEdit
	if !h.decode(w, r, &req) {
		return
	}
	pkg, err := ws.UpdatePackage(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pkg)
}

func (h *Handler) DeletePackages(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	n, err := ws.DeletePackages(r.Context(), req.IDs)
	h.writeBatch(w, r, batchResult{Deleted: n}, n, err)
}

// writeBatch answers 200 when everything went through, 207 on partial
// success and the first error's status when nothing did.
func (h *Handler) writeBatch(w http.ResponseWriter, r *http.Request, res batchResult, done int, err error) {
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, res)
	case done > 0:
		res.Error = err.Error()
		h.logger.Warnw("batch partially failed", "path", r.URL.Path, "done", done, "err", err)
		h.writeJSON(w, http.StatusMultiStatus, res)
	default:
		h.writeError(w, r, err)
	}
}
