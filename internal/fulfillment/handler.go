// Package fulfillment exposes the order fulfillment pipeline over HTTP and
// wires its services together.
package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/fulfillment/internal/fulfillment/orders"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/reconcile"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/returns"
	"github.com/odyssey-erp/fulfillment/internal/fulfillment/routing"
	"github.com/odyssey-erp/fulfillment/internal/platform/httpx"
	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// IdempotencyHeader carries the client supplied key for completion writes.
const IdempotencyHeader = "Idempotency-Key"

// Handler serves the fulfillment JSON API.
type Handler struct {
	logger     *slog.Logger
	orders     *orders.Service
	routes     *routing.Service
	monitor    *routing.Monitor
	reconciler *reconcile.Reconciler
	returns    *returns.Service
}

// NewHandler builds Handler instance.
func NewHandler(
	logger *slog.Logger,
	orderSvc *orders.Service,
	routeSvc *routing.Service,
	monitor *routing.Monitor,
	reconciler *reconcile.Reconciler,
	returnSvc *returns.Service,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		orders:     orderSvc,
		routes:     routeSvc,
		monitor:    monitor,
		reconciler: reconciler,
		returns:    returnSvc,
	}
}

// Orders

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.orders.Create(r.Context(), req, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, o)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	o, err := h.orders.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

func (h *Handler) replaceItems(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req orders.ReplaceItemsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.orders.ReplaceItems(r.Context(), id, req, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

func (h *Handler) listMissing(w http.ResponseWriter, r *http.Request) {
	page := shared.PageRequest{
		Page:    queryInt(r, "page"),
		PerPage: queryInt(r, "per_page"),
	}
	resp, err := h.orders.ListPendingMissing(r.Context(), page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) recordAvailability(w http.ResponseWriter, r *http.Request) {
	orderID, itemID, ok := h.itemPath(w, r)
	if !ok {
		return
	}
	var req orders.QuantityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	item, err := h.orders.RecordAvailability(r.Context(), orderID, itemID, req.Quantity, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) recordAvailabilityBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req orders.BatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.orders.RecordAvailabilityBatch(r.Context(), id, req, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, batchStatus(res.OK()), res)
}

func (h *Handler) overrideMissing(w http.ResponseWriter, r *http.Request) {
	orderID, itemID, ok := h.itemPath(w, r)
	if !ok {
		return
	}
	var req orders.QuantityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	item, err := h.orders.OverrideMissing(r.Context(), orderID, itemID, req.Quantity, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) recordCompletion(w http.ResponseWriter, r *http.Request) {
	orderID, itemID, ok := h.itemPath(w, r)
	if !ok {
		return
	}
	var req orders.QuantityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	item, err := h.orders.RecordCompletion(r.Context(), orderID, itemID, req.Quantity, req.Note, r.Header.Get(IdempotencyHeader), actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) recordCompletionBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req orders.BatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.orders.RecordCompletionBatch(r.Context(), id, req, r.Header.Get(IdempotencyHeader), actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, batchStatus(res.OK()), res)
}

func (h *Handler) completeSecondReview(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(w, r, h.orders.CompleteSecondReview)
}

func (h *Handler) clearPendingMissing(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(w, r, h.orders.ClearPendingMissing)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.orderCommand(w, r, h.orders.CancelOrder)
}

func (h *Handler) advanceStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req orders.AdvanceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := orders.ValidateAdvanceRequest(req); err != nil {
		h.fail(w, r, err)
		return
	}
	o, err := h.orders.AdvanceOrderStatus(r.Context(), id, req.Target, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

func (h *Handler) orderCommand(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actor int64) (*orders.Order, error)) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	o, err := fn(r.Context(), id, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

// Routes

func (h *Handler) createRoute(w http.ResponseWriter, r *http.Request) {
	var req routing.CreateRouteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	rt, err := h.routes.CreateRoute(r.Context(), req, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rt)
}

func (h *Handler) getRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.routes.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) attachOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req routing.AttachRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	stop, err := h.routes.AttachOrder(r.Context(), id, req, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, stop)
}

func (h *Handler) startRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.routes.StartRoute(r.Context(), id, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) evaluateRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	eval, err := h.monitor.Evaluate(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, eval)
}

func (h *Handler) reconcileRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req reconcile.RouteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if len(req.Stops) == 0 {
		h.fail(w, r, fmt.Errorf("%w: no stops", shared.ErrValidation))
		return
	}
	res, err := h.reconciler.ReconcileRoute(r.Context(), id, req.Stops, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, batchStatus(res.OK()), res)
}

// Stops

func (h *Handler) recordOutcome(w http.ResponseWriter, r *http.Request) {
	stopID, itemID, ok := h.itemPath(w, r)
	if !ok {
		return
	}
	var req reconcile.Outcome
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	item, err := h.reconciler.RecordDeliveryOutcome(r.Context(), stopID, itemID, req, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) reconcileStop(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req reconcile.StopRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.reconciler.ReconcileStop(r.Context(), id, req.Items, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, batchStatus(res.OK()), res)
}

func (h *Handler) finalizeStop(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	o, err := h.reconciler.FinalizeRouteStopDelivery(r.Context(), id, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

// Returns

func (h *Handler) listReturns(w http.ResponseWriter, r *http.Request) {
	f, err := returnFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.returns.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []returns.Record{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"returns": list})
}

func (h *Handler) summarizeReturns(w http.ResponseWriter, r *http.Request) {
	f, err := returnFilter(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	summary, err := h.returns.Summarize(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"summary": summary})
}

func (h *Handler) createReturn(w http.ResponseWriter, r *http.Request) {
	var req returns.ManualRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	rec, err := h.returns.CreateManual(r.Context(), req, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) acceptReturns(w http.ResponseWriter, r *http.Request) {
	var req returns.AcceptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.returns.AcceptReturn(r.Context(), req, actorID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []returns.Record{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accepted": list})
}

// helpers

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := httpx.Classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "fulfillment request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
	} else {
		h.logger.DebugContext(r.Context(), "fulfillment request rejected",
			slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, r, fmt.Errorf("%w: invalid %s", shared.ErrValidation, name))
		return 0, false
	}
	return id, true
}

func (h *Handler) itemPath(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return 0, 0, false
	}
	itemID, ok := h.pathID(w, r, "itemID")
	if !ok {
		return 0, 0, false
	}
	return id, itemID, true
}

func actorID(r *http.Request) int64 {
	return shared.ActorFromContext(r.Context())
}

func batchStatus(ok bool) int {
	if ok {
		return http.StatusOK
	}
	return http.StatusMultiStatus
}

func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}

func queryID(r *http.Request, key string) (*int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, fmt.Errorf("%w: invalid %s", shared.ErrValidation, key)
	}
	return &id, nil
}

func returnFilter(r *http.Request) (returns.Filter, error) {
	var f returns.Filter
	var err error
	if f.RouteID, err = queryID(r, "route_id"); err != nil {
		return f, err
	}
	if f.ProductID, err = queryID(r, "product_id"); err != nil {
		return f, err
	}
	if f.OrderID, err = queryID(r, "order_id"); err != nil {
		return f, err
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := returns.Status(raw)
		f.Status = &s
	}
	return f, nil
}
