package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"stockguard/internal/pkg/logger"
	"stockguard/internal/pkg/tracing"
	"stockguard/internal/service/stock/application"
	"stockguard/internal/service/stock/domain"
)

// StockHandler 封装了库存服务的 HTTP 处理器
type StockHandler struct {
	holds        *application.HoldService
	checkout     *application.CheckoutService
	adjuster     *application.StockAdjuster
	reconciler   *application.DriftReconciler
	devEndpoints bool
}

// NewStockHandler 创建一个新的 HTTP 处理器实例，devEndpoints 控制是否开放强制设置库存接口
func NewStockHandler(
	holds *application.HoldService,
	checkout *application.CheckoutService,
	adjuster *application.StockAdjuster,
	reconciler *application.DriftReconciler,
	devEndpoints bool,
) *StockHandler {
	return &StockHandler{
		holds:        holds,
		checkout:     checkout,
		adjuster:     adjuster,
		reconciler:   reconciler,
		devEndpoints: devEndpoints,
	}
}

// RegisterRoutes 在 ServeMux 上注册所有路由
func (h *StockHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /carts/{cartKey}/holds", h.handleSetHold)
	mux.HandleFunc("POST /carts/{cartKey}/checkout", h.handleCheckout)
	mux.HandleFunc("POST /carts/{cartKey}/release", h.handleRelease)
	mux.HandleFunc("GET /branches/{branchId}/items/{itemId}/available", h.handleAvailable)

	mux.HandleFunc("POST /admin/stock/adjust", h.handleAdjust)
	mux.HandleFunc("GET /admin/holds", h.handleListHolds)
	mux.HandleFunc("GET /admin/drift", h.handleDrift)
	mux.HandleFunc("POST /admin/drift/reconcile", h.handleReconcile)
	if h.devEndpoints {
		mux.HandleFunc("POST /admin/dev/force-stock", h.handleForceStock)
	}
}

func extract(r *http.Request) context.Context {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return logger.WithTraceID(ctx)
}

func (h *StockHandler) handleSetHold(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	var req application.SetHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req.CartKey = r.PathValue("cartKey")

	resp, err := h.holds.SetDesiredQty(ctx, &req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StockHandler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	var req application.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	req.CartKey = r.PathValue("cartKey")

	resp, err := h.checkout.PlaceOrder(ctx, &req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *StockHandler) handleRelease(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	resp, err := h.holds.ReleaseCart(ctx, r.PathValue("cartKey"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StockHandler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	branchID, err1 := strconv.ParseInt(r.PathValue("branchId"), 10, 64)
	itemID, err2 := strconv.ParseInt(r.PathValue("itemId"), 10, 64)
	if err1 != nil || err2 != nil {
		writeBadRequest(w, "branchId and itemId must be integers")
		return
	}

	resp, err := h.holds.Available(ctx, domain.Pair{BranchID: branchID, ItemID: itemID})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StockHandler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	var req application.AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	resp, err := h.adjuster.AdjustBranchStock(ctx, &req)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StockHandler) handleListHolds(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)
	q := r.URL.Query()

	branchID, _ := strconv.ParseInt(q.Get("branchId"), 10, 64)
	cursor, _ := strconv.ParseInt(q.Get("cursor"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	page, err := h.holds.ListActiveHolds(ctx, branchID, cursor, limit)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *StockHandler) handleDrift(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	n, _ := strconv.Atoi(r.URL.Query().Get("history"))
	summary, err := h.reconciler.Summary(ctx, n)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *StockHandler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	var branchID int64
	if s := r.URL.Query().Get("branchId"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeBadRequest(w, "branchId must be an integer")
			return
		}
		branchID = id
	}

	report, err := h.reconciler.Run(ctx, branchID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type forceStockRequest struct {
	BranchID int64 `json:"branchId"`
	ItemID   int64 `json:"itemId"`
	Quantity int64 `json:"quantity"`
}

func (h *StockHandler) handleForceStock(w http.ResponseWriter, r *http.Request) {
	ctx := extract(r)

	var req forceStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	resp, err := h.adjuster.ForceSetStock(ctx, domain.Pair{BranchID: req.BranchID, ItemID: req.ItemID}, req.Quantity)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"traceId,omitempty"`
}

// statusFor 根据错误码返回 HTTP 状态码
func statusFor(code string) int {
	switch code {
	case "OUT_OF_STOCK", "CART_NOT_ACTIVE", "RECONCILE_BUSY":
		return http.StatusConflict
	case "BRANCH_REQUIRED", "ITEM_NOT_FOUND", "INVALID_MODE", "INVALID_QUANTITY", "INVALID_HOLD", "EMPTY_CART":
		return http.StatusBadRequest
	case "RETRYABLE":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := domain.ErrorCode(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger.Ctx(ctx).Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error(), TraceID: tracing.GetTraceIDFromContext(ctx)})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
