package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-inventory/internal/platform/httpx"
)

// ActorHeader carries the id of the authenticated user set by the gateway.
const ActorHeader = "X-Actor-ID"

// Handler wires JSON endpoints for the inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", h.listTransactions)
		r.Post("/", h.applyTransaction)
	})
	r.Get("/stock", h.listInventory)
	r.Route("/items/{itemID}", func(r chi.Router) {
		r.Get("/stock", h.itemStock)
		r.Post("/alerts/evaluate", h.evaluateAlerts)
	})
	r.Route("/lots", func(r chi.Router) {
		r.Get("/", h.listLots)
		r.Post("/", h.receiveLot)
		r.Get("/expiring", h.listExpiringLots)
		r.Route("/{lotID}", func(r chi.Router) {
			r.Get("/", h.getLot)
			r.Delete("/", h.deleteLot)
			r.Post("/split", h.splitLot)
			r.Put("/quality", h.setQualityStatus)
			r.Get("/children", h.lotChildren)
			r.Get("/descendants", h.lotDescendants)
			r.Get("/ancestors", h.lotAncestors)
			r.Get("/lineage", h.lotLineage)
			r.Get("/units", h.listUnits)
		})
	})
	r.Route("/units", func(r chi.Router) {
		r.Post("/", h.createUnit)
		r.Route("/{unitID}", func(r chi.Router) {
			r.Get("/", h.getUnit)
			r.Delete("/", h.deleteUnit)
			r.Post("/split", h.splitUnit)
			r.Put("/status", h.setUnitStatus)
			r.Get("/children", h.unitChildren)
		})
	})
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", h.listAlerts)
		r.Post("/{alertID}/acknowledge", h.acknowledgeAlert)
		r.Post("/{alertID}/resolve", h.resolveAlert)
	})
}

type transactionRequest struct {
	Type           TransactionType `json:"type" validate:"required,oneof=receipt issue adjustment allocation deallocation consumption transfer"`
	ItemID         int64           `json:"item_id" validate:"required,gt=0"`
	WarehouseID    int64           `json:"warehouse_id" validate:"required,gt=0"`
	LocationID     int64           `json:"location_id" validate:"gte=0"`
	LotID          int64           `json:"lot_id" validate:"gte=0"`
	SerialID       int64           `json:"serial_id" validate:"gte=0"`
	ToWarehouseID  int64           `json:"to_warehouse_id" validate:"required_if=Type transfer"`
	ToLocationID   int64           `json:"to_location_id" validate:"gte=0"`
	Quantity       decimal.Decimal `json:"quantity"`
	RefModule      string          `json:"ref_module" validate:"max=64"`
	RefID          string          `json:"ref_id" validate:"omitempty,uuid"`
	Note           string          `json:"note" validate:"max=500"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
}

type transactionResponse struct {
	Transaction Transaction `json:"transaction"`
	Inventory   Inventory   `json:"inventory"`
}

func (h *Handler) applyTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	fact, row, err := h.service.ApplyTransaction(r.Context(), TransactionInput{
		Type:           req.Type,
		ItemID:         req.ItemID,
		WarehouseID:    req.WarehouseID,
		LocationID:     req.LocationID,
		LotID:          req.LotID,
		SerialID:       req.SerialID,
		ToWarehouseID:  req.ToWarehouseID,
		ToLocationID:   req.ToLocationID,
		Quantity:       req.Quantity,
		RefModule:      req.RefModule,
		RefID:          req.RefID,
		Note:           req.Note,
		ActorID:        actorID(r),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, transactionResponse{Transaction: fact, Inventory: row})
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := TransactionFilter{
		ItemID:      queryInt(q.Get("item_id")),
		WarehouseID: queryInt(q.Get("warehouse_id")),
		LotID:       queryInt(q.Get("lot_id")),
		Type:        TransactionType(q.Get("type")),
		Limit:       int(queryInt(q.Get("limit"))),
	}
	var err error
	if filter.From, err = queryTime(q.Get("from")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.To, err = queryTime(q.Get("to")); err != nil {
		h.fail(w, r, err)
		return
	}
	log, err := h.service.ListTransactions(r.Context(), filter)
	h.respond(w, r, log, err)
}

func (h *Handler) listInventory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := h.service.ListInventory(r.Context(), InventoryFilter{
		ItemID:      queryInt(q.Get("item_id")),
		WarehouseID: queryInt(q.Get("warehouse_id")),
		LotID:       queryInt(q.Get("lot_id")),
		Limit:       int(queryInt(q.Get("limit"))),
	})
	h.respond(w, r, rows, err)
}

func (h *Handler) itemStock(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.ItemStock(r.Context(), pathInt(r, "itemID"))
	h.respond(w, r, summary, err)
}

func (h *Handler) evaluateAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.service.EvaluateAndAlert(r.Context(), pathInt(r, "itemID"))
	h.respond(w, r, alerts, err)
}

type receiveLotRequest struct {
	ItemID           int64           `json:"item_id" validate:"required,gt=0"`
	WarehouseID      int64           `json:"warehouse_id" validate:"required,gt=0"`
	LocationID       int64           `json:"location_id" validate:"gte=0"`
	LotNumber        string          `json:"lot_number" validate:"max=64"`
	Quantity         decimal.Decimal `json:"quantity"`
	QualityStatus    QualityStatus   `json:"quality_status" validate:"omitempty,oneof=pending approved rejected"`
	ManufacturedAt   *time.Time      `json:"manufactured_at"`
	ExpiresAt        *time.Time      `json:"expires_at"`
	CertificationRef string          `json:"certification_ref" validate:"max=128"`
	DivisionID       int64           `json:"division_id" validate:"gte=0"`
	RefModule        string          `json:"ref_module" validate:"max=64"`
	RefID            string          `json:"ref_id" validate:"omitempty,uuid"`
	Note             string          `json:"note" validate:"max=500"`
}

type receiveLotResponse struct {
	Lot         Lot         `json:"lot"`
	Transaction Transaction `json:"transaction"`
}

func (h *Handler) receiveLot(w http.ResponseWriter, r *http.Request) {
	var req receiveLotRequest
	if !h.decode(w, r, &req) {
		return
	}
	lot, fact, err := h.service.ReceiveLot(r.Context(), ReceiveLotInput{
		ItemID:           req.ItemID,
		WarehouseID:      req.WarehouseID,
		LocationID:       req.LocationID,
		LotNumber:        req.LotNumber,
		Quantity:         req.Quantity,
		QualityStatus:    req.QualityStatus,
		ManufacturedAt:   req.ManufacturedAt,
		ExpiresAt:        req.ExpiresAt,
		CertificationRef: req.CertificationRef,
		DivisionID:       req.DivisionID,
		RefModule:        req.RefModule,
		RefID:            req.RefID,
		Note:             req.Note,
		ActorID:          actorID(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, receiveLotResponse{Lot: lot, Transaction: fact})
}

func (h *Handler) listLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lots, err := h.service.ListLots(r.Context(), LotFilter{
		ItemID:        queryInt(q.Get("item_id")),
		QualityStatus: QualityStatus(q.Get("quality_status")),
		Limit:         int(queryInt(q.Get("limit"))),
	})
	h.respond(w, r, lots, err)
}

func (h *Handler) listExpiringLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days := queryInt(q.Get("days"))
	if days == 0 {
		days = 30
	}
	lots, err := h.service.ListExpiringLots(r.Context(), queryInt(q.Get("item_id")), time.Duration(days)*24*time.Hour)
	h.respond(w, r, lots, err)
}

func (h *Handler) getLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.service.GetLot(r.Context(), pathInt(r, "lotID"))
	h.respond(w, r, lot, err)
}

func (h *Handler) deleteLot(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteLot(r.Context(), pathInt(r, "lotID"), actorID(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type splitRequest struct {
	SplitQuantity decimal.Decimal `json:"split_quantity"`
	NewLotNumber  string          `json:"new_lot_number" validate:"max=64"`
	WarehouseID   int64           `json:"warehouse_id" validate:"gte=0"`
	LocationID    int64           `json:"location_id" validate:"gte=0"`
}

func (h *Handler) splitLot(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.SplitLot(r.Context(), SplitLotInput{
		LotID:         pathInt(r, "lotID"),
		SplitQuantity: req.SplitQuantity,
		NewLotNumber:  req.NewLotNumber,
		WarehouseID:   req.WarehouseID,
		LocationID:    req.LocationID,
		ActorID:       actorID(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type qualityRequest struct {
	Status QualityStatus `json:"status" validate:"required,oneof=pending approved rejected"`
}

func (h *Handler) setQualityStatus(w http.ResponseWriter, r *http.Request) {
	var req qualityRequest
	if !h.decode(w, r, &req) {
		return
	}
	lot, err := h.service.SetQualityStatus(r.Context(), pathInt(r, "lotID"), req.Status, actorID(r))
	h.respond(w, r, lot, err)
}

func (h *Handler) lotChildren(w http.ResponseWriter, r *http.Request) {
	lots, err := h.service.Children(r.Context(), pathInt(r, "lotID"))
	h.respond(w, r, lots, err)
}

func (h *Handler) lotDescendants(w http.ResponseWriter, r *http.Request) {
	lots, err := h.service.Descendants(r.Context(), pathInt(r, "lotID"))
	h.respond(w, r, lots, err)
}

func (h *Handler) lotAncestors(w http.ResponseWriter, r *http.Request) {
	lots, err := h.service.Ancestors(r.Context(), pathInt(r, "lotID"))
	h.respond(w, r, lots, err)
}

func (h *Handler) lotLineage(w http.ResponseWriter, r *http.Request) {
	totals, err := h.service.LineageTotals(r.Context(), pathInt(r, "lotID"))
	h.respond(w, r, totals, err)
}

func (h *Handler) listUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.service.ListUnits(r.Context(), pathInt(r, "lotID"))
	h.respond(w, r, units, err)
}

type createUnitRequest struct {
	LotID          int64           `json:"lot_id" validate:"required,gt=0"`
	Quantity       decimal.Decimal `json:"quantity"`
	GenerateSerial *bool           `json:"generate_serial"`
	WarehouseID    int64           `json:"warehouse_id" validate:"gte=0"`
	LocationID     int64           `json:"location_id" validate:"gte=0"`
	Notes          string          `json:"notes" validate:"max=500"`
}

func (h *Handler) createUnit(w http.ResponseWriter, r *http.Request) {
	var req createUnitRequest
	if !h.decode(w, r, &req) {
		return
	}
	generate := true
	if req.GenerateSerial != nil {
		generate = *req.GenerateSerial
	}
	unit, err := h.service.CreateUnit(r.Context(), CreateUnitInput{
		LotID:          req.LotID,
		Quantity:       req.Quantity,
		GenerateSerial: generate,
		WarehouseID:    req.WarehouseID,
		LocationID:     req.LocationID,
		Notes:          req.Notes,
		ActorID:        actorID(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, unit)
}

func (h *Handler) getUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.service.GetUnit(r.Context(), pathInt(r, "unitID"))
	h.respond(w, r, unit, err)
}

func (h *Handler) deleteUnit(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteUnit(r.Context(), pathInt(r, "unitID"), actorID(r)); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) splitUnit(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.SplitUnit(r.Context(), SplitUnitInput{
		UnitID:        pathInt(r, "unitID"),
		SplitQuantity: req.SplitQuantity,
		ActorID:       actorID(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

type unitStatusRequest struct {
	Status UnitStatus `json:"status" validate:"required,oneof=available reserved in_use consumed quarantined"`
}

func (h *Handler) setUnitStatus(w http.ResponseWriter, r *http.Request) {
	var req unitStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	unit, err := h.service.SetUnitStatus(r.Context(), pathInt(r, "unitID"), req.Status, actorID(r))
	h.respond(w, r, unit, err)
}

func (h *Handler) unitChildren(w http.ResponseWriter, r *http.Request) {
	units, err := h.service.UnitChildren(r.Context(), pathInt(r, "unitID"))
	h.respond(w, r, units, err)
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts, err := h.service.ListAlerts(r.Context(), AlertFilter{
		ItemID:     queryInt(q.Get("item_id")),
		ActiveOnly: q.Get("active") == "true",
		Limit:      int(queryInt(q.Get("limit"))),
	})
	h.respond(w, r, alerts, err)
}

func (h *Handler) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.service.AcknowledgeAlert(r.Context(), pathInt(r, "alertID"), actorID(r))
	h.respond(w, r, alert, err)
}

func (h *Handler) resolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.service.ResolveAlert(r.Context(), pathInt(r, "alertID"), actorID(r))
	h.respond(w, r, alert, err)
}

// decode reads and validates the JSON body. It writes the error response
// itself and reports whether the handler may continue.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body: %v", httpx.ErrValidation, err))
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			err = fmt.Errorf("%s: %s", fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, payload any, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, payload)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := HTTPError(err)
	if errors.Is(mapped, ErrStorage) || errors.Is(mapped, ErrConservationViolated) || !classified(err) {
		h.logger.Error("inventory request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

// HTTPError wraps err in the httpx sentinel matching its class.
func HTTPError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return fmt.Errorf("%w: %w", httpx.ErrUnprocessable, err)
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	case errors.Is(err, ErrCapability):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case errors.Is(err, ErrConcurrencyConflict):
		return fmt.Errorf("%w: %w", httpx.ErrBusy, err)
	default:
		return err
	}
}

func actorID(r *http.Request) int64 {
	return queryInt(r.Header.Get(ActorHeader))
}

func pathInt(r *http.Request, name string) int64 {
	return queryInt(chi.URLParam(r, name))
}

func queryInt(raw string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func queryTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", validationError("invalid time"), err)
	}
	return t, nil
}
