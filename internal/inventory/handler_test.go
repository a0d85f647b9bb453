package inventory

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-inventory/internal/platform/httpx"
)

func newTestRouter(t *testing.T, env *testEnv) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(nil, env.svc).MountRoutes(r)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandlerApplyTransaction(t *testing.T) {
	env := newTestEnv(t, thresholdItem(false))
	h := newTestRouter(t, env)

	rec := doJSON(t, h, http.MethodPost, "/transactions",
		`{"type":"receipt","item_id":5,"warehouse_id":1,"quantity":"30","idempotency_key":"gr-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decodeBody[transactionResponse](t, rec)
	requireQty(t, "30", resp.Inventory.QuantityOnHand)
	require.Equal(t, int64(42), resp.Transaction.CreatedBy)

	rec = doJSON(t, h, http.MethodPost, "/transactions",
		`{"type":"receipt","item_id":5,"warehouse_id":1,"quantity":"30","idempotency_key":"gr-1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/transactions?item_id=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]Transaction](t, rec), 1)

	rec = doJSON(t, h, http.MethodGet, "/items/5/stock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	requireQty(t, "30", decodeBody[StockSummary](t, rec).QuantityOnHand)
}

func TestHandlerRejectsInvalidBodies(t *testing.T) {
	env := newTestEnv(t, thresholdItem(false))
	h := newTestRouter(t, env)

	cases := map[string]string{
		"malformed":    `{"type":`,
		"unknown type": `{"type":"gift","item_id":5,"warehouse_id":1,"quantity":"1"}`,
		"missing item": `{"type":"receipt","warehouse_id":1,"quantity":"1"}`,
		"bad ref":      `{"type":"receipt","item_id":5,"warehouse_id":1,"quantity":"1","ref_id":"po-1"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/transactions", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			problem := decodeBody[httpx.ProblemDetail](t, rec)
			require.Equal(t, http.StatusBadRequest, problem.Status)
		})
	}

	rec := doJSON(t, h, http.MethodPost, "/transactions", `{"type":"issue","item_id":5,"warehouse_id":1,"quantity":"1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlerLotLifecycle(t *testing.T) {
	env := newTestEnv(t, fabric())
	h := newTestRouter(t, env)

	rec := doJSON(t, h, http.MethodPost, "/lots", `{"item_id":1,"warehouse_id":1,"quantity":"100"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	lot := decodeBody[receiveLotResponse](t, rec).Lot
	require.Equal(t, "FAB-20261019-001", lot.LotNumber)

	path := "/lots/" + itoa(lot.ID)
	rec = doJSON(t, h, http.MethodPost, path+"/split", `{"split_quantity":"30"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	split := decodeBody[LotSplit](t, rec)
	requireQty(t, "70", split.Original.RemainingQuantity)

	rec = doJSON(t, h, http.MethodPost, path+"/split", `{"split_quantity":"70"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, h, http.MethodGet, path+"/lineage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	totals := decodeBody[LineageTotals](t, rec)
	requireQty(t, "30", totals.DescendantTotal)
	require.Equal(t, 1, totals.Descendants)

	rec = doJSON(t, h, http.MethodGet, "/lots/"+itoa(split.Split.ID)+"/ancestors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]Lot](t, rec), 1)

	rec = doJSON(t, h, http.MethodPut, path+"/quality", `{"status":"approved"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, QualityApproved, decodeBody[Lot](t, rec).QualityStatus)

	rec = doJSON(t, h, http.MethodDelete, path, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/lots/999", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerUnitsAndCapabilities(t *testing.T) {
	plain := Item{ID: 2, Code: "BTN", Name: "Button", TrackBatches: true}
	env := newTestEnv(t, fabric(), plain)
	h := newTestRouter(t, env)
	lot := receiveLot(t, env, 1, "50")

	rec := doJSON(t, h, http.MethodPost, "/units", `{"lot_id":`+itoa(lot.ID)+`,"quantity":"10"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	unit := decodeBody[UnitWithSerial](t, rec)
	require.NotNil(t, unit.Serial)

	rec = doJSON(t, h, http.MethodPost, "/units/"+itoa(unit.Unit.ID)+"/split", `{"split_quantity":"4"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/units/"+itoa(unit.Unit.ID)+"/children", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeBody[[]SerializedUnit](t, rec), 1)

	other := receiveLot(t, env, 2, "10")
	rec = doJSON(t, h, http.MethodPost, "/lots/"+itoa(other.ID)+"/split", `{"split_quantity":"4"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, rec.Header().Get("Retry-After"))
}

func TestHandlerAlerts(t *testing.T) {
	env := newTestEnv(t, thresholdItem(false))
	h := newTestRouter(t, env)
	move(t, env, TransactionTypeReceipt, "12")

	rec := doJSON(t, h, http.MethodGet, "/alerts?item_id=5&active=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := decodeBody[[]Alert](t, rec)
	require.Len(t, alerts, 1)

	rec = doJSON(t, h, http.MethodPost, "/alerts/"+itoa(alerts[0].ID)+"/acknowledge", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(42), decodeBody[Alert](t, rec).AcknowledgedBy)

	rec = doJSON(t, h, http.MethodPost, "/alerts/"+itoa(alerts[0].ID)+"/resolve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodPost, "/alerts/"+itoa(alerts[0].ID)+"/resolve", "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHTTPErrorMapsClasses(t *testing.T) {
	require.ErrorIs(t, HTTPError(ErrNegativeStock), httpx.ErrUnprocessable)
	require.ErrorIs(t, HTTPError(ErrNegativeStock), ErrNegativeStock)
	require.ErrorIs(t, HTTPError(ErrLotNotFound), httpx.ErrNotFound)
	require.ErrorIs(t, HTTPError(ErrSplitNotAllowed), httpx.ErrConflict)
	require.ErrorIs(t, HTTPError(ErrConcurrencyConflict), httpx.ErrBusy)
	require.Equal(t, ErrStorage, HTTPError(ErrStorage))
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
