package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/team-noonchissaum/IgLoo-sub001/services/settlement/internal/storage"
	"github.com/team-noonchissaum/IgLoo-sub001/services/testutil"
)

var testSecret = []byte("test-secret")

type stubSettler struct {
	calls  []uuid.UUID
	result storage.SettleResult
	err    error
}

func (s *stubSettler) Settle(_ context.Context, orderID uuid.UUID) (storage.SettleResult, error) {
	s.calls = append(s.calls, orderID)
	return s.result, s.err
}

func newRouter(t *testing.T, settler *stubSettler) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	New(settler, nil).Register(router, testSecret)
	return router
}

func userToken(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := testutil.GenerateJWT(userID, testSecret, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func TestSettleOrderEndpointCreates(t *testing.T) {
	orderID := uuid.New()
	stub := &stubSettler{result: storage.SettleResult{Settlement: storage.Settlement{
		ID:          uuid.New(),
		OrderID:     orderID,
		GrossAmount: decimal.NewFromInt(12345),
		FeeAmount:   decimal.NewFromInt(1234),
		NetAmount:   decimal.NewFromInt(11111),
		Status:      storage.SettlementStatusCompleted,
	}}}
	router := newRouter(t, stub)

	rec := testutil.MakeAuthRequest(router, http.MethodPost, "/settlements/"+orderID.String(), nil, userToken(t, uuid.New()))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		OrderID   string `json:"order_id"`
		FeeAmount string `json:"fee_amount"`
		NetAmount string `json:"net_amount"`
		Replayed  bool   `json:"replayed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OrderID != orderID.String() {
		t.Fatalf("order_id = %s, want %s", resp.OrderID, orderID)
	}
	if resp.FeeAmount != "1234" || resp.NetAmount != "11111" {
		t.Fatalf("fee/net = %s/%s", resp.FeeAmount, resp.NetAmount)
	}
	if resp.Replayed {
		t.Fatal("fresh settlement reported as replayed")
	}
	if len(stub.calls) != 1 || stub.calls[0] != orderID {
		t.Fatalf("settler calls = %v", stub.calls)
	}
}

func TestSettleOrderEndpointReplayReturnsOK(t *testing.T) {
	orderID := uuid.New()
	stub := &stubSettler{result: storage.SettleResult{
		Settlement:       storage.Settlement{ID: uuid.New(), OrderID: orderID, Status: storage.SettlementStatusCompleted},
		AlreadyProcessed: true,
	}}
	router := newRouter(t, stub)

	rec := testutil.MakeAuthRequest(router, http.MethodPost, "/settlements/"+orderID.String(), nil, userToken(t, uuid.New()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestSettleOrderEndpointRequiresAuth(t *testing.T) {
	router := newRouter(t, &stubSettler{})

	rec := testutil.MakeAPIRequest(router, http.MethodPost, "/settlements/"+uuid.NewString(), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSettleOrderEndpointErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", storage.ErrOrderNotFound, http.StatusNotFound, "ORDER_NOT_FOUND"},
		{"bad status", storage.ErrInvalidOrderStatus, http.StatusConflict, "INVALID_ORDER_STATUS_FOR_SETTLEMENT"},
		{"bad amount", storage.ErrInvalidOrderAmount, http.StatusUnprocessableEntity, "INVALID_ORDER_AMOUNT"},
		{"bad buyer", storage.ErrUserNotFound, http.StatusUnprocessableEntity, "USER_NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(t, &stubSettler{err: tc.err})

			rec := testutil.MakeAuthRequest(router, http.MethodPost, "/settlements/"+uuid.NewString(), nil, userToken(t, uuid.New()))
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var resp struct {
				Code string `json:"code"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Code != tc.wantCode {
				t.Fatalf("code = %s, want %s", resp.Code, tc.wantCode)
			}
		})
	}
}

func TestSettleOrderEndpointRejectsBadID(t *testing.T) {
	router := newRouter(t, &stubSettler{})

	rec := testutil.MakeAuthRequest(router, http.MethodPost, "/settlements/not-a-uuid", nil, userToken(t, uuid.New()))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
