package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	app "github.com/verdant-network/carbon-registry/internal/app"
	"github.com/verdant-network/carbon-registry/internal/app/events"
	"github.com/verdant-network/carbon-registry/internal/app/ledger"
	"github.com/verdant-network/carbon-registry/internal/app/services/issuance"
	"github.com/verdant-network/carbon-registry/internal/app/services/market"
	"github.com/verdant-network/carbon-registry/internal/app/services/staking"
	"github.com/verdant-network/carbon-registry/internal/app/services/validator"
	"github.com/verdant-network/carbon-registry/internal/app/storage/memory"
)

func newTestHandler(t *testing.T) (http.Handler, *ledger.MemoryLedger, *ledger.MemoryLedger) {
	t.Helper()

	credits := ledger.NewMemoryLedger()
	stable := ledger.NewMemoryLedger()
	store := memory.New()

	verifier := issuance.VerifierFunc(func(context.Context, []byte, []string) (bool, error) {
		return true, nil
	})

	application, err := app.New(context.Background(), credits, stable, app.Stores{
		Market:    store,
		Staking:   store,
		Issuance:  store,
		Validator: store,
		Journal:   store,
	}, app.Config{
		Owner: "owner",
		Market: market.Config{
			EscrowAccount: "escrow",
			FeeRecipient:  "treasury",
			FeeBps:        250,
		},
		Staking:  staking.Config{PoolAccount: "pool"},
		Issuance: issuance.Config{},
		Validator: validator.Config{
			BondAccount:    "bond",
			RewardTreasury: "rewards",
			MinStake:       1000,
			RewardPerProof: 10,
		},
	}, verifier, events.NewRingBuffer(100), nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}

	return NewHandler(application, "secret"), credits, stable
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status: %d", rec.Code)
	}
}

func TestListingLifecycleOverHTTP(t *testing.T) {
	h, credits, stable := newTestHandler(t)
	credits.SetBalance("alice", 100)
	stable.SetBalance("bob", 2000)

	rec := doJSON(t, h, http.MethodPost, "/listings", map[string]interface{}{
		"seller": "alice", "amount": 100, "unit_price": 10, "ttl_seconds": 0,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create listing: %d %s", rec.Code, rec.Body.String())
	}

	var listing struct {
		ID uint64
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if listing.ID != 1 {
		t.Fatalf("listing id: %d", listing.ID)
	}

	rec = doJSON(t, h, http.MethodPost, "/listings/1/purchase", map[string]string{"buyer": "bob"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("purchase: %d %s", rec.Code, rec.Body.String())
	}
	var sale struct {
		Fee            int64
		SellerProceeds int64
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &sale); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if sale.Fee != 25 || sale.SellerProceeds != 975 {
		t.Fatalf("sale: fee=%d proceeds=%d", sale.Fee, sale.SellerProceeds)
	}

	// Replaying the purchase conflicts with the inactive listing.
	rec = doJSON(t, h, http.MethodPost, "/listings/1/purchase", map[string]string{"buyer": "bob"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second purchase status: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/listings/404", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing listing status: %d", rec.Code)
	}
}

func TestMintOverHTTP(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/issuance/mint", map[string]interface{}{
		"to":            "wallet",
		"amount":        500,
		"public_inputs": []string{"10", "1", "2", "3", "4"},
		"commitment":    "0x0a",
		"project_id":    "forest-1",
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("mint: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/issuance/commitments/0x0a", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("commitment read: %d", rec.Code)
	}
	var status struct {
		Used bool `json:"used"`
	}
	json.Unmarshal(rec.Body.Bytes(), &status)
	if !status.Used {
		t.Fatalf("commitment should be consumed")
	}

	// Replay is a conflict.
	rec = doJSON(t, h, http.MethodPost, "/issuance/mint", map[string]interface{}{
		"to":            "wallet",
		"amount":        500,
		"public_inputs": []string{"10", "1", "2", "3", "4"},
		"commitment":    "0x0a",
		"project_id":    "forest-1",
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay status: %d", rec.Code)
	}
}

func TestStakingOverHTTP(t *testing.T) {
	h, credits, _ := newTestHandler(t)
	credits.SetBalance("alice", 1000)

	rec := doJSON(t, h, http.MethodPost, "/staking/stake", map[string]interface{}{
		"participant": "alice", "amount": 600,
	}, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("stake: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/staking/total", nil, nil)
	var total struct {
		TotalStaked int64 `json:"total_staked"`
	}
	json.Unmarshal(rec.Body.Bytes(), &total)
	if total.TotalStaked != 600 {
		t.Fatalf("total staked: %d", total.TotalStaked)
	}

	rec = doJSON(t, h, http.MethodPost, "/staking/unstake", map[string]interface{}{
		"participant": "alice", "amount": 700,
	}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("over-unstake status: %d", rec.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	h, _, _ := newTestHandler(t)

	body := map[string]interface{}{"caller": "owner", "fee_bps": 100}

	rec := doJSON(t, h, http.MethodPost, "/admin/market/fee", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPost, "/admin/market/fee", body, map[string]string{"X-Admin-Token": "secret"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("admin set fee: %d %s", rec.Code, rec.Body.String())
	}

	// Owner gating still applies behind the token.
	rec = doJSON(t, h, http.MethodPost, "/admin/market/fee",
		map[string]interface{}{"caller": "mallory", "fee_bps": 100},
		map[string]string{"X-Admin-Token": "secret"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner status: %d", rec.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	h, credits, _ := newTestHandler(t)
	credits.SetBalance("alice", 100)

	doJSON(t, h, http.MethodPost, "/listings", map[string]interface{}{
		"seller": "alice", "amount": 100, "unit_price": 10,
	}, nil)

	rec := doJSON(t, h, http.MethodGet, "/events?type=listing.created", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: %d", rec.Code)
	}
	var evts []events.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &evts); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != events.ListingCreated {
		t.Fatalf("unexpected events: %+v", evts)
	}

	rec = doJSON(t, h, http.MethodGet, "/journal?party=alice", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("journal: %d", rec.Code)
	}
}

func TestEventStreamOverWebsocket(t *testing.T) {
	h, credits, _ := newTestHandler(t)
	credits.SetBalance("alice", 1000)

	srv := httptest.NewServer(h)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	received := make(chan events.Event, 1)
	go func() {
		var e events.Event
		if err := conn.ReadJSON(&e); err == nil {
			received <- e
		}
	}()

	// The subscription lands moments after the handshake completes, so keep
	// emitting until a frame comes back.
	deadline := time.After(5 * time.Second)
	for {
		rec := doJSON(t, h, http.MethodPost, "/listings", map[string]interface{}{
			"seller": "alice", "amount": 1, "unit_price": 1,
		}, nil)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create listing: %d %s", rec.Code, rec.Body.String())
		}
		select {
		case e := <-received:
			if e.Type != events.ListingCreated {
				t.Fatalf("streamed event type: %s", e.Type)
			}
			if e.ID == "" {
				t.Fatalf("streamed event missing id")
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no event frame before deadline")
		}
	}
}
