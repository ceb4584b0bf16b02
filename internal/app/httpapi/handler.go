// Package httpapi exposes the registry engines over a REST API.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	app "github.com/verdant-network/carbon-registry/internal/app"
	"github.com/verdant-network/carbon-registry/internal/app/domain/issuance"
	"github.com/verdant-network/carbon-registry/internal/app/events"
	"github.com/verdant-network/carbon-registry/internal/app/ledger"
	"github.com/verdant-network/carbon-registry/internal/app/metrics"
	issuancesvc "github.com/verdant-network/carbon-registry/internal/app/services/issuance"
	marketsvc "github.com/verdant-network/carbon-registry/internal/app/services/market"
	stakingsvc "github.com/verdant-network/carbon-registry/internal/app/services/staking"
	validatorsvc "github.com/verdant-network/carbon-registry/internal/app/services/validator"
	"github.com/verdant-network/carbon-registry/internal/app/storage"
)

// handler bundles HTTP endpoints for the registry engines.
type handler struct {
	app        *app.Application
	adminToken string
}

// NewHandler returns a router exposing the REST API. adminToken guards the
// /admin subtree; an empty token disables it.
func NewHandler(application *app.Application, adminToken string) http.Handler {
	h := &handler{app: application, adminToken: adminToken}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/listings", func(r chi.Router) {
		r.Post("/", h.createListing)
		r.Get("/", h.listListings)
		r.Get("/{id}", h.getListing)
		r.Post("/{id}/purchase", h.purchaseListing)
		r.Post("/{id}/cancel", h.cancelListing)
	})

	r.Route("/staking", func(r chi.Router) {
		r.Post("/stake", h.stake)
		r.Post("/unstake", h.unstake)
		r.Post("/claim", h.claimYield)
		r.Post("/distribute", h.distributeYield)
		r.Get("/positions/{participant}", h.getPosition)
		r.Get("/positions/{participant}/pending", h.getPending)
		r.Get("/total", h.totalStaked)
	})

	r.Route("/issuance", func(r chi.Router) {
		r.Post("/mint", h.mint)
		r.Post("/mint-batch", h.mintBatch)
		r.Get("/commitments/{hash}", h.getCommitment)
		r.Get("/projects/{id}", h.getProjectIssued)
	})

	r.Route("/validators", func(r chi.Router) {
		r.Post("/", h.registerValidator)
		r.Get("/", h.listValidators)
		r.Get("/{id}", h.getValidator)
		r.Post("/{id}/stake", h.increaseStake)
		r.Post("/{id}/unregister", h.unregisterValidator)
		r.Post("/{id}/claim", h.claimReward)
		r.Post("/proofs", h.submitProofs)
	})

	r.Get("/journal", h.listJournal)
	r.Get("/events", h.listEvents)
	r.Get("/events/ws", h.streamEvents)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Post("/market/fee", h.setMarketFee)
		r.Post("/market/fee-recipient", h.setFeeRecipient)
		r.Post("/staking/yield-rate", h.setYieldRate)
		r.Post("/staking/distributors", h.setDistributor)
		r.Post("/validators/reward", h.setRewardPerProof)
		r.Post("/validators/submitters", h.setSubmitter)
	})

	return metrics.InstrumentHandler(r)
}

// --- market -----------------------------------------------------------------

func (h *handler) createListing(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Seller     string `json:"seller"`
		Amount     int64  `json:"amount"`
		UnitPrice  int64  `json:"unit_price"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	listing, err := h.app.Market.CreateListing(r.Context(), payload.Seller, payload.Amount, payload.UnitPrice, payload.TTLSeconds)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, listing)
}

func (h *handler) listListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.app.Market.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (h *handler) getListing(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	listing, err := h.app.Market.GetListing(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *handler) purchaseListing(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		Buyer string `json:"buyer"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := h.app.Market.Purchase(r.Context(), id, payload.Buyer)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (h *handler) cancelListing(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var payload struct {
		Caller string `json:"caller"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.app.Market.Cancel(r.Context(), id, payload.Caller); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- staking ----------------------------------------------------------------

func (h *handler) stake(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Participant string `json:"participant"`
		Amount      int64  `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.app.Staking.Stake(r.Context(), payload.Participant, payload.Amount); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) unstake(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Participant string `json:"participant"`
		Amount      int64  `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.app.Staking.Unstake(r.Context(), payload.Participant, payload.Amount); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) claimYield(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Participant string `json:"participant"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	reward, err := h.app.Staking.ClaimYield(r.Context(), payload.Participant)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reward": reward})
}

func (h *handler) distributeYield(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Submitter    string   `json:"submitter"`
		Participants []string `json:"participants"`
		Amounts      []int64  `json:"amounts"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.app.Staking.DistributeYield(r.Context(), payload.Submitter, payload.Participants, payload.Amounts); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.app.Staking.GetPosition(r.Context(), chi.URLParam(r, "participant"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (h *handler) getPending(w http.ResponseWriter, r *http.Request) {
	pending, err := h.app.Staking.PendingOf(r.Context(), chi.URLParam(r, "participant"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"pending": pending})
}

func (h *handler) totalStaked(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{"total_staked": h.app.Staking.TotalStaked()})
}

// --- issuance ---------------------------------------------------------------

type mintPayload struct {
	To           string   `json:"to"`
	Amount       int64    `json:"amount"`
	Proof        []byte   `json:"proof"`
	PublicInputs []string `json:"public_inputs"`
	Commitment   string   `json:"commitment"`
	ProjectID    string   `json:"project_id"`
	Validator    string   `json:"validator"`
}

func (h *handler) mint(w http.ResponseWriter, r *http.Request) {
	var payload mintPayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := h.app.Issuance.Mint(r.Context(), issuance.MintRequest{
		To:           payload.To,
		Amount:       payload.Amount,
		Proof:        payload.Proof,
		PublicInputs: payload.PublicInputs,
		Commitment:   payload.Commitment,
		ProjectID:    payload.ProjectID,
		Validator:    payload.Validator,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) mintBatch(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Entries []mintPayload `json:"entries"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	n := len(payload.Entries)
	tos := make([]string, n)
	amounts := make([]int64, n)
	proofs := make([][]byte, n)
	inputs := make([][]string, n)
	commitments := make([]string, n)
	projects := make([]string, n)
	validators := make([]string, n)
	for i, e := range payload.Entries {
		tos[i] = e.To
		amounts[i] = e.Amount
		proofs[i] = e.Proof
		inputs[i] = e.PublicInputs
		commitments[i] = e.Commitment
		projects[i] = e.ProjectID
		validators[i] = e.Validator
	}

	if err := h.app.Issuance.MintBatch(r.Context(), tos, amounts, proofs, inputs, commitments, projects, validators); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) getCommitment(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	used, err := h.app.Issuance.CommitmentUsed(r.Context(), hash)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	resp := map[string]interface{}{"used": used}
	if used {
		validator, err := h.app.Issuance.ValidatorOf(r.Context(), hash)
		if err == nil && validator != "" {
			resp["validator"] = validator
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) getProjectIssued(w http.ResponseWriter, r *http.Request) {
	total, err := h.app.Issuance.ProjectIssued(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"issued": total})
}

// --- validators -------------------------------------------------------------

func (h *handler) registerValidator(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.app.Validators.Register(r.Context(), payload.ID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) listValidators(w http.ResponseWriter, r *http.Request) {
	validators, err := h.app.Validators.ActiveValidators(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, validators)
}

func (h *handler) getValidator(w http.ResponseWriter, r *http.Request) {
	v, err := h.app.Validators.GetValidator(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handler) increaseStake(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Amount int64 `json:"amount"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.app.Validators.IncreaseStake(r.Context(), chi.URLParam(r, "id"), payload.Amount); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) unregisterValidator(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Validators.Unregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) claimReward(w http.ResponseWriter, r *http.Request) {
	reward, err := h.app.Validators.ClaimReward(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reward": reward})
}

func (h *handler) submitProofs(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Submitter  string   `json:"submitter"`
		Validators []string `json:"validators"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	submitted, err := h.app.Validators.BatchSubmitProof(r.Context(), payload.Submitter, payload.Validators)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"submitted": submitted})
}

// --- journal & events -------------------------------------------------------

func (h *handler) listJournal(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.app.Journal.ListEntries(r.Context(), r.URL.Query().Get("party"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}

	var evts []events.Event
	if t := r.URL.Query().Get("type"); t != "" {
		evts = h.app.Events.RecentByType(events.Type(t), limit)
	} else {
		evts = h.app.Events.Recent(limit)
	}
	if evts == nil {
		evts = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evts)
}

// --- admin ------------------------------------------------------------------

func (h *handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminToken == "" || r.Header.Get("X-Admin-Token") != h.adminToken {
			writeError(w, http.StatusUnauthorized, errors.New("admin token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handler) setMarketFee(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller string `json:"caller"`
		FeeBps int64  `json:"fee_bps"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Market.SetFeeBps(payload.Caller, payload.FeeBps); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setFeeRecipient(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller    string `json:"caller"`
		Recipient string `json:"recipient"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Market.SetFeeRecipient(payload.Caller, payload.Recipient); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setYieldRate(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller string `json:"caller"`
		Rate   int64  `json:"yield_per_second"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Staking.SetYieldPerSecond(payload.Caller, payload.Rate); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setDistributor(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller      string `json:"caller"`
		Distributor string `json:"distributor"`
		Allowed     bool   `json:"allowed"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Staking.SetDistributor(payload.Caller, payload.Distributor, payload.Allowed); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setRewardPerProof(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller string `json:"caller"`
		Reward int64  `json:"reward_per_proof"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Validators.SetRewardPerProof(payload.Caller, payload.Reward); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setSubmitter(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Caller    string `json:"caller"`
		Submitter string `json:"submitter"`
		Allowed   bool   `json:"allowed"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.app.Validators.SetSubmitter(payload.Caller, payload.Submitter, payload.Allowed); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, marketsvc.ErrNotOwner),
		errors.Is(err, stakingsvc.ErrNotOwner),
		errors.Is(err, issuancesvc.ErrNotOwner),
		errors.Is(err, validatorsvc.ErrNotOwner),
		errors.Is(err, stakingsvc.ErrNotAuthorized),
		errors.Is(err, validatorsvc.ErrNotAuthorized),
		errors.Is(err, marketsvc.ErrNotSeller):
		return http.StatusForbidden
	case errors.Is(err, issuancesvc.ErrCommitmentUsed),
		errors.Is(err, storage.ErrCommitmentExists),
		errors.Is(err, validatorsvc.ErrAlreadyRegistered),
		errors.Is(err, marketsvc.ErrAlreadyInactive):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance),
		errors.Is(err, stakingsvc.ErrInsufficientPrincipal):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
