package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beradigm/bao-contracts/config"
	"github.com/beradigm/bao-contracts/native/vault"
	"github.com/beradigm/bao-contracts/storage/vaultstore"
)

// journalBank records outgoing transfer instructions in the structured log.
// Settlement happens out of band: the operator executes the journaled
// transfers against the custody wallet and reconciles with /ledger.csv.
type journalBank struct{}

func (journalBank) Transfer(asset string, to [20]byte, amount *big.Int) error {
	slog.Info("custody.transfer",
		slog.String("asset", asset),
		slog.String("to", hex.EncodeToString(to[:])),
		slog.String("amount", amount.String()))
	return nil
}

func (journalBank) BalanceOf(asset string) (*big.Int, error) {
	return big.NewInt(0), nil
}

type server struct {
	engine *vault.Engine
	source *vault.ManualPriceSource
	store  *vaultstore.Store
	logger *slog.Logger
}

func newServer(engine *vault.Engine, source *vault.ManualPriceSource, store *vaultstore.Store, logger *slog.Logger) *server {
	return &server{engine: engine, source: source, store: store, logger: logger}
}

func (s *server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/ledger.csv", s.handleLedgerCSV)
	r.Get("/contributors/{address}", s.handleContributor)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/deposits", s.handleDeposit)
	r.Post("/otc", s.handleOTC)
	r.Post("/otc/reverse", s.handleOTCReverse)
	r.Post("/refunds", s.handleRefund)
	r.Post("/finalize", s.handleFinalize)
	r.Post("/revaluations", s.handleRevaluation)
	r.Post("/admin/prices", s.handlePrice)

	return r
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	AggregateUSD       string   `json:"aggregateUsd"`
	GoalUSD            string   `json:"goalUsd"`
	GoalReached        bool     `json:"goalReached"`
	Finalized          bool     `json:"finalized"`
	RevaluationEnabled bool     `json:"revaluationEnabled"`
	Deadline           int64    `json:"deadline"`
	ActiveTokens       []string `json:"activeTokens"`
	WhitelistSize      int      `json:"whitelistSize"`
	SnapshotID         string   `json:"snapshotId,omitempty"`
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		AggregateUSD:       s.engine.Aggregate().String(),
		GoalUSD:            s.engine.Goal().String(),
		GoalReached:        s.engine.GoalReached(),
		Finalized:          s.engine.Finalized(),
		RevaluationEnabled: s.engine.RevaluationEnabled(),
		Deadline:           s.engine.Deadline(),
		ActiveTokens:       s.engine.ActiveTokens(),
		WhitelistSize:      len(s.engine.WhitelistMembers()),
	}
	if snapshot := s.engine.Snapshot(); snapshot != nil {
		resp.SnapshotID = hex.EncodeToString(snapshot.ID[:])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleLedgerCSV(w http.ResponseWriter, _ *http.Request) {
	payload, err := s.engine.ExportLedgerCSV()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type contributorResponse struct {
	Address     string `json:"address"`
	Index       uint32 `json:"index"`
	TierDivisor uint32 `json:"tierDivisor"`
	BalanceUSD  string `json:"balanceUsd"`
	LiveUSD     string `json:"liveUsd"`
	CachedAt    int64  `json:"cachedAt"`
	Refunded    bool   `json:"refunded"`
	Deposits    int    `json:"deposits"`
}

func (s *server) handleContributor(w http.ResponseWriter, r *http.Request) {
	addr, err := config.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	contributor, ok := s.engine.ContributorOf(addr)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "contributor not found"})
		return
	}
	writeJSON(w, http.StatusOK, contributorResponse{
		Address:     hex.EncodeToString(contributor.Addr[:]),
		Index:       contributor.Index,
		TierDivisor: contributor.TierDivisor,
		BalanceUSD:  contributor.BalanceUSD.String(),
		LiveUSD:     s.engine.LiveUSDValue(addr).String(),
		CachedAt:    contributor.CachedAt,
		Refunded:    contributor.Refunded,
		Deposits:    len(s.engine.DepositsOf(addr)),
	})
}

type depositRequest struct {
	From   string `json:"from"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (s *server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	from, err := config.ParseAddress(req.From)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
		return
	}
	if req.Asset == "" || req.Asset == vault.NativeAsset {
		err = s.engine.DepositNative(from, amount)
	} else {
		err = s.engine.DepositToken(from, req.Asset, amount)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"aggregateUsd": s.engine.Aggregate().String(),
	})
}

type otcRequest struct {
	Caller      string `json:"caller"`
	Contributor string `json:"contributor"`
	USDValue    string `json:"usdValue"`
}

func (s *server) handleOTC(w http.ResponseWriter, r *http.Request) {
	var req otcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	caller, err := config.ParseAddress(req.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	contributor, err := config.ParseAddress(req.Contributor)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	value, ok := new(big.Int).SetString(req.USDValue, 10)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid usdValue"})
		return
	}
	receiptID, err := s.engine.RecordOTC(caller, contributor, value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"receiptId": receiptID})
}

type otcReverseRequest struct {
	Caller    string `json:"caller"`
	ReceiptID string `json:"receiptId"`
}

func (s *server) handleOTCReverse(w http.ResponseWriter, r *http.Request) {
	var req otcReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	caller, err := config.ParseAddress(req.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.ReverseOTC(caller, req.ReceiptID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reversed"})
}

type refundRequest struct {
	Caller string `json:"caller"`
}

func (s *server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	caller, err := config.ParseAddress(req.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.Refund(caller); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refunded"})
}

// journalShareRegistry records share mints in the structured log. The actual
// token issuance runs out of band against the persisted allocation snapshot.
type journalShareRegistry struct {
	total *big.Int
	byPos map[uint32]*big.Int
}

func newJournalShareRegistry() *journalShareRegistry {
	return &journalShareRegistry{total: big.NewInt(0), byPos: make(map[uint32]*big.Int)}
}

func (j *journalShareRegistry) Mint(recipient [20]byte, positionID uint32, shares *big.Int) error {
	minted := new(big.Int).Set(shares)
	j.byPos[positionID] = minted
	j.total.Add(j.total, minted)
	slog.Info("shares.mint",
		slog.String("recipient", hex.EncodeToString(recipient[:])),
		slog.Uint64("positionId", uint64(positionID)),
		slog.String("shares", minted.String()))
	return nil
}

func (j *journalShareRegistry) SetPositionMetadata(positionID uint32, descriptor string) error {
	slog.Info("shares.metadata",
		slog.Uint64("positionId", uint64(positionID)),
		slog.String("descriptor", descriptor))
	return nil
}

func (j *journalShareRegistry) TotalShares() (*big.Int, error) {
	return new(big.Int).Set(j.total), nil
}

func (j *journalShareRegistry) SharesOf(positionID uint32) (*big.Int, error) {
	shares, ok := j.byPos[positionID]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(shares), nil
}

type finalizeRequest struct {
	Caller string `json:"caller"`
}

func (s *server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	caller, err := config.ParseAddress(req.Caller)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	snapshot, err := s.engine.Finalize(caller, newJournalShareRegistry())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.store != nil {
		if err := s.store.SaveSnapshot(snapshot); err != nil {
			s.logger.Error("Failed to persist allocation snapshot", slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"snapshotId":  hex.EncodeToString(snapshot.ID[:]),
		"totalShares": snapshot.TotalShares.String(),
		"allocations": strconv.Itoa(len(snapshot.Allocations)),
	})
}

func (s *server) handleRevaluation(w http.ResponseWriter, _ *http.Request) {
	aggregate, err := s.engine.RefreshAggregate()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"aggregateUsd": aggregate.String()})
}

type priceRequest struct {
	FeedID      string `json:"feedId"`
	Mantissa    int64  `json:"mantissa"`
	Exponent    int32  `json:"exponent"`
	Confidence  uint64 `json:"confidence"`
	PublishTime int64  `json:"publishTime"`
}

func (s *server) handlePrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.FeedID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "feedId required"})
		return
	}
	s.source.Set(req.FeedID, vault.PriceData{
		Mantissa:    req.Mantissa,
		Exponent:    req.Exponent,
		Confidence:  req.Confidence,
		PublishTime: req.PublishTime,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *server) persistLedger() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveLedger(s.engine.LedgerState()); err != nil {
		return err
	}
	snapshot := s.engine.Snapshot()
	if snapshot == nil {
		return nil
	}
	if _, err := s.store.LoadSnapshot(); err == nil {
		return nil
	} else if !errors.Is(err, vaultstore.ErrNotFound) {
		return err
	}
	return s.store.SaveSnapshot(snapshot)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps engine sentinels onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vault.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, vault.ErrZeroDeposit),
		errors.Is(err, vault.ErrAssetNotAccepted),
		errors.Is(err, vault.ErrBelowMinimum),
		errors.Is(err, vault.ErrTierMismatch):
		status = http.StatusBadRequest
	case errors.Is(err, vault.ErrNotWhitelisted):
		status = http.StatusForbidden
	case errors.Is(err, vault.ErrCapExceeded),
		errors.Is(err, vault.ErrGoalAlreadyReached),
		errors.Is(err, vault.ErrGoalNotReached),
		errors.Is(err, vault.ErrDeadlinePassed),
		errors.Is(err, vault.ErrDeadlineNotPassed),
		errors.Is(err, vault.ErrAlreadyFinalized),
		errors.Is(err, vault.ErrAlreadyRefunded),
		errors.Is(err, vault.ErrNothingToRefund),
		errors.Is(err, vault.ErrReentrantCall):
		status = http.StatusConflict
	case errors.Is(err, vault.ErrStalePrice),
		errors.Is(err, vault.ErrLowConfidence):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
