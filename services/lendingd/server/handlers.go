package server

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"senja/crypto"
	"senja/native/lending"
	"senja/native/settlement"
	"senja/services/lendingd/storage"
)

type poolView struct {
	ID                   string `json:"id"`
	CollateralToken      string `json:"collateralToken"`
	BorrowToken          string `json:"borrowToken"`
	LTV                  string `json:"ltv"`
	LiquidationIncentive string `json:"liquidationIncentive"`
	CloseFactor          string `json:"closeFactor"`
	ProtocolFee          string `json:"protocolFee"`
	TotalSupplyAssets    Amount `json:"totalSupplyAssets"`
	TotalSupplyShares    string `json:"totalSupplyShares"`
	TotalBorrowAssets    Amount `json:"totalBorrowAssets"`
	TotalBorrowShares    string `json:"totalBorrowShares"`
	Available            Amount `json:"available"`
	ProtocolFees         Amount `json:"protocolFees"`
	BadDebt              Amount `json:"badDebt"`
	LastAccrual          uint64 `json:"lastAccrual"`
	Utilisation          string `json:"utilisation"`
	BorrowAPR            string `json:"borrowApr"`
	SupplyAPR            string `json:"supplyApr"`
}

func newPoolView(snap lending.PoolSnapshot) poolView {
	p := snap.Params
	decimals := p.BorrowDecimals
	return poolView{
		ID:                   p.ID.String(),
		CollateralToken:      p.CollateralToken,
		BorrowToken:          p.BorrowToken,
		LTV:                  wadString(p.LTV),
		LiquidationIncentive: wadString(p.LiquidationIncentive),
		CloseFactor:          wadString(p.CloseFactor),
		ProtocolFee:          wadString(p.ProtocolFee),
		TotalSupplyAssets:    newAmount(snap.State.TotalSupplyAssets, decimals),
		TotalSupplyShares:    bigString(snap.State.TotalSupplyShares),
		TotalBorrowAssets:    newAmount(snap.State.TotalBorrowAssets, decimals),
		TotalBorrowShares:    bigString(snap.State.TotalBorrowShares),
		Available:            newAmount(snap.State.Available(), decimals),
		ProtocolFees:         newAmount(snap.State.ProtocolFees, decimals),
		BadDebt:              newAmount(snap.State.BadDebt, decimals),
		LastAccrual:          snap.State.LastAccrual,
		Utilisation:          wadString(snap.Utilisation),
		BorrowAPR:            wadString(snap.BorrowAPR),
		SupplyAPR:            wadString(snap.SupplyAPR),
	}
}

func (s *Server) poolParams(w http.ResponseWriter, r *http.Request) (lending.PoolParams, bool) {
	params, err := s.engine.Params(poolID(r))
	if err != nil {
		writeEngineError(w, err)
		return lending.PoolParams{}, false
	}
	return params, true
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	ids := s.engine.Pools()
	out := make([]poolView, 0, len(ids))
	for _, id := range ids {
		snap, err := s.engine.Snapshot(id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		out = append(out, newPoolView(snap))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pools": out})
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(poolID(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(snap))
}

func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	params, ok := s.poolParams(w, r)
	if !ok {
		return
	}
	account, err := parseAddress("account", chi.URLParam(r, "account"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	pos, err := s.engine.Position(params.ID, account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	body := map[string]interface{}{
		"pool":         params.ID.String(),
		"account":      account.String(),
		"collateral":   newAmount(pos.Collateral, params.CollateralDecimals),
		"borrowShares": bigString(pos.BorrowShares),
	}
	report, err := s.engine.Health(params.ID, account)
	if err != nil {
		// Stale prices leave the position readable; health is reported as
		// unavailable rather than guessed.
		body["health"] = map[string]string{"code": string(lending.Code(err)), "message": err.Error()}
		writeJSON(w, http.StatusOK, body)
		return
	}
	body["debt"] = newAmount(report.Debt, params.BorrowDecimals)
	body["health"] = map[string]interface{}{
		"healthy":         report.Healthy,
		"healthFactor":    wadString(report.HealthFactor),
		"collateralValue": wadString(report.CollateralValue),
		"debtValue":       wadString(report.DebtValue),
		"maxDebtValue":    wadString(report.MaxDebtValue),
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) getSupply(w http.ResponseWriter, r *http.Request) {
	params, ok := s.poolParams(w, r)
	if !ok {
		return
	}
	account, err := parseAddress("account", chi.URLParam(r, "account"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	balance, err := s.engine.SupplyBalance(params.ID, account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pool":    params.ID.String(),
		"account": account.String(),
		"shares":  bigString(balance.Shares),
	})
}

func (s *Server) listBadDebt(w http.ResponseWriter, r *http.Request) {
	params, ok := s.poolParams(w, r)
	if !ok {
		return
	}
	records, err := s.engine.BadDebts(params.ID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]interface{}{
			"borrower":  rec.Borrower.String(),
			"shares":    bigString(rec.Shares),
			"assets":    newAmount(rec.Assets, params.BorrowDecimals),
			"timestamp": rec.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pool": params.ID.String(), "records": out})
}

func (s *Server) listLiquidations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "NotFound", "history not configured")
		return
	}
	params, ok := s.poolParams(w, r)
	if !ok {
		return
	}
	rows, err := s.history.Liquidations(r.Context(), params.ID.String(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(lending.CodeInternal), "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pool": params.ID.String(), "liquidations": rows})
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "NotFound", "history not configured")
		return
	}
	account, err := parseAddress("account", chi.URLParam(r, "account"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	rows, err := s.history.Activity(r.Context(), r.URL.Query().Get("pool"), account.String(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(lending.CodeInternal), "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account.String(), "events": rows})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("account", chi.URLParam(r, "account"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	token := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "token")))
	balance, err := s.engine.Balance(token, account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token, "account": account.String(), "balance": bigString(balance)})
}

type intentView struct {
	ID               string   `json:"id"`
	Pool             string   `json:"pool"`
	Borrower         string   `json:"borrower"`
	DestinationChain string   `json:"destinationChain"`
	Recipient        string   `json:"recipient"`
	Token            string   `json:"token"`
	Amount           string   `json:"amount"`
	Nonce            uint64   `json:"nonce"`
	Deadline         uint64   `json:"deadline"`
	Status           string   `json:"status"`
	Published        bool     `json:"published"`
	Reason           string   `json:"reason,omitempty"`
	History          []string `json:"history,omitempty"`
}

func newIntentView(intent *settlement.Intent) intentView {
	return intentView{
		ID:               intent.ID.String(),
		Pool:             intent.Pool,
		Borrower:         intent.BorrowerAddress().String(),
		DestinationChain: intent.DestinationChain,
		Recipient:        intent.Recipient,
		Token:            intent.Token,
		Amount:           bigString(intent.Amount),
		Nonce:            intent.Nonce,
		Deadline:         intent.Deadline,
		Status:           intent.Status.String(),
		Published:        intent.Published,
		Reason:           intent.Reason,
	}
}

func (s *Server) listIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := s.engine.PendingIntents()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]intentView, 0, len(intents))
	for _, intent := range intents {
		out = append(out, newIntentView(intent))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"intents": out})
}

func (s *Server) getIntent(w http.ResponseWriter, r *http.Request) {
	id, err := settlement.ParseIntentID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	intent, err := s.engine.Intent(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	view := newIntentView(intent)
	if s.history != nil {
		audit, err := s.history.IntentHistory(r.Context(), id.String())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("intent history unavailable", "id", id.String(), "error", err)
		}
		for _, entry := range audit {
			view.History = append(view.History, entry.Status)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type amountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type sharesRequest struct {
	Account string `json:"account"`
	Shares  string `json:"shares"`
}

// caller checks that the token subject may act for account.
func (s *Server) caller(w http.ResponseWriter, r *http.Request, account string) (crypto.Address, bool) {
	addr, err := parseAddress("account", account)
	if err != nil {
		writeBadRequest(w, err)
		return crypto.Address{}, false
	}
	if !PrincipalFromContext(r.Context()).ActsFor(addr.String()) {
		writeError(w, http.StatusForbidden, "Forbidden", "token does not authorise this account")
		return crypto.Address{}, false
	}
	return addr, true
}

func (s *Server) supply(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	account, ok := s.caller(w, r, req.Account)
	if !ok {
		return
	}
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	shares, err := s.engine.Supply(poolID(r), account, amount)
	s.observe("supply", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": bigString(shares)})
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	var req sharesRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	account, ok := s.caller(w, r, req.Account)
	if !ok {
		return
	}
	shares, err := parseAmount("shares", req.Shares, false)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	assets, err := s.engine.Withdraw(poolID(r), account, shares)
	s.observe("withdraw", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"assets": bigString(assets)})
}

func (s *Server) supplyCollateral(w http.ResponseWriter, r *http.Request) {
	s.collateral(w, r, "collateral.supply", s.engine.SupplyCollateral)
}

func (s *Server) withdrawCollateral(w http.ResponseWriter, r *http.Request) {
	s.collateral(w, r, "collateral.withdraw", s.engine.WithdrawCollateral)
}

func (s *Server) collateral(w http.ResponseWriter, r *http.Request, action string, fn func(lending.PoolID, crypto.Address, *big.Int) error) {
	var req amountRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	account, ok := s.caller(w, r, req.Account)
	if !ok {
		return
	}
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	err = fn(poolID(r), account, amount)
	s.observe(action, start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"collateral": bigString(amount)})
}

type borrowRequest struct {
	Account     string `json:"account"`
	Amount      string `json:"amount"`
	Destination *struct {
		Chain     string `json:"chain"`
		Recipient string `json:"recipient"`
	} `json:"destination,omitempty"`
}

func (s *Server) borrow(w http.ResponseWriter, r *http.Request) {
	var req borrowRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	account, ok := s.caller(w, r, req.Account)
	if !ok {
		return
	}
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var dest *lending.Destination
	if req.Destination != nil {
		dest = &lending.Destination{Chain: req.Destination.Chain, Recipient: req.Destination.Recipient}
	}
	start := time.Now()
	shares, intent, err := s.engine.Borrow(poolID(r), account, amount, dest)
	s.observe("borrow", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	body := map[string]interface{}{"shares": bigString(shares)}
	if intent != nil {
		body["intent"] = newIntentView(intent)
	}
	writeJSON(w, http.StatusOK, body)
}

type repayRequest struct {
	Account string `json:"account"`
	Payer   string `json:"payer,omitempty"`
	Shares  string `json:"shares"`
}

func (s *Server) repay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	borrower, err := parseAddress("account", req.Account)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	payerField := req.Payer
	if strings.TrimSpace(payerField) == "" {
		payerField = req.Account
	}
	payer, ok := s.caller(w, r, payerField)
	if !ok {
		return
	}
	shares, err := parseAmount("shares", req.Shares, false)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	assets, err := s.engine.Repay(poolID(r), borrower, payer, shares)
	s.observe("repay", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"assets": bigString(assets)})
}

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Borrower   string `json:"borrower"`
	Shares     string `json:"shares,omitempty"`
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	liquidator, ok := s.caller(w, r, req.Liquidator)
	if !ok {
		return
	}
	borrower, err := parseAddress("borrower", req.Borrower)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares, true)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	params, ok := s.poolParams(w, r)
	if !ok {
		return
	}
	start := time.Now()
	result, err := s.engine.Liquidate(params.ID, liquidator, borrower, shares)
	s.observe("liquidate", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	body := map[string]interface{}{
		"repaidShares":     bigString(result.RepaidShares),
		"repaidAssets":     newAmount(result.RepaidAssets, params.BorrowDecimals),
		"seizedCollateral": newAmount(result.SeizedCollateral, params.CollateralDecimals),
		"incentive":        newAmount(result.IncentiveAmount, params.CollateralDecimals),
	}
	if result.Residual != nil {
		body["residual"] = string(lending.Code(result.Residual))
		body["badDebtShares"] = bigString(result.BadDebtShares)
		body["badDebtAssets"] = newAmount(result.BadDebtAssets, params.BorrowDecimals)
	}
	writeJSON(w, http.StatusOK, body)
}

type resolveRequest struct {
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) resolveIntent(w http.ResponseWriter, r *http.Request) {
	id, err := settlement.ParseIntentID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req resolveRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	intent, err := s.engine.ResolveIntent(id, req.Delivered, req.Reason)
	s.observe("intents.resolve", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newIntentView(intent))
}

type inboundRequest struct {
	SourceChain string `json:"sourceChain"`
	Nonce       string `json:"nonce"`
	Recipient   string `json:"recipient"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Action      string `json:"action"`
	Pool        string `json:"pool,omitempty"`
	Signature   string `json:"signature"`
}

func (req inboundRequest) message() (settlement.Message, error) {
	nonce, err := strconv.ParseUint(strings.TrimSpace(req.Nonce), 10, 64)
	if err != nil {
		return settlement.Message{}, fmt.Errorf("nonce: %w", err)
	}
	recipient, err := parseAddress("recipient", req.Recipient)
	if err != nil {
		return settlement.Message{}, err
	}
	amount, err := parseAmount("amount", req.Amount, false)
	if err != nil {
		return settlement.Message{}, err
	}
	sig, err := hexutil.Decode(strings.TrimSpace(req.Signature))
	if err != nil {
		return settlement.Message{}, fmt.Errorf("signature: %w", err)
	}
	return settlement.Message{
		SourceChain: req.SourceChain,
		Nonce:       nonce,
		Recipient:   recipient,
		Token:       req.Token,
		Amount:      amount,
		Action:      settlement.Action(strings.ToLower(strings.TrimSpace(req.Action))),
		Pool:        req.Pool,
		Signature:   sig,
	}, nil
}

func (s *Server) inbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	msg, err := req.message()
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	start := time.Now()
	err = s.engine.OnSettlementReceived(msg)
	s.observe("settlement.inbound", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applied": true, "sourceChain": strings.ToLower(strings.TrimSpace(msg.SourceChain)), "nonce": msg.Nonce})
}

type pauseRequest struct {
	Action string `json:"action"`
	Paused bool   `json:"paused"`
}

func (s *Server) setPause(w http.ResponseWriter, r *http.Request) {
	if s.pauses == nil {
		writeError(w, http.StatusNotFound, "NotFound", "pauses not configured")
		return
	}
	var req pauseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	action := strings.ToLower(strings.TrimSpace(req.Action))
	if action == "" {
		writeBadRequest(w, errors.New("action required"))
		return
	}
	s.pauses.Set("lending."+action, req.Paused)
	s.logger.Info("pause updated", "action", action, "paused", req.Paused)
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": s.pauses.Snapshot()})
}

// poolID reads the pool path parameter. Pool ids contain slashes, so clients
// send them path-escaped.
func poolID(r *http.Request) lending.PoolID {
	raw := chi.URLParam(r, "pool")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return lending.PoolID(raw)
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}
