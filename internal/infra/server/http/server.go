// Package httpserver exposes HTTP handlers for operating a wallet: funding,
// splitting and rotating accounts and driving trader and lend orders.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/zkwallet/errs"
	"github.com/coachpo/zkwallet/internal/app/wallet"
	"github.com/coachpo/zkwallet/internal/domain/account"
	"github.com/coachpo/zkwallet/internal/domain/order"
	"github.com/coachpo/zkwallet/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	statusPath          = "/status"
	accountsPath        = "/accounts"
	accountDetailPrefix = accountsPath + "/"
	fundPath            = accountsPath + "/fund"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// Wallet is the subset of wallet operations served over HTTP.
type Wallet interface {
	BaseAddress() string
	WalletID() string
	Get(index uint64) (account.Account, error)
	Accounts() []account.Account
	Outstanding(index uint64) (order.Outstanding, bool)
	Fund(ctx context.Context, amount uint64) (wallet.FundResult, error)
	Split(ctx context.Context, sender uint64, balances []uint64) ([]wallet.AccountBalance, error)
	Rotate(ctx context.Context, old uint64) (uint64, error)
	OpenTraderOrder(ctx context.Context, req wallet.OpenTraderRequest) (wallet.OpenResult, error)
	QueryTraderOrder(ctx context.Context, index uint64) (order.TraderOrderInfo, error)
	CloseTraderOrder(ctx context.Context, index uint64, kind order.Kind, executionPrice decimal.Decimal) (wallet.CloseResult, error)
	CancelTraderOrder(ctx context.Context, index uint64) (wallet.CancelResult, error)
	ReconcileTraderOrder(ctx context.Context, index uint64) (order.TraderStatus, error)
	OpenLendOrder(ctx context.Context, index uint64) (wallet.OpenResult, error)
	QueryLendOrder(ctx context.Context, index uint64) (order.LendOrderInfo, error)
	CloseLendOrder(ctx context.Context, index uint64) (wallet.CloseResult, error)
}

var _ Wallet = (*wallet.Wallet)(nil)

type httpServer struct {
	environment config.Environment
	wallet      Wallet
	started     time.Time
}

type accountView struct {
	Index           uint64     `json:"index"`
	Address         string     `json:"address"`
	Balance         uint64     `json:"balance"`
	IOType          string     `json:"ioType"`
	OnChain         bool       `json:"onChain"`
	PendingRotation bool       `json:"pendingRotation"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	Order           *orderView `json:"order,omitempty"`
}

type orderView struct {
	RequestID string `json:"requestId"`
	Product   string `json:"product"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Margin    uint64 `json:"margin"`
}

type fundPayload struct {
	Amount uint64 `json:"amount"`
}

type splitPayload struct {
	Balances []uint64 `json:"balances"`
}

type openTraderPayload struct {
	Kind       string `json:"kind"`
	Side       string `json:"side"`
	EntryPrice uint64 `json:"entryPrice"`
	Leverage   uint64 `json:"leverage"`
}

type closeTraderPayload struct {
	Kind           string          `json:"kind"`
	ExecutionPrice decimal.Decimal `json:"executionPrice"`
}

// NewHandler creates an HTTP handler serving wallet operations.
func NewHandler(environment config.Environment, w Wallet) http.Handler {
	server := &httpServer{environment: environment, wallet: w, started: time.Now().UTC()}
	mux := http.NewServeMux()

	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStatus,
	}))
	mux.Handle(accountsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listAccounts,
	}))
	mux.Handle(fundPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.fund,
	}))
	mux.Handle(accountDetailPrefix, http.HandlerFunc(server.handleAccount))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getStatus(w http.ResponseWriter, _ *http.Request) {
	accounts := s.wallet.Accounts()
	var onChain, outstanding int
	for _, acct := range accounts {
		if acct.OnChain {
			onChain++
		}
		if _, ok := s.wallet.Outstanding(acct.Index); ok {
			outstanding++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"environment": s.environment,
		"baseAddress": s.wallet.BaseAddress(),
		"walletId":    s.wallet.WalletID(),
		"persistent":  s.wallet.WalletID() != "",
		"accounts":    len(accounts),
		"onChain":     onChain,
		"outstanding": outstanding,
		"uptime":      time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *httpServer) listAccounts(w http.ResponseWriter, _ *http.Request) {
	accounts := s.wallet.Accounts()
	views := make([]accountView, 0, len(accounts))
	for _, acct := range accounts {
		views = append(views, s.view(acct))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

func (s *httpServer) fund(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload fundPayload
	if err := decodePayload(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	res, err := s.wallet.Fund(r.Context(), payload.Amount)
	s.writeOutcome(w, http.StatusCreated, res.Index != 0, map[string]any{
		"index":   res.Index,
		"address": res.Address,
		"txHash":  res.Tx.Hash,
	}, err)
}

func (s *httpServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, accountDetailPrefix), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "account index required")
		return
	}

	rawIndex, action, hasAction := strings.Cut(rest, "/")
	index, err := strconv.ParseUint(strings.TrimSpace(rawIndex), 10, 64)
	if err != nil || index == 0 {
		writeError(w, http.StatusBadRequest, "account index must be a positive integer")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s.getAccount(w, index)
		return
	}

	s.handleAccountAction(w, r, index, strings.Trim(action, "/"))
}

func (s *httpServer) handleAccountAction(w http.ResponseWriter, r *http.Request, index uint64, action string) {
	switch action {
	case "trader":
		switch r.Method {
		case http.MethodGet:
			s.queryTrader(w, r, index)
		case http.MethodPost:
			s.openTrader(w, r, index)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
		return
	case "lend":
		switch r.Method {
		case http.MethodGet:
			s.queryLend(w, r, index)
		case http.MethodPost:
			s.openLend(w, r, index)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	switch action {
	case "split":
		s.split(w, r, index)
	case "rotate":
		s.rotate(w, r, index)
	case "trader/close":
		s.closeTrader(w, r, index)
	case "trader/cancel":
		s.cancelTrader(w, r, index)
	case "trader/reconcile":
		s.reconcileTrader(w, r, index)
	case "lend/close":
		s.closeLend(w, r, index)
	default:
		writeError(w, http.StatusNotFound, "unsupported action")
	}
}

func (s *httpServer) getAccount(w http.ResponseWriter, index uint64) {
	acct, err := s.wallet.Get(index)
	if err != nil {
		s.writeWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(acct))
}

func (s *httpServer) split(w http.ResponseWriter, r *http.Request, index uint64) {
	limitRequestBody(w, r)
	var payload splitPayload
	if err := decodePayload(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	created, err := s.wallet.Split(r.Context(), index, payload.Balances)
	if created == nil {
		created = []wallet.AccountBalance{}
	}
	views := make([]map[string]any, 0, len(created))
	for _, c := range created {
		views = append(views, map[string]any{"index": c.Index, "address": c.Address, "balance": c.Balance})
	}
	s.writeOutcome(w, http.StatusCreated, len(created) > 0, map[string]any{"accounts": views}, err)
}

func (s *httpServer) rotate(w http.ResponseWriter, r *http.Request, index uint64) {
	next, err := s.wallet.Rotate(r.Context(), index)
	s.writeOutcome(w, http.StatusOK, next != 0, map[string]any{"from": index, "to": next}, err)
}

func (s *httpServer) openTrader(w http.ResponseWriter, r *http.Request, index uint64) {
	limitRequestBody(w, r)
	var payload openTraderPayload
	if err := decodePayload(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	kind, err := order.ParseKind(payload.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	side, err := order.ParseSide(payload.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.wallet.OpenTraderOrder(r.Context(), wallet.OpenTraderRequest{
		Index:      index,
		Kind:       kind,
		Side:       side,
		EntryPrice: payload.EntryPrice,
		Leverage:   payload.Leverage,
	})
	s.writeOutcome(w, http.StatusCreated, res.RequestID != "", openView(res), err)
}

func (s *httpServer) queryTrader(w http.ResponseWriter, r *http.Request, index uint64) {
	info, err := s.wallet.QueryTraderOrder(r.Context(), index)
	if err != nil {
		s.writeWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId":        info.RequestID,
		"status":           info.Status,
		"kind":             info.Kind,
		"side":             info.Side,
		"entryPrice":       info.EntryPrice,
		"positionSize":     info.PositionSize,
		"leverage":         info.Leverage,
		"initialMargin":    info.InitialMargin,
		"availableMargin":  info.AvailableMargin,
		"settlePrice":      info.SettlePrice,
		"liquidationPrice": info.LiquidationPrice,
		"updatedAt":        info.UpdatedAt,
	})
}

func (s *httpServer) closeTrader(w http.ResponseWriter, r *http.Request, index uint64) {
	limitRequestBody(w, r)
	var payload closeTraderPayload
	if err := decodePayload(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	kind, err := order.ParseKind(payload.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.wallet.CloseTraderOrder(r.Context(), index, kind, payload.ExecutionPrice)
	s.writeOutcome(w, http.StatusOK, res.RequestID != "", closeView(res), err)
}

func (s *httpServer) cancelTrader(w http.ResponseWriter, r *http.Request, index uint64) {
	res, err := s.wallet.CancelTraderOrder(r.Context(), index)
	s.writeOutcome(w, http.StatusOK, res.RequestID != "", map[string]any{
		"requestId": res.RequestID,
		"balance":   res.Balance,
	}, err)
}

func (s *httpServer) reconcileTrader(w http.ResponseWriter, r *http.Request, index uint64) {
	status, err := s.wallet.ReconcileTraderOrder(r.Context(), index)
	s.writeOutcome(w, http.StatusOK, status != "", map[string]any{"status": status}, err)
}

func (s *httpServer) openLend(w http.ResponseWriter, r *http.Request, index uint64) {
	res, err := s.wallet.OpenLendOrder(r.Context(), index)
	s.writeOutcome(w, http.StatusCreated, res.RequestID != "", openView(res), err)
}

func (s *httpServer) queryLend(w http.ResponseWriter, r *http.Request, index uint64) {
	info, err := s.wallet.QueryLendOrder(r.Context(), index)
	if err != nil {
		s.writeWalletError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId": info.RequestID,
		"status":    info.Status,
		"principal": info.Principal,
		"payout":    info.Payout,
		"accrued":   info.Accrued(),
		"updatedAt": info.UpdatedAt,
	})
}

func (s *httpServer) closeLend(w http.ResponseWriter, r *http.Request, index uint64) {
	res, err := s.wallet.CloseLendOrder(r.Context(), index)
	s.writeOutcome(w, http.StatusOK, res.RequestID != "", closeView(res), err)
}

func (s *httpServer) view(acct account.Account) accountView {
	v := accountView{
		Index:           acct.Index,
		Address:         acct.Address,
		Balance:         acct.Balance,
		IOType:          acct.IOType.String(),
		OnChain:         acct.OnChain,
		PendingRotation: acct.PendingRotation,
		UpdatedAt:       acct.UpdatedAt,
	}
	if out, ok := s.wallet.Outstanding(acct.Index); ok {
		v.Order = &orderView{
			RequestID: out.RequestID,
			Product:   string(out.Product),
			Kind:      string(out.Kind),
			Status:    out.Status,
			Margin:    out.Margin,
		}
	}
	return v
}

func openView(res wallet.OpenResult) map[string]any {
	return map[string]any{
		"requestId": res.RequestID,
		"status":    res.Status,
		"margin":    res.Margin,
	}
}

func closeView(res wallet.CloseResult) map[string]any {
	view := map[string]any{
		"requestId": res.RequestID,
		"balance":   res.Balance,
		"rotated":   res.Rotated,
	}
	if res.Rotated {
		view["rotatedTo"] = res.RotatedTo
	}
	return view
}

// writeOutcome writes body on success. When the operation took effect but a
// follow-up step failed, the body is still returned with the error attached.
func (s *httpServer) writeOutcome(w http.ResponseWriter, status int, applied bool, body map[string]any, err error) {
	if err == nil {
		writeJSON(w, status, body)
		return
	}
	if !applied {
		s.writeWalletError(w, err)
		return
	}
	body["status"] = "partial"
	body["error"] = err.Error()
	if code, ok := errs.CodeOf(err); ok {
		body["code"] = code
	}
	writeJSON(w, status, body)
}

func (s *httpServer) writeWalletError(w http.ResponseWriter, err error) {
	code, ok := errs.CodeOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := map[string]string{"status": "error", "error": err.Error(), "code": string(code)}
	if remote := errs.RemoteCodeOf(err); remote != "" {
		payload["remoteCode"] = remote
	}
	writeJSON(w, statusForCode(code), payload)
}

func statusForCode(code errs.Code) int {
	switch code {
	case errs.CodeInvalidParameter, errs.CodeInvalidSplit:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeAccountNotReady, errs.CodeAccountNotOnChain, errs.CodeOrderNotReady,
		errs.CodeOrderNotPending, errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeInsufficientFunds, errs.CodeChainRejected:
		return http.StatusUnprocessableEntity
	case errs.CodeProtocol:
		return http.StatusBadGateway
	case errs.CodeRetryExhausted, errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodePayload(r *http.Request, dst any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
