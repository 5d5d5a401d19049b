package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/zeroday/pkg/chain"
	"github.com/uhyunpark/zeroday/pkg/crypto"
	"github.com/uhyunpark/zeroday/pkg/engine"
	"github.com/uhyunpark/zeroday/pkg/metrics"
	"github.com/uhyunpark/zeroday/pkg/storage"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
	maxBodyBytes       = 1 << 20
	mirrorTimeout      = 10 * time.Second
)

// Mirror forwards accepted orders and oracle updates to the settlement
// contract. EnqueueOrder must not block; placement happens in the background.
type Mirror interface {
	EnqueueOrder(p chain.Placement)
	UpdateOracle(ctx context.Context, price int64) (string, error)
}

type Options struct {
	// Journal backs GET /events; nil disables the endpoint
	Journal storage.Store
	// Chain is nil when on-chain settlement is not configured
	Chain           Mirror
	ContractAddress string
	Metrics         *metrics.Metrics
	Logger          *zap.SugaredLogger
	// EventBuffer is the bus queue depth for each websocket connection
	EventBuffer    int
	AllowedOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine *engine.Engine
	router *mux.Router
	opts   Options
	log    *zap.SugaredLogger
	http   *http.Server
}

// NewServer creates a new API server
func NewServer(eng *engine.Engine, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		engine: eng,
		router: mux.NewRouter(),
		opts:   opts,
		log:    opts.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Order intake
	s.router.HandleFunc("/orders", s.handlePlaceOrder).Methods(http.MethodPost)
	s.router.HandleFunc("/orders/signed", s.handlePlaceSignedOrder).Methods(http.MethodPost)
	s.router.HandleFunc("/orders", s.handleGetOrders).Methods(http.MethodGet)

	// Collateral
	s.router.HandleFunc("/deposit", s.handleDeposit).Methods(http.MethodPost)
	s.router.HandleFunc("/withdraw", s.handleWithdraw).Methods(http.MethodPost)

	// Admin
	s.router.HandleFunc("/oracle", s.handleOracle).Methods(http.MethodPost)
	s.router.HandleFunc("/fees", s.handleFees).Methods(http.MethodPost)

	// Reads
	s.router.HandleFunc("/state", s.handleGetState).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleGetStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.handleGetEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/events/{seq:[0-9]+}", s.handleGetEvent).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_listening", "addr", addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.engine.SubmitOrder(r.Context(), req)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.log.Debugw("order_accepted", "id", id, "trader", req.Trader, "side", req.Side, "price", req.Price, "qty", req.Qty)
	s.mirrorOrder(id, req.Side, req.Price, req.Qty, req.Leverage)
	respondJSON(w, PlaceOrderResponse{ID: id})
}

func (s *Server) handlePlaceSignedOrder(w http.ResponseWriter, r *http.Request) {
	var req SignedOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sig, err := crypto.DecodeSignature(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "bad signature", err.Error())
		return
	}
	id, err := s.engine.SubmitSignedOrder(r.Context(), req.Order, sig)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.log.Debugw("signed_order_accepted", "id", id, "trader", crypto.TraderID(req.Order.Trader), "nonce", req.Order.Nonce)
	s.mirrorOrder(id, req.Order.Side, req.Order.Price, req.Order.Qty, req.Order.Leverage)
	respondJSON(w, PlaceOrderResponse{ID: id})
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	buys, sells := s.engine.OpenOrders()
	if buys == nil {
		buys = []engine.Order{}
	}
	if sells == nil {
		sells = []engine.Order{}
	}
	respondJSON(w, OrdersResponse{Buys: buys, Sells: sells})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.Deposit(req.Trader, req.Amount); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, OKResponse{OK: true})
}

// handleWithdraw reports an uncovered withdrawal as {"ok":false}, not as an
// HTTP error
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req CollateralRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.engine.Withdraw(req.Trader, req.Amount)
	switch {
	case err == nil:
		respondJSON(w, OKResponse{OK: true})
	case errors.Is(err, engine.ErrInsufficientFreeCollateral):
		respondJSON(w, OKResponse{OK: false})
	default:
		s.respondEngineError(w, err)
	}
}

func (s *Server) handleOracle(w http.ResponseWriter, r *http.Request) {
	var req OracleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.SetOraclePrice(req.Price); err != nil {
		s.respondEngineError(w, err)
		return
	}
	s.mirrorOracle(req.Price)
	respondJSON(w, OKResponse{OK: true})
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	var req FeesRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.SetFees(req.MakerBps, req.TakerBps); err != nil {
		s.respondEngineError(w, err)
		return
	}
	respondJSON(w, OKResponse{OK: true})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	if snap.Traders == nil {
		snap.Traders = []engine.TraderState{}
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	resp := StatusResponse{
		OnchainFeature: true,
		Active:         s.opts.Chain != nil,
		Symbol:         snap.Symbol,
		Mark:           snap.Mark,
		Seq:            snap.Sequence,
	}
	if s.opts.ContractAddress != "" {
		addr := s.opts.ContractAddress
		resp.ContractAddress = &addr
	}
	if bus := s.engine.Bus(); bus != nil {
		resp.Subscribers = bus.Subscribers()
	}
	respondJSON(w, resp)
}

// handleGetEvents pages through the journal: GET /events?from=1&limit=100
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		respondError(w, http.StatusServiceUnavailable, "journal disabled", "")
		return
	}
	q := r.URL.Query()
	from := uint64(1)
	if v := q.Get("from"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from", err.Error())
			return
		}
		from = n
	}
	limit := defaultEventsLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		limit = min(n, maxEventsLimit)
	}

	recs, err := s.opts.Journal.Range(from, limit)
	if err != nil {
		s.log.Errorw("journal_read_failed", "from", from, "err", err)
		respondError(w, http.StatusInternalServerError, "journal read failed", err.Error())
		return
	}
	next := from
	if len(recs) > 0 {
		next = recs[len(recs)-1].Seq + 1
	} else {
		recs = []storage.Record{}
	}
	respondJSON(w, EventsResponse{Events: recs, Next: next})
}

// handleGetEvent returns one journaled event: GET /events/{seq}
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		respondError(w, http.StatusServiceUnavailable, "journal disabled", "")
		return
	}
	seq, err := strconv.ParseUint(mux.Vars(r)["seq"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid seq", err.Error())
		return
	}
	rec, err := storage.Get(s.opts.Journal, seq)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "event not found", "")
	case err != nil:
		s.log.Errorw("journal_read_failed", "seq", seq, "err", err)
		respondError(w, http.StatusInternalServerError, "journal read failed", err.Error())
	default:
		respondJSON(w, rec)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Chain mirroring
// ==============================

func (s *Server) mirrorOrder(id uint64, side string, price, qty int64, leverage uint32) {
	if s.opts.Chain == nil {
		return
	}
	var sideCode uint8
	if sd, _ := engine.ParseSide(side); sd == engine.Sell {
		sideCode = 1
	}
	s.opts.Chain.EnqueueOrder(chain.Placement{EngineID: id, Side: sideCode, Price: price, Qty: qty, Leverage: leverage})
}

func (s *Server) mirrorOracle(price int64) {
	if s.opts.Chain == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if _, err := s.opts.Chain.UpdateOracle(ctx, price); err != nil {
			s.log.Warnw("chain_update_oracle_failed", "price", price, "err", err)
		}
	}()
}

// ==============================
// Helper Functions
// ==============================

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

// respondEngineError maps engine errors onto HTTP statuses
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	var ve *engine.ValidationError
	var bn *engine.BadNonceError
	switch {
	case errors.As(err, &bn):
		expected := bn.Expected
		respondJSONStatus(w, http.StatusBadRequest, ErrorResponse{Error: "bad nonce", Expected: &expected})
	case errors.As(err, &ve):
		respondError(w, http.StatusBadRequest, "invalid request", ve.Error())
	case errors.Is(err, engine.ErrSignatureMismatch):
		respondError(w, http.StatusUnauthorized, "signature mismatch", "")
	case errors.Is(err, engine.ErrInsufficientMargin):
		respondError(w, http.StatusBadRequest, "insufficient margin", "")
	case errors.Is(err, engine.ErrOverflow):
		respondError(w, http.StatusUnprocessableEntity, "arithmetic overflow", "")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "request cancelled", err.Error())
	default:
		s.log.Errorw("request_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSONStatus(w, status, ErrorResponse{Error: error, Message: message})
}
