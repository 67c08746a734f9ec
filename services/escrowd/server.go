package escrowd

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"proofpay/gateway/auth"
	"proofpay/gateway/middleware"
	"proofpay/native/bank"
	"proofpay/native/escrow"
	"proofpay/observability"
)

const (
	// HeaderAdminToken authorizes operator-only routes.
	HeaderAdminToken = "X-Admin-Token"
	maxBodyBytes     = 1 << 20
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine *escrow.Engine
	// Ledger is the local custody ledger. Nil disables the ledger routes.
	Ledger *bank.Ledger
	// LedgerRPC, when set, is mounted at /rpc/ledger.
	LedgerRPC     http.Handler
	Authenticator auth.RequestAuthenticator
	AdminToken    string
	RateLimits    map[string]middleware.RateLimit
	CORS          middleware.CORSConfig
	Observability *middleware.Observability
	Metrics       *observability.EscrowMetrics
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// Server exposes the escrow engine over HTTP.
type Server struct {
	engine     *escrow.Engine
	ledger     *bank.Ledger
	ledgerRPC  http.Handler
	authn      auth.RequestAuthenticator
	authz      escrow.AuthorizationProvider
	adminToken string
	limiter    *middleware.RateLimiter
	cors       middleware.CORSConfig
	obs        *middleware.Observability
	metrics    *observability.EscrowMetrics
	metricsH   http.Handler
	logger     *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("escrowd: engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		engine:     cfg.Engine,
		ledger:     cfg.Ledger,
		ledgerRPC:  cfg.LedgerRPC,
		authn:      cfg.Authenticator,
		authz:      auth.RequestAuthorizer{},
		adminToken: strings.TrimSpace(cfg.AdminToken),
		limiter:    middleware.NewRateLimiter(cfg.RateLimits, logger),
		cors:       cfg.CORS,
		obs:        cfg.Observability,
		metrics:    cfg.Metrics,
		metricsH:   cfg.MetricsHandler,
		logger:     logger.With("component", "escrowd"),
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	if s.obs != nil {
		r.Use(s.obs.Middleware)
	}
	r.Use(middleware.CORS(s.cors))
	r.Use(chimw.RequestSize(maxBodyBytes))
	r.Use(auth.Middleware(s.authn))

	r.Get("/healthz", s.Health)
	if s.metricsH != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsH)
	}
	if s.ledgerRPC != nil {
		r.With(s.limiter.Middleware("write")).Method(http.MethodPost, "/rpc/ledger", s.ledgerRPC)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(read chi.Router) {
			read.Use(s.limiter.Middleware("read"))
			read.Get("/config", s.GetConfig)
			read.Get("/funds", s.ListFunds)
			read.Get("/funds/{id}", s.GetFund)
			read.Get("/custody", s.GetCustody)
			read.Get("/ledger/{address}", s.GetLedgerBalance)
		})
		api.Group(func(write chi.Router) {
			write.Use(s.limiter.Middleware("write"))
			write.Post("/funds", s.CreateFund)
			write.Post("/funds/{id}/proof", s.SubmitProof)
			write.Post("/funds/{id}/approve", s.ApproveProof)
			write.Post("/funds/{id}/release", s.ReleaseFunds)
			write.Post("/funds/{id}/refund", s.RefundFunder)
		})
		api.Route("/admin", func(admin chi.Router) {
			admin.Use(s.requireAdmin)
			admin.Post("/initialize", s.Initialize)
			admin.Post("/ledger/mint", s.Mint)
		})
	})
	return r
}

// requireAdmin admits requests carrying the configured operator token. An
// unset token disables the admin routes.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := strings.TrimSpace(r.Header.Get(HeaderAdminToken))
		if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminToken)) != 1 {
			s.writeError(w, r, escrow.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe records an engine call in the escrow metrics.
func (s *Server) observe(op string, start time.Time, err error) {
	s.metrics.ObserveOperation(op, outcome(err), time.Since(start))
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return invalid("request body required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return invalid("request body too large")
		}
		return invalid("invalid payload: " + err.Error())
	}
	return nil
}

// decodeOptionalBody accepts an empty body as the zero value.
func decodeOptionalBody(r *http.Request, dst interface{}) error {
	err := decodeBody(r, dst)
	var bad badRequest
	if errors.As(err, &bad) && bad.msg == "request body required" {
		return nil
	}
	return err
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, invalid("amount must be a base-10 integer")
	}
	return amount, nil
}

func fundID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, invalid("fund id must be an unsigned integer")
	}
	return id, nil
}

// actor resolves the claimed identity: the explicit field when present,
// otherwise the authenticated principal, otherwise the zero address which
// no authorization provider can prove.
func actor(ctx context.Context, explicit *escrow.Address) escrow.Address {
	if explicit != nil {
		return *explicit
	}
	if principal, err := auth.PrincipalFrom(ctx); err == nil {
		return principal.Address
	}
	return escrow.Address{}
}

// Initialize handles POST /v1/admin/initialize.
func (s *Server) Initialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	start := time.Now()
	err := s.engine.Initialize(r.Context(), escrow.AssetID(req.Asset))
	s.observe("initialize", start, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeConfig(w, r, http.StatusCreated)
}

// GetConfig handles GET /v1/config.
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeConfig(w, r, http.StatusOK)
}

func (s *Server) writeConfig(w http.ResponseWriter, r *http.Request, status int) {
	resp := ConfigResponse{CustodyAddress: s.engine.Config().CustodyAddress}
	asset, err := s.engine.Asset(r.Context())
	switch {
	case err == nil:
		resp.Initialized = true
		resp.Asset = string(asset)
	case errors.Is(err, escrow.ErrNotInitialized):
	default:
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, resp)
}

// CreateFund handles POST /v1/funds.
func (s *Server) CreateFund(w http.ResponseWriter, r *http.Request) {
	var req CreateFundRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	start := time.Now()
	id, err := s.engine.CreateFund(r.Context(), s.authz, req.Funder, req.Beneficiary, req.Verifier, amount, req.Deadline, req.RequirementHash)
	s.observe("create", start, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fund, err := s.engine.Fund(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("fund created", "id", id, "funder", req.Funder.String(), "amount", amount.String())
	writeJSON(w, http.StatusCreated, CreateFundResponse{ID: id, Fund: newFundView(fund)})
}

// SubmitProof handles POST /v1/funds/{id}/proof.
func (s *Server) SubmitProof(w http.ResponseWriter, r *http.Request) {
	id, err := fundID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req SubmitProofRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	start := time.Now()
	err = s.engine.SubmitProof(r.Context(), s.authz, actor(r.Context(), req.Beneficiary), id, req.ProofHash)
	s.observe("submit_proof", start, err)
	s.respondFund(w, r, id, err)
}

// ApproveProof handles POST /v1/funds/{id}/approve.
func (s *Server) ApproveProof(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "approve", func(ctx context.Context, req ActorRequest, id uint64) error {
		return s.engine.ApproveProof(ctx, s.authz, actor(ctx, req.Verifier), id)
	})
}

// ReleaseFunds handles POST /v1/funds/{id}/release.
func (s *Server) ReleaseFunds(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "release", func(ctx context.Context, req ActorRequest, id uint64) error {
		return s.engine.ReleaseFunds(ctx, s.authz, actor(ctx, req.Beneficiary), id)
	})
}

// RefundFunder handles POST /v1/funds/{id}/refund.
func (s *Server) RefundFunder(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "refund", func(ctx context.Context, req ActorRequest, id uint64) error {
		return s.engine.RefundFunder(ctx, s.authz, actor(ctx, req.Funder), id)
	})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op string, call func(context.Context, ActorRequest, uint64) error) {
	id, err := fundID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req ActorRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	start := time.Now()
	err = call(r.Context(), req, id)
	s.observe(op, start, err)
	s.respondFund(w, r, id, err)
}

func (s *Server) respondFund(w http.ResponseWriter, r *http.Request, id uint64, opErr error) {
	if opErr != nil {
		s.writeError(w, r, opErr)
		return
	}
	fund, err := s.engine.Fund(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFundView(fund))
}

// GetFund handles GET /v1/funds/{id}.
func (s *Server) GetFund(w http.ResponseWriter, r *http.Request) {
	id, err := fundID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fund, err := s.engine.Fund(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newFundView(fund))
}

// ListFunds handles GET /v1/funds?offset=&limit=&status=&role=&address=.
func (s *Server) ListFunds(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var opts escrow.ListOptions
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, invalid("offset must be an unsigned integer"))
			return
		}
		opts.Offset = offset
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, r, invalid("limit must be a non-negative integer"))
			return
		}
		opts.Limit = limit
	}
	if raw := query.Get("status"); raw != "" {
		status, err := escrow.ParseFundStatus(raw)
		if err != nil {
			s.writeError(w, r, invalid(err.Error()))
			return
		}
		opts.Status = &status
	}
	role, address := query.Get("role"), query.Get("address")
	if (role == "") != (address == "") {
		s.writeError(w, r, invalid("role and address must be given together"))
		return
	}
	if role != "" {
		parsed, err := escrow.ParseRole(role)
		if err != nil {
			s.writeError(w, r, invalid(err.Error()))
			return
		}
		holder, err := escrow.ParseAddress(address)
		if err != nil {
			s.writeError(w, r, invalid(err.Error()))
			return
		}
		opts.Role, opts.Address = parsed, holder
	}
	page, err := s.engine.ListFunds(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := ListFundsResponse{Funds: make([]FundView, 0, len(page.Funds)), Next: page.Next, Total: page.Total}
	for _, fund := range page.Funds {
		resp.Funds = append(resp.Funds, newFundView(fund))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCustody handles GET /v1/custody.
func (s *Server) GetCustody(w http.ResponseWriter, r *http.Request) {
	asset, err := s.engine.Asset(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.engine.CustodyBalance(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Asset:   string(asset),
		Address: s.engine.Config().CustodyAddress,
		Balance: balance.String(),
	})
}

// GetLedgerBalance handles GET /v1/ledger/{address} on the local ledger.
func (s *Server) GetLedgerBalance(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Name: "NotFound", Message: "local ledger disabled"}})
		return
	}
	holder, err := escrow.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, invalid(err.Error()))
		return
	}
	asset, err := s.engine.Asset(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), asset, holder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Asset: string(asset), Address: holder, Balance: balance.String()})
}

// Mint handles POST /v1/admin/ledger/mint on the local ledger.
func (s *Server) Mint(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Name: "NotFound", Message: "local ledger disabled"}})
		return
	}
	var req MintRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Holder.IsZero() {
		s.writeError(w, r, invalid("holder required"))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	asset, err := s.engine.Asset(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.ledger.Mint(r.Context(), asset, req.Holder, amount); err != nil {
		if errors.Is(err, bank.ErrInvalidAmount) || errors.Is(err, bank.ErrOverflow) {
			s.writeError(w, r, invalid(err.Error()))
			return
		}
		s.writeError(w, r, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), asset, req.Holder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("ledger mint", "holder", req.Holder.String(), "amount", amount.String())
	writeJSON(w, http.StatusOK, BalanceResponse{Asset: string(asset), Address: req.Holder, Balance: balance.String()})
}

// Health handles GET /healthz. Storage is probed through the engine.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	initialized, err := Probe(r.Context(), s.engine)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Initialized: initialized})
}

// Probe reads the configuration record, reporting whether the engine is
// initialized and whether storage answered.
func Probe(ctx context.Context, engine *escrow.Engine) (bool, error) {
	_, err := engine.Asset(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, escrow.ErrNotInitialized):
		return false, nil
	default:
		return false, err
	}
}
