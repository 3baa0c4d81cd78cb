package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/CutoutStore/internal/auth"
	"github.com/digkill/CutoutStore/internal/models"
	"github.com/digkill/CutoutStore/internal/service"
)

const maxWebhookBytes = int64(65536)

type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the services behind the API. Payments and Removals may be nil
// when the feature is not configured; their routes are then not mounted.
type Deps struct {
	Users    *service.UserService
	Credits  *service.CreditService
	Packs    *service.PackService
	Payments *service.PaymentService
	Removals *service.RemovalService
	Issuer   *auth.Issuer
	DB       Pinger
}

type Server struct {
	addr      string
	log       *slog.Logger
	deps      Deps
	maxUpload int64
	limiter   *limiterRegistry
	router    *chi.Mux
}

func NewServer(addr string, log *slog.Logger, deps Deps, removalsPerMinute int, maxUpload int64) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	s := &Server{
		addr:      addr,
		log:       log,
		deps:      deps,
		maxUpload: maxUpload,
		limiter:   newLimiterRegistry(removalsPerMinute),
		router:    r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Post("/api/signup", s.handleSignup)
	r.Post("/api/login", s.handleLogin)
	r.Get("/api/packs", s.handleListPacks)
	if deps.Payments != nil {
		r.Post("/webhook/stripe", s.handleStripeWebhook)
	}

	r.Group(func(protected chi.Router) {
		protected.Use(deps.Issuer.Middleware)
		protected.Get("/api/me", s.handleMe)
		protected.Get("/api/credits/summary", s.handleSummary)
		protected.Post("/api/credits/consume", s.handleConsume)
		if deps.Payments != nil {
			protected.Post("/api/checkout", s.handleCheckout)
		}
		if deps.Removals != nil {
			protected.With(s.limiter.middleware).Post("/api/remove-background", s.handleRemoveBackground)
			protected.Post("/api/images/{id}/download", s.handleDownload)
		}
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
	}

	go s.limiter.runPruner(ctx, time.Minute)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("api shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json", service.ErrInvalidArgument)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			s.log.Warn("health check failed", "err", err)
			writeMessage(w, http.StatusServiceUnavailable, "database_unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	user, err := s.deps.Users.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	s.writeToken(w, r, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	user, err := s.deps.Users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	s.writeToken(w, r, http.StatusOK, user)
}

func (s *Server) writeToken(w http.ResponseWriter, r *http.Request, status int, user *models.User) {
	token, err := s.deps.Issuer.Issue(user.ID)
	if err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	writeJSON(w, status, map[string]string{"token": token})
}

func (s *Server) handleListPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := s.deps.Packs.ListActive(r.Context())
	if err != nil {
		WriteError(w, s.log, r, fmt.Errorf("%w: %w", service.ErrStorage, err))
		return
	}
	if packs == nil {
		packs = []models.CreditPack{}
	}
	writeJSON(w, http.StatusOK, packs)
}

type batchView struct {
	Amount    int       `json:"amount"`
	Source    string    `json:"source"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type summaryView struct {
	Total   int         `json:"total"`
	Batches []batchView `json:"batches"`
}

type meView struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Pro   bool   `json:"pro"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	user, err := s.deps.Users.Get(r.Context(), userID)
	if err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meView{ID: user.ID, Email: user.Email, Pro: user.Pro})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	summary, err := s.deps.Credits.Summarize(r.Context(), userID)
	if err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	view := summaryView{Total: summary.Total, Batches: make([]batchView, 0, len(summary.Batches))}
	for _, b := range summary.Batches {
		view.Batches = append(view.Batches, batchView{Amount: b.Amount, Source: b.Source, ExpiresAt: b.ExpiresAt})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int `json:"count"`
	}
	if err := decode(r, &req); err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	total, err := s.deps.Credits.Consume(r.Context(), userID, req.Count)
	if err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": total})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PackID int64 `json:"pack_id"`
	}
	if err := decode(r, &req); err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	url, err := s.deps.Payments.CreateCheckout(r.Context(), userID, req.PackID)
	if err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := s.deps.Payments.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature")); err != nil {
		status, msg := ErrorStatus(err)
		if status == http.StatusNotFound || status == http.StatusPaymentRequired {
			status, msg = http.StatusInternalServerError, "internal_error"
		}
		s.log.Error("stripe webhook", "status", status, "err", err)
		writeMessage(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleRemoveBackground(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+1<<20)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()
	if header.Size > s.maxUpload {
		writeMessage(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, s.maxUpload))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "read image")
		return
	}

	userID, _ := auth.UserIDFromContext(r.Context())
	res, err := s.deps.Removals.Process(r.Context(), userID, data)
	if err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	imageID := strings.TrimSpace(chi.URLParam(r, "id"))
	res, err := s.deps.Removals.Download(r.Context(), userID, imageID)
	if err != nil {
		WriteError(w, s.log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
