package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	eventsdomain "github.com/getsafe360/cockpit/internal/module/events/domain"
	jobsapp "github.com/getsafe360/cockpit/internal/module/jobs/application"
	ledgerapp "github.com/getsafe360/cockpit/internal/module/ledger/application"
)

// Server はスキャン/フィックスAPIとSSEストリームを公開するHTTPサーバです
type Server struct {
	orchestrator *jobsapp.Orchestrator
	ledger       *ledgerapp.LedgerService
	bus          eventsdomain.Bus
	apiToken     string
	logger       *slog.Logger
}

// NewServer は新しいServerを作成します
func NewServer(
	orchestrator *jobsapp.Orchestrator,
	ledger *ledgerapp.LedgerService,
	bus eventsdomain.Bus,
	apiToken string,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orchestrator: orchestrator,
		ledger:       ledger,
		bus:          bus,
		apiToken:     apiToken,
		logger:       logger,
	}
}

// Handler は全ルートを束ねたhttp.Handlerを返します
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/scan/start", s.handleScanStart)
	mux.HandleFunc("POST /api/fix/start", s.handleFixStart)
	mux.HandleFunc("GET /api/jobs/{id}/status", s.handleJobStatus)
	mux.HandleFunc("GET /api/jobs/{id}/result", s.handleJobResult)
	mux.HandleFunc("POST /api/fix/accept", s.handleFixAccept)
	mux.HandleFunc("POST /api/fix/cancel", s.handleFixCancel)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/team/tokens", s.handleTeamTokens)
	mux.HandleFunc("POST /api/team/tokens/purchase", s.handleTokensPurchase)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.withAuth(mux)
}

// Run はHTTPサーバを起動し、ctxの終了でグレースフルに停止します
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

// withAuth はBearerトークン認証ミドルウェアです。
// APIトークンが未設定の場合は認証なしで通します。
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken != "" && r.URL.Path != "/healthz" {
			header := r.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header || token != s.apiToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
