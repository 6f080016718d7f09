// Package api exposes imports, exchange accounts and the ledger over HTTP.
//
//	POST   /import?name=&skipDuplicates=&detectOnly=
//	GET    /exchanges
//	POST   /exchanges/sync
//	POST   /exchanges/{id}/test
//	PUT    /exchanges/{id}/credentials
//	DELETE /exchanges/{id}/credentials
//	POST   /exchanges/{id}/sync?startDate=&endDate=
//	GET    /exchanges/{id}/balances
//	GET    /transactions?source=&type=&from=&to=
//
// Failures are reported as {"code": reason, "message": text}. Credential
// values are never part of a response.
package api

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/etnz/hodl"
	"github.com/etnz/hodl/ingest"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultMaxUpload bounds the size of an imported file.
const DefaultMaxUpload = 32 << 20

// Server handles the HTTP API.
type Server struct {
	Importer  *ingest.Importer
	Syncer    *ingest.Syncer
	Exchanges *ingest.Exchanges
	Ledger    hodl.Ledger
	Logger    *log.Logger
	// MaxUpload is the maximum size of an imported file, DefaultMaxUpload if zero.
	MaxUpload int64
}

func (s *Server) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}

// Router returns the routes of the API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Post("/import", s.handleImport)
	r.Get("/transactions", s.handleTransactions)

	r.Route("/exchanges", func(r chi.Router) {
		r.Get("/", s.handleExchanges)
		r.Post("/sync", s.handleSyncAll)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/test", s.handleTest)
			r.Put("/credentials", s.handleSaveCredentials)
			r.Delete("/credentials", s.handleDeleteCredentials)
			r.Post("/sync", s.handleSync)
			r.Get("/balances", s.handleBalances)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return r
}

// logRequests logs every request once it is served.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger().Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// NewHTTPServer returns an http.Server serving s on addr.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     s.Router(),
		ReadTimeout: 60 * time.Second,
		// syncs can be long
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}
