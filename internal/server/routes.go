package server

import (
	"net/http"
	"time"

	"marketcache/internal/batch"
	"marketcache/internal/marketdata"
)

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(fillSvc *batch.Service, orch *batch.Orchestrator, adminSvc *marketdata.Service, syncThreshold int, syncWindow time.Duration) http.Handler {
	return newMux(fillSvc, orch, adminSvc, syncThreshold, syncWindow)
}

func newMux(fillSvc *batch.Service, orch *batch.Orchestrator, adminSvc *marketdata.Service, syncThreshold int, syncWindow time.Duration) http.Handler {
	h := &handler{
		fillSvc:       fillSvc,
		orch:          orch,
		adminSvc:      adminSvc,
		syncThreshold: syncThreshold,
		syncWindow:    syncWindow,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /fill-cache", h.fillCache)
	mux.HandleFunc("GET /fill-cache-batch-status", h.batchStatus)
	mux.HandleFunc("POST /fill-cache-batch-orchestrator", h.batchOrchestrator)
	mux.HandleFunc("GET /failed-tickers", h.failedTickers)
	mux.HandleFunc("POST /cache-management", h.cacheManagement)

	// Middleware stack: requestID -> recovery -> logging, so the panic log
	// and the access log both carry the request id.
	var handler http.Handler = mux
	handler = logging(handler)
	handler = recovery(handler)
	handler = requestID(handler)

	return handler
}
