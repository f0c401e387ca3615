package handler

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"escrow-engine/internal/botpool"
	"escrow-engine/internal/queue"
	"escrow-engine/internal/repository"
	"escrow-engine/internal/service"
	"escrow-engine/pkg/apierror"
	"escrow-engine/pkg/response"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	ledger    repository.Ledger
	queue     queue.Queue
	pool      *botpool.Pool
	alerts    repository.AlertStore
	inventory *service.InventoryService
	scanner   *service.Scanner
	syncApps  []int
	ledgerDB  string
	startTime time.Time
	log       *zap.Logger
}

// AdminDeps groups what the admin endpoints read from.
type AdminDeps struct {
	Ledger    repository.Ledger
	Queue     queue.Queue
	Pool      *botpool.Pool
	Alerts    repository.AlertStore
	Inventory *service.InventoryService
	Scanner   *service.Scanner
	SyncApps  []int
	LedgerDB  string
	Log       *zap.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(d AdminDeps) *AdminHandler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &AdminHandler{
		ledger:    d.Ledger,
		queue:     d.Queue,
		pool:      d.Pool,
		alerts:    d.Alerts,
		inventory: d.Inventory,
		scanner:   d.Scanner,
		syncApps:  d.SyncApps,
		ledgerDB:  d.LedgerDB,
		startTime: time.Now(),
		log:       d.Log.Named("admin"),
	}
}

// GetStats handles GET /api/v1/admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := make(map[string]interface{})

	stats["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())
	stats["uptime_human"] = time.Since(h.startTime).Round(time.Second).String()
	stats["server_time"] = time.Now().Format(time.RFC3339)
	stats["ledger_db"] = h.ledgerDB

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats["memory"] = map[string]interface{}{
		"alloc_mb":      float64(memStats.Alloc) / 1024 / 1024,
		"sys_mb":        float64(memStats.Sys) / 1024 / 1024,
		"heap_inuse_mb": float64(memStats.HeapInuse) / 1024 / 1024,
		"num_gc":        memStats.NumGC,
		"goroutines":    runtime.NumGoroutine(),
	}

	if h.ledger != nil {
		if ls, err := h.ledger.Stats(ctx); err == nil {
			stats["ledger"] = ls
		} else {
			stats["ledger"] = map[string]interface{}{"status": "error", "error": err.Error()}
		}
		// Should always be empty; anything here means a listing was double sold.
		if ids, err := h.ledger.ListingsWithMultipleActiveTrades(ctx); err == nil {
			stats["oversold_listings"] = ids
		}
	}

	if h.queue != nil {
		if qs, err := h.queue.Stats(ctx); err == nil {
			stats["queue"] = qs
		} else {
			stats["queue"] = map[string]interface{}{"status": "error", "error": err.Error()}
		}
	}

	if h.pool != nil {
		byState := make(map[string]int)
		for _, b := range h.pool.Snapshot() {
			byState[string(b.State)]++
		}
		stats["bots"] = byState
	}

	if h.inventory != nil && h.pool != nil {
		synced := make(map[string]string)
		for _, id := range h.pool.BotIDs() {
			for _, app := range h.syncApps {
				if at, ok := h.inventory.LastSync(id, app); ok {
					synced[id+"/"+strconv.Itoa(app)] = at.UTC().Format(time.RFC3339)
				}
			}
		}
		stats["last_inventory_sync"] = synced
	}

	response.OK(w, stats)
}

// ListBots handles GET /api/v1/admin/bots
func (h *AdminHandler) ListBots(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		response.Error(w, apierror.ServiceUnavailable("bot pool not configured"))
		return
	}
	response.OK(w, h.pool.Snapshot())
}

// ReconnectBot handles POST /api/v1/admin/bots/{id}/reconnect
func (h *AdminHandler) ReconnectBot(w http.ResponseWriter, r *http.Request) {
	if h.pool == nil {
		response.Error(w, apierror.ServiceUnavailable("bot pool not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.pool.Reconnect(r.Context(), id); err != nil {
		h.log.Warn("manual reconnect failed", zap.String("bot", id), zap.Error(err))
		response.Error(w, apierror.Conflict(err.Error()))
		return
	}
	response.OK(w, map[string]string{"bot": id, "status": "reconnected"})
}

// BotInventory handles GET /api/v1/admin/bots/{id}/inventory?app_id=
func (h *AdminHandler) BotInventory(w http.ResponseWriter, r *http.Request) {
	if h.inventory == nil {
		response.Error(w, apierror.ServiceUnavailable("inventory not configured"))
		return
	}
	appID, err := strconv.Atoi(r.URL.Query().Get("app_id"))
	if err != nil || appID <= 0 {
		response.Error(w, apierror.ValidationError("invalid query",
			apierror.FieldError{Field: "app_id", Message: "must be a positive integer"}))
		return
	}
	items, err := h.inventory.Inventory(r.Context(), chi.URLParam(r, "id"), appID)
	if err != nil {
		h.log.Error("read inventory", zap.Error(err))
		response.Error(w, apierror.InternalError("failed to read inventory"))
		return
	}
	response.JSONWithMeta(w, http.StatusOK, items, len(items), int64(len(items)))
}

// RecentAlerts handles GET /api/v1/admin/alerts?limit=
func (h *AdminHandler) RecentAlerts(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		response.Error(w, apierror.ServiceUnavailable("alert store not configured"))
		return
	}
	limit := queryLimit(r, 50, 500)
	alerts, err := h.alerts.RecentAlerts(r.Context(), limit)
	if err != nil {
		h.log.Error("read alerts", zap.Error(err))
		response.Error(w, apierror.InternalError("failed to read alerts"))
		return
	}
	response.JSONWithMeta(w, http.StatusOK, alerts, limit, int64(len(alerts)))
}

// DeadJobs handles GET /api/v1/admin/jobs/dead?limit=
func (h *AdminHandler) DeadJobs(w http.ResponseWriter, r *http.Request) {
	if h.queue == nil {
		response.Error(w, apierror.ServiceUnavailable("queue not configured"))
		return
	}
	limit := queryLimit(r, 50, 500)
	jobs, err := h.queue.DeadJobs(r.Context(), limit)
	if err != nil {
		h.log.Error("read dead jobs", zap.Error(err))
		response.Error(w, apierror.InternalError("failed to read dead jobs"))
		return
	}
	response.JSONWithMeta(w, http.StatusOK, jobs, limit, int64(len(jobs)))
}

// RunScanner handles POST /api/v1/admin/scanner/run
func (h *AdminHandler) RunScanner(w http.ResponseWriter, r *http.Request) {
	if h.scanner == nil {
		response.Error(w, apierror.ServiceUnavailable("scanner not configured"))
		return
	}
	rep, err := h.scanner.RunNow()
	if err != nil {
		h.log.Warn("manual sweep finished with errors", zap.Error(err))
	}
	response.OK(w, rep)
}

func queryLimit(r *http.Request, def, max int) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
