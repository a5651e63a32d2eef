package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/persistence"
	"polycopy/pkg/types"
)

const defaultTradesLimit = 100

// Handlers implements the read-only control-plane endpoints. Each
// handler opens no persistent session of its own: every call reads straight
// through to the store, which itself takes a fresh Pebble iterator per
// query, so there is no per-request handle to leak or pool.
type Handlers struct {
	store   *persistence.Store
	traders *config.ReloadableTraders
	started time.Time
}

// NewHandlers wires a Handlers against the store and reloadable trader set.
// store may be nil if persistence is disabled, in which case the data
// endpoints reply 503.
func NewHandlers(store *persistence.Store, traders *config.ReloadableTraders) *Handlers {
	return &Handlers{store: store, traders: traders, started: time.Now()}
}

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Generation    uint64 `json:"config_generation"`
}

// HandleHealth reports liveness and the current trader-config generation.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	gen := uint64(0)
	if h.traders != nil {
		gen = h.traders.Generation()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Generation:    gen,
	})
}

// HandlePositions returns net per-token positions derived from trade history.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence store not configured")
		return
	}
	positions, err := h.store.GetPositions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandleTrades returns recent trade records, newest first, optionally
// bounded by ?limit= and ?since= (unix millis). The store's read path only
// accepts a limit, so a since filter is applied by over-fetching and
// trimming here rather than pushing a range query down into Pebble.
// Only flushed records are returned: rows still in the store's write
// buffer appear after its next flush.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence store not configured")
		return
	}

	limit := defaultTradesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = v
	}

	fetch := limit
	if since > 0 && fetch < 10*defaultTradesLimit {
		fetch = 10 * defaultTradesLimit
	}

	trades, err := h.store.GetRecentTrades(fetch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed: "+err.Error())
		return
	}

	if since > 0 {
		filtered := trades[:0]
		for _, t := range trades {
			if t.TimestampMs >= since {
				filtered = append(filtered, t)
			}
		}
		trades = filtered
	}
	if len(trades) > limit {
		trades = trades[:limit]
	}

	writeJSON(w, http.StatusOK, trades)
}

type statsResponse struct {
	Aggregation types.AggregationStats `json:"aggregation"`
	Traders     []types.TraderStatsRow `json:"traders"`
}

// HandleStats returns aggregation amortization stats plus per-trader
// counters, sourced from the persisted TraderStatsRow snapshot so the
// numbers survive a restart.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence store not configured")
		return
	}
	agg, err := h.store.GetAggregationStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed: "+err.Error())
		return
	}
	traders, err := h.store.GetAllTraderStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "query failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Aggregation: agg, Traders: traders})
}

type reloadResponse struct {
	Success bool   `json:"success"`
	Changed bool   `json:"changed"`
	Message string `json:"message"`
}

// HandleReload forces an immediate re-read of the trader config file,
// bumping the generation counter (and the ingest loop's subscription) if
// the file actually changed.
func (h *Handlers) HandleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if h.traders == nil {
		writeError(w, http.StatusServiceUnavailable, "trader config not configured")
		return
	}
	changed, err := h.traders.Reload(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, reloadResponse{Success: false, Changed: false, Message: err.Error()})
		return
	}
	msg := "no changes"
	if changed {
		msg = "trader config reloaded"
	}
	writeJSON(w, http.StatusOK, reloadResponse{Success: true, Changed: changed, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
