package httpapi

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"drippyd/internal/modules/telemetry/service"
	"drippyd/internal/utils"
)

// IngestHealth exposes the ingestion pipeline state to the healthcheck.
// A non-nil IngestErr means a storage write failed and ingestion is halted.
type IngestHealth interface {
	IngestErr() error
	Counters() service.Counters
}

// BrokerStatus reports whether the MQTT connection is currently up.
type BrokerStatus interface {
	IsConnected() bool
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	db     *sql.DB
	ingest IngestHealth
	broker BrokerStatus
}

func NewHealthchecker(db *sql.DB, ingest IngestHealth, broker BrokerStatus) healthchecker {
	return &healthcheckerImpl{db: db, ingest: ingest, broker: broker}
}

func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}

	var ok int
	if err := h.db.QueryRow(`SELECT 1`).Scan(&ok); err != nil {
		slog.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusServiceUnavailable, "failed to check database connectivity")
		return
	}

	if err := h.ingest.IngestErr(); err != nil {
		body["status"] = "failed"
		body["ingest_error"] = err.Error()
	}

	c := h.ingest.Counters()
	body["counters"] = map[string]uint64{
		"accepted":        c.Accepted,
		"duplicates":      c.Duplicates,
		"decode_failures": c.DecodeFailures,
	}
	body["mqtt_connected"] = h.broker.IsConnected()

	// Host stats are best effort; a probe failure never degrades health.
	if vMem, err := mem.VirtualMemory(); err == nil {
		body["mem_used_mb"] = float64(vMem.Total-vMem.Available) / 1024.0 / 1024.0
		body["mem_total_mb"] = float64(vMem.Total) / 1024.0 / 1024.0
	} else {
		slog.Debug("memory stats unavailable", "error", err)
	}
	if dStat, err := disk.Usage("/"); err == nil {
		body["disk_used_gb"] = float64(dStat.Used) / 1024.0 / 1024.0 / 1024.0
		body["disk_total_gb"] = float64(dStat.Total) / 1024.0 / 1024.0 / 1024.0
	} else {
		slog.Debug("disk stats unavailable", "error", err)
	}

	status := http.StatusOK
	if body["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	utils.WriteJSON(w, status, body)
}

func registerHealthcheck(mux *http.ServeMux, db *sql.DB, ingest IngestHealth, broker BrokerStatus) {
	healthchecker := NewHealthchecker(db, ingest, broker)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
