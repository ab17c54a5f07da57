package controller

import (
	"net/http"
	"time"

	"drippyd/internal/utils"
)

func (c *telemetryControllerImpl) handleLatest(w http.ResponseWriter, r *http.Request) {
	snapshot, err := c.service.Snapshot(time.Now().UTC())
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, snapshot)
}

func (c *telemetryControllerImpl) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := c.service.Channels()
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.WriteJSON(w, http.StatusOK, channels)
}

// handleReadings serves the raw arrival-ordered log for one channel. Channel
// names contain slashes, so the path segment arrives percent-encoded
// (rain_gauge_station%2Fsensor%2Frain_gauge_tips).
func (c *telemetryControllerImpl) handleReadings(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if channel == "" {
		utils.WriteError(w, http.StatusBadRequest, "missing channel")
		return
	}

	from, to, limit, err := parseReadingsQuery(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := c.service.Readings(channel, from, to, limit)
	if err != nil {
		utils.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.WriteJSON(w, http.StatusOK, readings)
}
