package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"drippyd/internal/modules/telemetry/repository"
	"drippyd/internal/modules/telemetry/types"
)

type Options struct {
	RainChannel     string
	RainWindow      time.Duration
	TipsPerInch     float64
	HeartbeatGrace  time.Duration
	RefreshInterval time.Duration
}

type Counters struct {
	Accepted       uint64 `json:"accepted"`
	Duplicates     uint64 `json:"duplicates"`
	DecodeFailures uint64 `json:"decode_failures"`
}

// Service is the ingestion pipeline and aggregation engine: decode, dedup
// gate, transactional append, and the consistent snapshot for readers.
type Service struct {
	repo    repository.TelemetryRepository
	decoder *Decoder
	opts    Options
	logger  *slog.Logger

	accepted       atomic.Uint64
	duplicates     atomic.Uint64
	decodeFailures atomic.Uint64

	now func() time.Time

	mu sync.Mutex
	// storeErr latches the first storage write failure. One sqlite file
	// backs every channel, so a failed write means the medium is suspect
	// and ingestion stops accepting until restart.
	storeErr error
	// liveness holds the last computed alive/stale per device, so the
	// refresh tick can log transitions exactly once.
	liveness map[string]string
}

func New(repo repository.TelemetryRepository, decoder *Decoder, opts Options, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		decoder:  decoder,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		liveness: make(map[string]string),
	}
}

// Ingest processes one raw broker message through the full pipeline.
// It never returns an error to the transport: decode failures and
// duplicates are counted and dropped, storage failures latch the pipeline.
func (s *Service) Ingest(topic string, payload []byte) {
	if err := s.IngestErr(); err != nil {
		s.logger.Error("ingestion halted, dropping message", "topic", topic, "error", err)
		return
	}

	reading, err := s.decoder.Decode(topic, payload, s.now().UTC())
	if err != nil {
		s.decodeFailures.Add(1)
		s.logger.Warn("decode failed",
			"topic", topic,
			"error", err,
			"payload", string(payload),
		)
		return
	}

	inserted, err := s.repo.AppendIfNew(reading)
	if err != nil {
		s.latchStoreErr(err)
		s.logger.Error("storage write failed, refusing further readings",
			"channel", reading.Channel,
			"error", err,
		)
		return
	}

	if !inserted {
		s.duplicates.Add(1)
		s.logger.Debug("duplicate delivery discarded",
			"channel", reading.Channel,
			"dedup_key", reading.DedupKey,
		)
		return
	}

	s.accepted.Add(1)
	s.logger.Debug("reading accepted",
		"channel", reading.Channel,
		"value", reading.Value,
		"received_at", reading.ReceivedAt,
	)
}

// Snapshot assembles the consistent view for external readers. Everything
// is evaluated against the single instant now: the window boundary, the
// staleness check, and generated_at.
func (s *Service) Snapshot(now time.Time) (types.Snapshot, error) {
	now = now.UTC()
	windowStart := now.Add(-s.opts.RainWindow)

	view, err := s.repo.ReadView(s.opts.RainChannel, windowStart, now)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("assemble snapshot: %w", err)
	}

	snap := types.Snapshot{
		GeneratedAt: now,
		Channels:    view.Channels,
		Rainfall: types.Rainfall{
			Channel:     s.opts.RainChannel,
			Window:      s.opts.RainWindow.String(),
			WindowStart: windowStart,
			Tips:        view.WindowSum,
			Inches:      roundMilli(view.WindowSum / s.opts.TipsPerInch),
		},
	}

	for _, rec := range view.Heartbeats {
		status := types.StatusAlive
		if now.Sub(rec.LastHeartbeatAt) > s.opts.HeartbeatGrace {
			status = types.StatusStale
		}
		snap.Devices = append(snap.Devices, types.DeviceStatus{
			DeviceID:        rec.DeviceID,
			Status:          status,
			ReportedStatus:  rec.Status,
			UptimeSeconds:   rec.UptimeSeconds,
			HeapFree:        rec.HeapFree,
			LastHeartbeatAt: rec.LastHeartbeatAt,
		})
	}

	return snap, nil
}

// Channels exposes the latest-per-channel state for the API.
func (s *Service) Channels() ([]types.ChannelState, error) {
	return s.repo.ChannelStates()
}

// Readings exposes the bounded log query for the API, ascending by arrival.
// A zero to-bound means "up to now".
func (s *Service) Readings(channel string, from, to time.Time, limit int) ([]types.Reading, error) {
	if to.IsZero() {
		to = s.now().UTC().Add(time.Second)
	}
	return s.repo.Log(channel, from, to, limit)
}

// Run drives the periodic aggregate refresh until ctx is done. The tick
// keeps the current rainfall total and liveness transitions visible in the
// logs between dashboard polls; correctness never depends on it, since the
// snapshot recomputes both on every read.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Service) refresh() {
	snap, err := s.Snapshot(s.now())
	if err != nil {
		s.logger.Error("aggregate refresh failed", "error", err)
		return
	}

	s.logger.Debug("aggregate refreshed",
		"rain_tips", snap.Rainfall.Tips,
		"rain_inches", snap.Rainfall.Inches,
		"window", snap.Rainfall.Window,
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dev := range snap.Devices {
		prev, seen := s.liveness[dev.DeviceID]
		if seen && prev == dev.Status {
			continue
		}
		s.liveness[dev.DeviceID] = dev.Status
		s.logger.Info("device liveness changed",
			"device_id", dev.DeviceID,
			"status", dev.Status,
			"last_heartbeat_at", dev.LastHeartbeatAt,
		)
	}
}

// IngestErr reports the latched storage failure, or nil while healthy.
func (s *Service) IngestErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeErr
}

func (s *Service) latchStoreErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr == nil {
		s.storeErr = err
	}
}

func (s *Service) Counters() Counters {
	return Counters{
		Accepted:       s.accepted.Load(),
		Duplicates:     s.duplicates.Load(),
		DecodeFailures: s.decodeFailures.Load(),
	}
}

func roundMilli(v float64) float64 {
	return math.Round(v*1000) / 1000
}
