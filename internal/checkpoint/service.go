package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devcrew/internal/config"
)

const instrumentationName = "github.com/fyrsmithlabs/devcrew/internal/checkpoint"

// Service is a Store decorated with tracing, metrics and ID assignment.
type Service struct {
	store  Store
	logger *zap.Logger

	tracer      trace.Tracer
	saveCounter metric.Int64Counter
	loadCounter metric.Int64Counter

	now func() time.Time
}

// Open builds the Store selected by cfg and wraps it in a Service.
func Open(cfg config.CheckpointConfig, logger *zap.Logger) (*Service, error) {
	var store Store
	switch cfg.Backend {
	case "", "memory":
		store = NewMemoryStore()
	case "sqlite":
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
	return NewService(store, logger)
}

// NewService wraps store.
func NewService(store Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
	}

	meter := otel.Meter(instrumentationName)
	var err error
	s.saveCounter, err = meter.Int64Counter(
		"devcrew.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		logger.Warn("failed to create save counter", zap.Error(err))
	}
	s.loadCounter, err = meter.Int64Counter(
		"devcrew.checkpoint.loads_total",
		metric.WithDescription("Total number of checkpoint loads"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		logger.Warn("failed to create load counter", zap.Error(err))
	}

	return s, nil
}

// Save assigns an ID and timestamp when missing, then persists snap.
func (s *Service) Save(ctx context.Context, snap Snapshot) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	if snap.SessionID == "" {
		return Snapshot{}, errors.New("checkpoint: session id is required")
	}
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}

	span.SetAttributes(
		attribute.String("session_id", snap.SessionID),
		attribute.String("node", snap.Node),
		attribute.Int("turn", snap.Turn),
	)

	if err := s.store.Save(ctx, snap); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Snapshot{}, err
	}

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("node", snap.Node)))
	}
	s.logger.Debug("saved checkpoint",
		zap.String("id", snap.ID),
		zap.String("session_id", snap.SessionID),
		zap.String("node", snap.Node),
		zap.Int("turn", snap.Turn),
	)
	return snap, nil
}

// Load returns the latest snapshot of a session.
func (s *Service) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.load")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	snap, err := s.store.Load(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return Snapshot{}, err
	}
	if s.loadCounter != nil {
		s.loadCounter.Add(ctx, 1)
	}
	return snap, nil
}

// History returns every snapshot of a session in order.
func (s *Service) History(ctx context.Context, sessionID string) ([]Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.history")
	defer span.End()
	return s.store.History(ctx, sessionID)
}

// List returns recent sessions, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]SessionInfo, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.list")
	defer span.End()
	infos, err := s.store.List(ctx, limit)
	span.SetAttributes(attribute.Int("result_count", len(infos)))
	return infos, err
}

// Delete removes a session's snapshots.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "checkpoint.delete")
	defer span.End()
	return s.store.Delete(ctx, sessionID)
}

// Close closes the underlying store.
func (s *Service) Close() error {
	return s.store.Close()
}
