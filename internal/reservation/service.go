package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-reservation/internal/events"
	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/monitoring"
	"ms-reservation/internal/utils"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the unit store and hold ledger. Methods taking a bun.IDB run on
// the given handle so strategies can compose them in one transaction.
type Store interface {
	Conn() bun.IDB
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error
	GetUnit(ctx context.Context, idb bun.IDB, id string) (*models.Unit, error)
	GetUnitForUpdate(ctx context.Context, tx bun.IDB, id string) (*models.Unit, error)
	UpdateUnit(ctx context.Context, idb bun.IDB, unit *models.Unit, expectedVersion int64) error
	CreateUnits(ctx context.Context, units []models.Unit) error
	SetUnitHot(ctx context.Context, id string, hot bool) error
	GetHold(ctx context.Context, idb bun.IDB, id string) (*models.Hold, error)
	InsertHold(ctx context.Context, idb bun.IDB, hold *models.Hold) error
	CloseHold(ctx context.Context, idb bun.IDB, id string, status models.HoldStatus, at time.Time) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, evt models.UnitStateChanged) error
}

// EventCatalog answers whether an event id is known to the catalog service.
type EventCatalog interface {
	EventExists(ctx context.Context, eventID string) (bool, error)
}

const DefaultHoldDuration = 15 * time.Minute

type Options struct {
	HoldDuration time.Duration
	// MaxRetries bounds how often a version conflict is retried before
	// models.ErrConcurrencyConflict reaches the caller.
	MaxRetries int
	Clock      utils.Clock
	Logger     *logger.Logger
}

// Service is the concurrency arbiter for holds on units.
type Service struct {
	store        Store
	strategy     Strategy
	events       EventPublisher
	catalog      EventCatalog
	clock        utils.Clock
	logger       *logger.Logger
	tracer       trace.Tracer
	holdDuration time.Duration
	maxRetries   int
}

// errHoldClosed aborts a transaction whose hold was closed by a concurrent
// writer. The caller treats it as a no-op.
var errHoldClosed = errors.New("hold closed concurrently")

func NewService(store Store, strategy Strategy, publisher EventPublisher, catalog EventCatalog, opts Options) *Service {
	if opts.HoldDuration <= 0 {
		opts.HoldDuration = DefaultHoldDuration
	}
	if opts.Clock == nil {
		opts.Clock = utils.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Service{
		store:        store,
		strategy:     strategy,
		events:       publisher,
		catalog:      catalog,
		clock:        opts.Clock,
		logger:       opts.Logger,
		tracer:       otel.Tracer("ms-reservation/reservation"),
		holdDuration: opts.HoldDuration,
		maxRetries:   opts.MaxRetries,
	}
}

func (s *Service) Strategy() Strategy {
	return s.strategy
}

// ---------------- HOLDS ----------------

// PlaceHold moves an AVAILABLE unit to HELD and opens an ACTIVE hold on it.
func (s *Service) PlaceHold(ctx context.Context, unitID, holderRef string) (hold *models.Hold, err error) {
	ctx, span := s.tracer.Start(ctx, "reservation.PlaceHold", trace.WithAttributes(
		attribute.String("unit.id", unitID),
		attribute.String("lock.strategy", s.strategy.Name()),
	))
	start := time.Now()
	defer func() { s.finish(span, "place", start, err) }()

	var committed *models.Unit
	err = s.retry(ctx, func() error {
		hold, committed = nil, nil
		return s.strategy.Mutate(ctx, unitID, func(ctx context.Context, tx bun.Tx, unit *models.Unit) (bool, error) {
			if unit.Status != models.UnitStatusAvailable {
				return false, models.ErrUnitNotAvailable
			}
			now := s.now()
			h := &models.Hold{
				ID:        utils.NewHoldID(),
				UnitID:    unit.ID,
				EventID:   unit.EventID,
				HolderRef: holderRef,
				Status:    models.HoldStatusActive,
				CreatedAt: now,
				ExpiresAt: now.Add(s.holdDuration),
			}
			if err := s.store.InsertHold(ctx, tx, h); err != nil {
				return false, err
			}
			unit.MarkHeld(h.ID, holderRef, h.ExpiresAt, now)
			hold, committed = h, unit
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("hold.id", hold.ID))
	s.logger.LogHold("PLACE", hold.ID, fmt.Sprintf("unit %s held for %s until %s", unitID, holderRef, hold.ExpiresAt.Format(time.RFC3339)))
	s.publish(ctx, committed, hold.ID)
	return hold, nil
}

// ReleaseHold cancels an ACTIVE hold and returns its unit to the pool. A hold
// that is no longer ACTIVE is left as it is.
func (s *Service) ReleaseHold(ctx context.Context, holdID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "reservation.ReleaseHold", trace.WithAttributes(attribute.String("hold.id", holdID)))
	start := time.Now()
	defer func() { s.finish(span, "release", start, err) }()

	hold, err := s.store.GetHold(ctx, s.store.Conn(), holdID)
	if err != nil {
		return err
	}
	if !hold.IsActive() {
		s.logger.Debug("HOLD", fmt.Sprintf("release of %s hold %s ignored", hold.Status, holdID))
		return nil
	}
	_, err = s.closeHold(ctx, hold, models.HoldStatusCancelled)
	return err
}

// ExpireHold closes the hold as EXPIRED if it is still ACTIVE and its expiry
// is at or before now. It reports whether this call closed the hold.
func (s *Service) ExpireHold(ctx context.Context, holdID string, now time.Time) (expired bool, err error) {
	ctx, span := s.tracer.Start(ctx, "reservation.ExpireHold", trace.WithAttributes(attribute.String("hold.id", holdID)))
	start := time.Now()
	defer func() { s.finish(span, "expire", start, err) }()

	hold, err := s.store.GetHold(ctx, s.store.Conn(), holdID)
	if err != nil {
		return false, err
	}
	if !hold.IsActive() || !hold.ExpiredAt(now) {
		return false, nil
	}
	return s.closeHold(ctx, hold, models.HoldStatusExpired)
}

// ConsumeHold sells the unit under an ACTIVE, unexpired hold.
func (s *Service) ConsumeHold(ctx context.Context, holdID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "reservation.ConsumeHold", trace.WithAttributes(
		attribute.String("hold.id", holdID),
		attribute.String("lock.strategy", s.strategy.Name()),
	))
	start := time.Now()
	defer func() { s.finish(span, "consume", start, err) }()

	hold, err := s.store.GetHold(ctx, s.store.Conn(), holdID)
	if err != nil {
		return err
	}
	if !hold.IsActive() {
		return models.ErrHoldNotActive
	}
	if hold.ExpiredAt(s.now()) {
		return models.ErrHoldExpired
	}

	var committed *models.Unit
	err = s.retry(ctx, func() error {
		committed = nil
		return s.strategy.Mutate(ctx, hold.UnitID, func(ctx context.Context, tx bun.Tx, unit *models.Unit) (bool, error) {
			if !unit.HeldBy(hold.ID) {
				return false, models.ErrHoldNotActive
			}
			// Lock waits and retries can outlast the hold.
			now := s.now()
			if hold.ExpiredAt(now) {
				return false, models.ErrHoldExpired
			}
			closed, err := s.store.CloseHold(ctx, tx, hold.ID, models.HoldStatusConsumed, now)
			if err != nil {
				return false, err
			}
			if !closed {
				return false, models.ErrHoldNotActive
			}
			unit.MarkSold(now)
			committed = unit
			return true, nil
		})
	})
	if err != nil {
		return err
	}

	s.logger.LogHold("CONSUME", holdID, fmt.Sprintf("unit %s sold", hold.UnitID))
	s.publish(ctx, committed, hold.ID)
	return nil
}

// closeHold ends an ACTIVE hold with status. The unit goes back to AVAILABLE
// only if it is still held under this hold; a unit sold under the hold closes
// it as CONSUMED instead. Reports whether this call closed the hold.
func (s *Service) closeHold(ctx context.Context, hold *models.Hold, status models.HoldStatus) (bool, error) {
	var (
		committed *models.Unit
		closedAs  models.HoldStatus
	)
	err := s.retry(ctx, func() error {
		committed, closedAs = nil, ""
		err := s.strategy.Mutate(ctx, hold.UnitID, func(ctx context.Context, tx bun.Tx, unit *models.Unit) (bool, error) {
			now := s.now()
			final := status
			release := false
			switch {
			case unit.HeldBy(hold.ID):
				release = true
			case unit.SoldUnder(hold.ID):
				final = models.HoldStatusConsumed
			}

			closed, err := s.store.CloseHold(ctx, tx, hold.ID, final, now)
			if err != nil {
				return false, err
			}
			if !closed {
				return false, errHoldClosed
			}
			closedAs = final
			if !release {
				return false, nil
			}
			unit.MarkAvailable(now)
			committed = unit
			return true, nil
		})
		if errors.Is(err, errHoldClosed) {
			closedAs = ""
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}
	if closedAs == "" {
		return false, nil
	}

	s.logger.LogHold(string(closedAs), hold.ID, fmt.Sprintf("hold on unit %s closed", hold.UnitID))
	if committed != nil {
		s.publish(ctx, committed, hold.ID)
	}
	return true, nil
}

// GetHold returns the hold as stored.
func (s *Service) GetHold(ctx context.Context, holdID string) (*models.Hold, error) {
	return s.store.GetHold(ctx, s.store.Conn(), holdID)
}

// ---------------- UNITS ----------------

func (s *Service) GetUnit(ctx context.Context, unitID string) (*models.Unit, error) {
	return s.store.GetUnit(ctx, s.store.Conn(), unitID)
}

// SetUnitHot marks a unit as contended. Under the adaptive strategy hot units
// are written behind a row lock.
func (s *Service) SetUnitHot(ctx context.Context, unitID string, hot bool) error {
	if err := s.store.SetUnitHot(ctx, unitID, hot); err != nil {
		return err
	}
	s.logger.Info("UNIT", fmt.Sprintf("unit %s hot=%t", unitID, hot))
	return nil
}

// LoadUnits adds catalog units as AVAILABLE. Every referenced event must be
// known to the catalog.
func (s *Service) LoadUnits(ctx context.Context, units []models.Unit) error {
	ctx, span := s.tracer.Start(ctx, "reservation.LoadUnits", trace.WithAttributes(attribute.Int("units", len(units))))
	defer span.End()

	checked := make(map[string]bool)
	now := s.now()
	for i := range units {
		u := &units[i]
		if u.ID == "" || u.EventID == "" {
			return fmt.Errorf("unit %d: id and event id are required", i)
		}
		if !checked[u.EventID] && s.catalog != nil {
			ok, err := s.catalog.EventExists(ctx, u.EventID)
			if err != nil {
				return fmt.Errorf("check event %s: %w", u.EventID, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s", models.ErrEventNotFound, u.EventID)
			}
		}
		checked[u.EventID] = true

		u.Status = models.UnitStatusAvailable
		u.HoldID, u.HolderRef, u.HoldExpiresAt = nil, nil, nil
		u.Version = 0
		u.CreatedAt, u.UpdatedAt = now, now
	}

	if err := s.store.CreateUnits(ctx, units); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	s.logger.LogDatabase("INSERT", "units", fmt.Sprintf("loaded %d units for %d events", len(units), len(checked)))
	for i := range units {
		s.publish(ctx, &units[i], "")
	}
	return nil
}

// ---------------- HELPERS ----------------

func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}

// retry reruns op while it loses optimistic races, at most maxRetries times.
func (s *Service) retry(ctx context.Context, op func() error) error {
	for attempt := 0; ; attempt++ {
		err := op()
		if !errors.Is(err, models.ErrConcurrencyConflict) {
			return err
		}
		monitoring.TrackConflict(s.strategy.Name())
		if attempt >= s.maxRetries {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		s.logger.Debug("HOLD", fmt.Sprintf("version conflict, retry %d/%d", attempt+1, s.maxRetries))
	}
}

// publish announces a committed unit change. Subscriber failures are logged;
// the mutation has already committed.
func (s *Service) publish(ctx context.Context, unit *models.Unit, holdID string) {
	if s.events == nil {
		return
	}
	evt := models.NewUnitStateChanged(unit, holdID, s.now())
	if err := s.events.Publish(ctx, events.TopicUnitStateChanged, evt); err != nil {
		s.logger.Warn("EVENTS", fmt.Sprintf("unit %s v%d: %v", unit.ID, unit.Version, err))
	}
}

func (s *Service) finish(span trace.Span, operation string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	monitoring.TrackHoldOperation(operation, Outcome(err), time.Since(start))
}

// Outcome names an error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, models.ErrUnitNotFound), errors.Is(err, models.ErrHoldNotFound):
		return "not_found"
	case errors.Is(err, models.ErrUnitNotAvailable):
		return "not_available"
	case errors.Is(err, models.ErrUnitExists):
		return "exists"
	case errors.Is(err, models.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, models.ErrHoldNotActive):
		return "not_active"
	case errors.Is(err, models.ErrHoldExpired):
		return "expired"
	default:
		return "error"
	}
}
