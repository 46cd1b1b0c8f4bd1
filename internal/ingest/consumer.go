// Package ingest consumes vehicle telemetry from NATS and drives the trip
// controller and the geofence matcher.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"shuttle-telemetry/internal/fleet"
	"shuttle-telemetry/internal/geo"
	"shuttle-telemetry/internal/geofence"
	"shuttle-telemetry/internal/publisher"
)

const (
	KindPosition = "position"
	KindMotion   = "motion"
	KindGeofence = "geofence"
)

type TripEngine interface {
	StartTrip(ctx context.Context, sig fleet.MotionSignal) (string, error)
	EndTrip(ctx context.Context, sig fleet.MotionSignal) (bool, error)
	UpdateTripStats(ctx context.Context, vehicleID int64, speed float64, pos geo.Point) (bool, error)
}

type GeofenceEngine interface {
	CheckAllStops(ctx context.Context, vehicleID int64, pos geo.Point) (*geofence.CheckResult, error)
	RecordEvent(ctx context.Context, ev fleet.GeofenceEvent) error
}

type VehicleRegistry interface {
	GetVehicle(ctx context.Context, id int64) (*fleet.Vehicle, error)
}

type EventPublisher interface {
	PublishGeofenceEnter(stop fleet.Stop, ev fleet.GeofenceEvent) error
}

type Metrics interface {
	MessageInc(kind, result string)
}

// DefaultTimeout bounds one message when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

type Config struct {
	Prefix     string
	QueueGroup string
	// Timeout bounds the handling of one message.
	Timeout time.Duration
}

type Deps struct {
	Trips     TripEngine
	Geofences GeofenceEngine
	Vehicles  VehicleRegistry
	Events    EventPublisher // optional
	Metrics   Metrics        // optional
}

type Consumer struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	base   context.Context
	subs   []*nats.Subscription
}

func NewConsumer(cfg Config, deps Deps, logger *zap.Logger) *Consumer {
	cfg.Prefix = publisher.SubjectToken(cfg.Prefix)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{cfg: cfg, deps: deps, logger: logger, base: context.Background()}
}

// Subjects lists the wildcard subjects the consumer listens on.
func (c *Consumer) Subjects() []string {
	return []string{
		c.cfg.Prefix + ".*." + KindPosition,
		c.cfg.Prefix + ".*." + KindMotion,
		c.cfg.Prefix + ".*." + KindGeofence,
	}
}

// Subscribe attaches the consumer to nc. Messages are handled under ctx,
// so cancelling it aborts in-flight work.
func (c *Consumer) Subscribe(ctx context.Context, nc *nats.Conn) error {
	c.base = ctx
	for _, subject := range c.Subjects() {
		var (
			sub *nats.Subscription
			err error
		)
		if c.cfg.QueueGroup != "" {
			sub, err = nc.QueueSubscribe(subject, c.cfg.QueueGroup, c.HandleMsg)
		} else {
			sub, err = nc.Subscribe(subject, c.HandleMsg)
		}
		if err != nil {
			c.Unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.subs = append(c.subs, sub)
	}
	c.logger.Info("ingest subscribed", zap.Strings("subjects", c.Subjects()), zap.String("queue", c.cfg.QueueGroup))
	return nil
}

// Unsubscribe drains every subscription taken by Subscribe.
func (c *Consumer) Unsubscribe() {
	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription failed", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	c.subs = nil
}

// HandleMsg is the NATS callback. Failures are logged and counted; the
// subscription keeps running.
func (c *Consumer) HandleMsg(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(c.base, c.cfg.Timeout)
	defer cancel()

	kind := kindOf(msg.Subject)
	err := c.Handle(ctx, msg.Subject, msg.Data)
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, fleet.ErrInvalidInput), errors.Is(err, fleet.ErrNotFound):
		result = "invalid"
		c.logger.Warn("rejected telemetry message", zap.String("subject", msg.Subject), zap.Error(err))
	default:
		result = "error"
		c.logger.Error("telemetry message failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.MessageInc(kind, result)
	}
}

func kindOf(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

// Handle decodes one message and applies it. Malformed messages and unknown
// vehicles fail with fleet.ErrInvalidInput or fleet.ErrNotFound before any
// state is touched.
func (c *Consumer) Handle(ctx context.Context, subject string, data []byte) error {
	vehicleID, kind, err := c.parseSubject(subject)
	if err != nil {
		return err
	}
	switch kind {
	case KindPosition:
		var p positionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return invalid("decode position: %v", err)
		}
		s, err := p.sample(vehicleID)
		if err != nil {
			return err
		}
		if err := c.knownVehicle(ctx, vehicleID); err != nil {
			return err
		}
		return c.handlePosition(ctx, s)
	case KindMotion:
		var m motionPayload
		if err := json.Unmarshal(data, &m); err != nil {
			return invalid("decode motion: %v", err)
		}
		sig, err := m.signal(vehicleID)
		if err != nil {
			return err
		}
		if err := c.knownVehicle(ctx, vehicleID); err != nil {
			return err
		}
		return c.handleMotion(ctx, sig)
	case KindGeofence:
		var g geofencePayload
		if err := json.Unmarshal(data, &g); err != nil {
			return invalid("decode geofence: %v", err)
		}
		ev, err := g.event(vehicleID)
		if err != nil {
			return err
		}
		if err := c.knownVehicle(ctx, vehicleID); err != nil {
			return err
		}
		return c.deps.Geofences.RecordEvent(ctx, ev)
	}
	return invalid("unknown message kind %q", kind)
}

func (c *Consumer) parseSubject(subject string) (int64, string, error) {
	rest, ok := strings.CutPrefix(subject, c.cfg.Prefix+".")
	if !ok {
		return 0, "", invalid("subject %q outside prefix %q", subject, c.cfg.Prefix)
	}
	idPart, kind, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(kind, ".") {
		return 0, "", invalid("subject %q is not <prefix>.<vehicle>.<kind>", subject)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", invalid("subject %q has no vehicle id", subject)
	}
	return id, kind, nil
}

func (c *Consumer) knownVehicle(ctx context.Context, vehicleID int64) error {
	if _, err := c.deps.Vehicles.GetVehicle(ctx, vehicleID); err != nil {
		if errors.Is(err, fleet.ErrNotFound) {
			return fmt.Errorf("vehicle %d: %w", vehicleID, fleet.ErrNotFound)
		}
		return fmt.Errorf("look up vehicle %d: %w", vehicleID, err)
	}
	return nil
}

// handlePosition accrues the sample and runs the geofence check. A failure
// of one does not skip the other.
func (c *Consumer) handlePosition(ctx context.Context, s fleet.PositionSample) error {
	_, tripErr := c.deps.Trips.UpdateTripStats(ctx, s.VehicleID, s.Speed, s.Position)

	res, geoErr := c.deps.Geofences.CheckAllStops(ctx, s.VehicleID, s.Position)
	if geoErr == nil && res.EnteredEvent != nil && c.deps.Events != nil {
		if err := c.deps.Events.PublishGeofenceEnter(*res.EnteredStop, *res.EnteredEvent); err != nil {
			c.logger.Warn("publish geofence enter failed", zap.Int64("vehicle_id", s.VehicleID), zap.Error(err))
		}
	}
	return errors.Join(tripErr, geoErr)
}

func (c *Consumer) handleMotion(ctx context.Context, sig fleet.MotionSignal) error {
	switch sig.Kind {
	case fleet.MotionMoving:
		_, err := c.deps.Trips.StartTrip(ctx, sig)
		return err
	default:
		ended, err := c.deps.Trips.EndTrip(ctx, sig)
		if err == nil && !ended {
			c.logger.Debug("stop signal without active trip", zap.Int64("vehicle_id", sig.VehicleID))
		}
		return err
	}
}
