package safety

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the circuit breaker around a ReferenceStore.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	ConsecutiveFails uint32
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxRequests == 0 {
		c.MaxRequests = 3
	}
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ConsecutiveFails == 0 {
		c.ConsecutiveFails = 5
	}
	return c
}

// BreakerStore guards a ReferenceStore with a circuit breaker. While the
// breaker is open every lookup fails fast with gobreaker.ErrOpenState,
// which the checkers report as an unavailable check.
type BreakerStore struct {
	next ReferenceStore
	cb   *gobreaker.CircuitBreaker[any]
}

func NewBreakerStore(next ReferenceStore, cfg BreakerConfig, logger zerolog.Logger) *BreakerStore {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        "reference-store",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
		// A caller giving up is not a store failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &BreakerStore{next: next, cb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State exposes the breaker state for health reporting.
func (s *BreakerStore) State() gobreaker.State { return s.cb.State() }

func (s *BreakerStore) LookupInteractions(ctx context.Context, pairs []DrugPair) ([]Interaction, error) {
	v, err := s.cb.Execute(func() (any, error) { return s.next.LookupInteractions(ctx, pairs) })
	if err != nil {
		return nil, err
	}
	return v.([]Interaction), nil
}

func (s *BreakerStore) CrossReactivities(ctx context.Context, allergens []string) ([]CrossReactivity, error) {
	v, err := s.cb.Execute(func() (any, error) { return s.next.CrossReactivities(ctx, allergens) })
	if err != nil {
		return nil, err
	}
	return v.([]CrossReactivity), nil
}

func (s *BreakerStore) ContraindicationRules(ctx context.Context, medications []string) ([]ContraindicationRule, error) {
	v, err := s.cb.Execute(func() (any, error) { return s.next.ContraindicationRules(ctx, medications) })
	if err != nil {
		return nil, err
	}
	return v.([]ContraindicationRule), nil
}

func (s *BreakerStore) DoseRanges(ctx context.Context, medications []string) ([]DoseRange, error) {
	v, err := s.cb.Execute(func() (any, error) { return s.next.DoseRanges(ctx, medications) })
	if err != nil {
		return nil, err
	}
	return v.([]DoseRange), nil
}
