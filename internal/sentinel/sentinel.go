// Package sentinel handles inbound interruption signals: dedup, risk
// scoring and dispatch to the failover orchestrator. Each occurrence
// moves through Received, Deduplicated-or-Fresh, Scored, Dispatched.
package sentinel

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/atharva0608/final-ml-sub000/internal/pricing"
	"github.com/atharva0608/final-ml-sub000/pkg/types"
)

// AgentStore is the agent lookup the sentinel needs
type AgentStore interface {
	GetByID(ctx context.Context, id string) (*types.Agent, error)
}

// EventStore records audit events and serves pool interruption history
type EventStore interface {
	Append(ctx context.Context, ev *types.InterruptionEvent) error
	PoolInterruptionRate(ctx context.Context, poolID string, window time.Duration) (float64, error)
}

// PriceReader serves clean pricing series for volatility estimation
type PriceReader interface {
	Read(ctx context.Context, poolID string, w pricing.Window) (*pricing.Series, error)
}

// Dispatcher receives the sentinel's decisions. Implemented by the
// failover orchestrator.
type Dispatcher interface {
	CreateStandbyReplica(ctx context.Context, agent *types.Agent, sig *types.InterruptionSignal, risk float64) error
	// FailoverNow returns the action actually taken: promote when a
	// ready replica exists, emergency recovery otherwise.
	FailoverNow(ctx context.Context, agent *types.Agent, sig *types.InterruptionSignal, risk float64) (types.ResponseAction, error)
}

// Config holds sentinel tuning
type Config struct {
	// DedupWindow collapses identical (agent, signal type) occurrences
	DedupWindow time.Duration

	// RiskThreshold is the score at or above which a rebalance
	// recommendation triggers a standby replica
	RiskThreshold float64

	// AgentRate / PoolRate bound dispatches per agent and per pool.
	// Termination notices are exempt.
	AgentRate  rate.Limit
	AgentBurst int
	PoolRate   rate.Limit
	PoolBurst  int

	// HistoryWindow is how far back pool interruption rate and price
	// volatility look
	HistoryWindow time.Duration
}

// DefaultConfig returns default sentinel tuning
func DefaultConfig() Config {
	return Config{
		DedupWindow:   60 * time.Second,
		RiskThreshold: 0.30,
		AgentRate:     rate.Every(5 * time.Minute),
		AgentBurst:    2,
		PoolRate:      rate.Every(time.Minute),
		PoolBurst:     5,
		HistoryWindow: 24 * time.Hour,
	}
}

// Outcome is what the sentinel decided for one occurrence
type Outcome struct {
	Action    types.ResponseAction `json:"action"`
	RiskScore float64              `json:"risk_score"`
	Duplicate bool                 `json:"duplicate"`
}

// Sentinel routes interruption signals to the orchestrator
type Sentinel struct {
	agents     AgentStore
	events     EventStore
	prices     PriceReader
	dispatcher Dispatcher
	scorer     RiskScorer
	cfg        Config

	seen *lru.LRU[string, time.Time]

	mu            sync.Mutex
	agentLimiters map[string]*rate.Limiter
	poolLimiters  map[string]*rate.Limiter
}

// New creates a sentinel. scorer may be an external model; pass nil to
// use the rule formula directly.
func New(agents AgentStore, events EventStore, prices PriceReader, dispatcher Dispatcher, scorer RiskScorer, cfg Config) *Sentinel {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 60 * time.Second
	}
	if cfg.RiskThreshold <= 0 {
		cfg.RiskThreshold = 0.30
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 24 * time.Hour
	}
	if scorer == nil {
		scorer = RuleScorer{}
	}

	return &Sentinel{
		agents:        agents,
		events:        events,
		prices:        prices,
		dispatcher:    dispatcher,
		scorer:        scorer,
		cfg:           cfg,
		seen:          lru.NewLRU[string, time.Time](4096, nil, cfg.DedupWindow),
		agentLimiters: map[string]*rate.Limiter{},
		poolLimiters:  map[string]*rate.Limiter{},
	}
}

// Handle processes one interruption occurrence end to end
func (s *Sentinel) Handle(ctx context.Context, sig *types.InterruptionSignal) (*Outcome, error) {
	agent, err := s.agents.GetByID(ctx, sig.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", sig.AgentID, err)
	}

	if firstSeen, dup := s.dedup(sig); dup {
		log.Printf("Collapsing duplicate %s signal for agent %s", sig.SignalType, sig.AgentID)
		return &Outcome{Duplicate: true}, &DuplicateSignalError{
			AgentID:    sig.AgentID,
			SignalType: sig.SignalType,
			FirstSeen:  firstSeen,
		}
	}

	risk := s.score(ctx, agent, sig)

	// Termination notices carry a hard deadline: they are never rate
	// limited and ignore the agent's replica toggles.
	if sig.SignalType == types.SignalTermination {
		action, err := s.dispatcher.FailoverNow(ctx, agent, sig, risk)
		if err != nil {
			// The dedup slot belongs to a dispatched occurrence. A failed
			// dispatch gives it back so the agent's retry is not collapsed.
			s.forget(sig)
			return nil, fmt.Errorf("dispatch failover: %w", err)
		}
		return &Outcome{Action: action, RiskScore: risk}, nil
	}

	if !s.allow(agent.ID, sig.PoolID) {
		log.Printf("Rate limited %s signal for agent %s pool %s", sig.SignalType, agent.ID, sig.PoolID)
		s.record(ctx, sig, risk, types.ActionRateLimited)
		return &Outcome{Action: types.ActionRateLimited, RiskScore: risk}, nil
	}

	if risk < s.cfg.RiskThreshold || !agent.AutoSwitchEnabled {
		s.record(ctx, sig, risk, types.ActionMonitorOnly)
		return &Outcome{Action: types.ActionMonitorOnly, RiskScore: risk}, nil
	}

	if err := s.dispatcher.CreateStandbyReplica(ctx, agent, sig, risk); err != nil {
		s.forget(sig)
		return nil, fmt.Errorf("dispatch standby replica: %w", err)
	}
	return &Outcome{Action: types.ActionCreateStandbyReplica, RiskScore: risk}, nil
}

// dedup returns whether an identical occurrence is already in flight.
// The first caller for a key wins the window.
func (s *Sentinel) dedup(sig *types.InterruptionSignal) (time.Time, bool) {
	key := sig.AgentID + "|" + string(sig.SignalType)

	s.mu.Lock()
	defer s.mu.Unlock()
	if firstSeen, ok := s.seen.Get(key); ok {
		return firstSeen, true
	}
	s.seen.Add(key, time.Now())
	return time.Time{}, false
}

// forget releases a dedup slot that never reached the orchestrator
func (s *Sentinel) forget(sig *types.InterruptionSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen.Remove(sig.AgentID + "|" + string(sig.SignalType))
}

func (s *Sentinel) score(ctx context.Context, agent *types.Agent, sig *types.InterruptionSignal) float64 {
	sc := s.buildScoreContext(ctx, agent, sig)

	risk, err := s.scorer.Score(ctx, sig, sc)
	if err != nil {
		// External scorers are advisory. The rule formula is the
		// mandatory fallback and cannot fail.
		log.Printf("Scorer failed for agent %s, falling back to rule formula: %v", agent.ID, err)
		risk, _ = RuleScorer{}.Score(ctx, sig, sc)
	}
	return clamp01(risk)
}

func (s *Sentinel) buildScoreContext(ctx context.Context, agent *types.Agent, sig *types.InterruptionSignal) ScoreContext {
	sc := ScoreContext{}

	poolRate, err := s.events.PoolInterruptionRate(ctx, sig.PoolID, s.cfg.HistoryWindow)
	if err != nil {
		log.Printf("Pool interruption rate unavailable for %s: %v", sig.PoolID, err)
	} else {
		sc.PoolInterruptionRate = poolRate
	}

	if !agent.InstanceLaunchedAt.IsZero() {
		sc.InstanceAge = time.Since(agent.InstanceLaunchedAt)
	}

	sc.PriceVolatility = s.volatility(ctx, sig.PoolID)
	return sc
}

// volatility is the relative standard deviation of the pool's clean
// prices over the history window
func (s *Sentinel) volatility(ctx context.Context, poolID string) float64 {
	now := time.Now()
	series, err := s.prices.Read(ctx, poolID, pricing.Window{From: now.Add(-s.cfg.HistoryWindow), To: now})
	if err != nil {
		log.Printf("Pricing series unavailable for %s: %v", poolID, err)
		return 0
	}
	if len(series.Points) < 2 {
		return 0
	}

	var sum float64
	for _, pt := range series.Points {
		sum += pt.Price
	}
	mean := sum / float64(len(series.Points))
	if mean == 0 {
		return 0
	}

	var sq float64
	for _, pt := range series.Points {
		d := pt.Price - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(len(series.Points)))
	return stddev / mean
}

func (s *Sentinel) allow(agentID, poolID string) bool {
	s.mu.Lock()
	agentLim := s.agentLimiters[agentID]
	if agentLim == nil {
		agentLim = rate.NewLimiter(s.cfg.AgentRate, s.cfg.AgentBurst)
		s.agentLimiters[agentID] = agentLim
	}
	poolLim := s.poolLimiters[poolID]
	if poolLim == nil {
		poolLim = rate.NewLimiter(s.cfg.PoolRate, s.cfg.PoolBurst)
		s.poolLimiters[poolID] = poolLim
	}
	s.mu.Unlock()

	// Check before consuming so one exhausted limiter does not burn the
	// other's tokens.
	if agentLim.Tokens() < 1 || poolLim.Tokens() < 1 {
		return false
	}
	return agentLim.Allow() && poolLim.Allow()
}

func (s *Sentinel) record(ctx context.Context, sig *types.InterruptionSignal, risk float64, action types.ResponseAction) {
	ev := &types.InterruptionEvent{
		ID:             types.GenerateEventID(),
		AgentID:        sig.AgentID,
		PoolID:         sig.PoolID,
		SignalType:     sig.SignalType,
		DetectedAt:     sig.DetectedAt,
		RiskScore:      risk,
		ResponseAction: action,
		Success:        true,
	}
	if err := s.events.Append(ctx, ev); err != nil {
		log.Printf("Failed to record %s event for agent %s: %v", action, sig.AgentID, err)
	}
}
