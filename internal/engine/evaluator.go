package engine

import (
	"github.com/shopspring/decimal"

	"github.com/oddsflow/oddsflow/internal/config"
	"github.com/oddsflow/oddsflow/internal/domain"
)

// Condition is one row of the evaluator's ordered exit table. Check is a pure
// predicate over a position snapshot and a live price.
type Condition struct {
	Reason   domain.ExitReason
	Priority domain.Priority
	Check    func(pos domain.Position, price decimal.Decimal) bool
}

// Evaluator is the pure exit decision function. It owns a fixed, ordered
// table of conditions and the tier-to-execution-params mapping loaded from
// configuration. It holds no position state: callers pass a snapshot and get
// back at most one trigger.
type Evaluator struct {
	conditions []Condition
	params     map[domain.Priority]domain.ExecParams
}

// NewEvaluator builds the standard condition table. minRetainedEdge disables
// the edge-decay condition when zero or negative.
func NewEvaluator(minRetainedEdge decimal.Decimal, exitCfg config.ExitConfig) *Evaluator {
	conditions := []Condition{
		{
			Reason:   domain.ExitReasonStopLoss,
			Priority: domain.PriorityCritical,
			Check: func(pos domain.Position, price decimal.Decimal) bool {
				if pos.StopLoss == nil {
					return false
				}
				if pos.Side == domain.SideYes {
					return price.LessThanOrEqual(*pos.StopLoss)
				}
				return price.GreaterThanOrEqual(*pos.StopLoss)
			},
		},
		{
			Reason:   domain.ExitReasonTrailingStop,
			Priority: domain.PriorityHigh,
			Check: func(pos domain.Position, price decimal.Decimal) bool {
				return pos.Trailing.Breached(pos.Side, price)
			},
		},
		{
			Reason:   domain.ExitReasonProfitTarget,
			Priority: domain.PriorityMedium,
			Check: func(pos domain.Position, price decimal.Decimal) bool {
				if pos.Target == nil {
					return false
				}
				if pos.Side == domain.SideYes {
					return price.GreaterThanOrEqual(*pos.Target)
				}
				return price.LessThanOrEqual(*pos.Target)
			},
		},
	}

	if minRetainedEdge.IsPositive() {
		conditions = append(conditions, Condition{
			Reason:   domain.ExitReasonEdgeDecay,
			Priority: domain.PriorityLow,
			Check: func(pos domain.Position, price decimal.Decimal) bool {
				return pos.RetainedEdge(price).LessThan(minRetainedEdge)
			},
		})
	}

	return &Evaluator{
		conditions: conditions,
		params:     tierParams(exitCfg),
	}
}

// AddCondition appends a domain-specific condition to the table. The
// resolution algorithm is unchanged: extension points never reorder existing
// rows.
func (e *Evaluator) AddCondition(c Condition) {
	e.conditions = append(e.conditions, c)
}

// Evaluate runs every condition against the snapshot and resolves multiple
// firings by priority: the single highest-priority trigger wins and the rest
// are discarded for this tick. It returns nil when nothing fires. The same
// snapshot and price always produce the same answer.
func (e *Evaluator) Evaluate(pos domain.Position, price decimal.Decimal) *domain.ExitTrigger {
	var best *domain.ExitTrigger
	for _, c := range e.conditions {
		if !c.Check(pos, price) {
			continue
		}
		if best != nil && c.Priority <= best.Priority {
			continue
		}
		best = &domain.ExitTrigger{
			Reason:   c.Reason,
			Priority: c.Priority,
			Quantity: 0, // full position
			Params:   e.params[c.Priority],
		}
	}
	return best
}

// Params returns the execution parameters configured for a tier. The exit
// controller uses this for forced closes and Low-tier promotion.
func (e *Evaluator) Params(p domain.Priority) domain.ExecParams {
	return e.params[p]
}

// tierParams translates the TOML tier table into execution parameters.
func tierParams(cfg config.ExitConfig) map[domain.Priority]domain.ExecParams {
	return map[domain.Priority]domain.ExecParams{
		domain.PriorityCritical: tierToParams(cfg.Critical),
		domain.PriorityHigh:     tierToParams(cfg.High),
		domain.PriorityMedium:   tierToParams(cfg.Medium),
		domain.PriorityLow:      tierToParams(cfg.Low),
	}
}

func tierToParams(t config.TierConfig) domain.ExecParams {
	orderType := domain.OrderTypeLimit
	if t.OrderType == "market" {
		orderType = domain.OrderTypeMarket
	}
	return domain.ExecParams{
		OrderType:        orderType,
		LimitOffset:      decimal.NewFromFloat(t.LimitOffsetPct),
		FillTimeout:      t.FillTimeout.Duration,
		WalkAttempts:     t.WalkAttempts,
		WalkStep:         decimal.NewFromFloat(t.WalkStepPct),
		EscalateToMarket: t.EscalateToMarket,
	}
}
