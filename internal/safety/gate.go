// Package safety implements the pre-trade gate: a chain of independent checks
// each returning pass, fail, or unknown. Unknown is never promoted to pass;
// any check that cannot be evaluated blocks the order.
package safety

import (
	"context"
	"fmt"
	"time"

	"execgw/internal/config"
	"execgw/internal/logger"
	"execgw/internal/models"
	"execgw/internal/store"
)

type Decision int

const (
	Pass Decision = iota
	Fail
	Unknown
)

func (d Decision) String() string {
	switch d {
	case Pass:
		return "PASS"
	case Fail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// RejectionError is returned when the gate blocks an order. Callers inspect
// Check and Decision to distinguish a hard fail from an unevaluable input.
type RejectionError struct {
	Check    string
	Decision Decision
	Reason   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("safety gate: %s %s: %s", e.Check, e.Decision, e.Reason)
}

// Quote is the reference market data used by the fat-finger and liquidity
// checks.
type Quote struct {
	Price          float64
	At             time.Time
	AvgDailyVolume float64
}

// QuoteSource supplies the latest known quote for a symbol.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// Request is one gate evaluation. Cancel requests are always risk-reducing.
type Request struct {
	Intent models.OrderIntent
	Cancel bool
}

type checkResult struct {
	decision Decision
	reason   string
}

type namedCheck struct {
	name string
	fn   func(ctx context.Context, req Request, reduceOnly bool) checkResult
}

// Gate evaluates the check chain. It holds no state of its own; every
// decision reads the flag stores and request parameters fresh.
type Gate struct {
	breaker   *Breaker
	kill      *KillSwitch
	quotes    QuoteSource
	positions store.PositionReader
	lock      *ReduceOnlyLock
	cfg       config.SafetyConfig
	log       *logger.Logger
	checks    []namedCheck
}

func NewGate(breaker *Breaker, kill *KillSwitch, quotes QuoteSource, positions store.PositionReader, lock *ReduceOnlyLock, cfg config.SafetyConfig, log *logger.Logger) *Gate {
	g := &Gate{
		breaker:   breaker,
		kill:      kill,
		quotes:    quotes,
		positions: positions,
		lock:      lock,
		cfg:       cfg,
		log:       log,
	}
	g.checks = []namedCheck{
		{"circuit_breaker", g.checkBreaker},
		{"kill_switch", g.checkKillSwitch},
		{"fat_finger", g.checkFatFinger},
		{"liquidity", g.checkLiquidity},
	}
	return g
}

// Evaluate runs every check in order and returns a RejectionError for the
// first non-pass result. Each check runs under the configured timeout; a
// timeout is a failure, never a pass.
func (g *Gate) Evaluate(ctx context.Context, req Request) error {
	reduceOnly, err := g.RiskReducing(ctx, req)
	if err != nil {
		return &RejectionError{Check: "reduce_only", Decision: Unknown, Reason: err.Error()}
	}

	for _, check := range g.checks {
		res := g.runChecked(ctx, check, req, reduceOnly)
		if res.decision != Pass {
			g.log.WithComponent("safety").WithField("symbol", req.Intent.Symbol).WithFields(map[string]interface{}{
				"check":       check.name,
				"decision":    res.decision.String(),
				"reason":      res.reason,
				"reduce_only": reduceOnly,
			}).Warn("order blocked by safety gate")
			return &RejectionError{Check: check.name, Decision: res.decision, Reason: res.reason}
		}
	}
	return nil
}

func (g *Gate) runChecked(ctx context.Context, check namedCheck, req Request, reduceOnly bool) checkResult {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.CheckTimeout)
	defer cancel()

	done := make(chan checkResult, 1)
	go func() { done <- check.fn(cctx, req, reduceOnly) }()

	select {
	case res := <-done:
		return res
	case <-cctx.Done():
		return checkResult{Unknown, fmt.Sprintf("check timed out after %s", g.cfg.CheckTimeout)}
	}
}

// riskReducing classifies the request under the reduce-only lock so the
// position cannot shift mid-classification.
func (g *Gate) RiskReducing(ctx context.Context, req Request) (bool, error) {
	if req.Cancel {
		return true, nil
	}
	if err := g.lock.Acquire(ctx, g.cfg.CheckTimeout); err != nil {
		return false, err
	}
	defer g.lock.Release()

	pos, err := g.positions.GetPosition(ctx, req.Intent.Symbol)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	switch req.Intent.Side {
	case models.OrderSideSell:
		return pos.Qty > 0 && req.Intent.Qty <= pos.Qty, nil
	case models.OrderSideBuy:
		return pos.Qty < 0 && req.Intent.Qty <= -pos.Qty, nil
	}
	return false, nil
}

func (g *Gate) checkBreaker(ctx context.Context, _ Request, reduceOnly bool) checkResult {
	rec, err := g.breaker.State(ctx)
	if err != nil {
		return checkResult{Unknown, "breaker state unreachable"}
	}
	switch rec.State {
	case models.BreakerOpen:
		return checkResult{Pass, ""}
	case models.BreakerQuietPeriod:
		if reduceOnly {
			return checkResult{Pass, ""}
		}
		return checkResult{Fail, "breaker in quiet period, only reduce-only orders allowed"}
	default:
		if reduceOnly {
			return checkResult{Pass, ""}
		}
		return checkResult{Fail, fmt.Sprintf("breaker tripped: %s", rec.Reason)}
	}
}

func (g *Gate) checkKillSwitch(ctx context.Context, _ Request, reduceOnly bool) checkResult {
	state := g.kill.State(ctx)
	if state == models.KillSwitchDisengaged {
		return checkResult{Pass, ""}
	}
	if reduceOnly {
		return checkResult{Pass, ""}
	}
	if state == models.KillSwitchUnknown {
		return checkResult{Unknown, "kill switch state unknown"}
	}
	return checkResult{Fail, "kill switch engaged"}
}

func (g *Gate) checkFatFinger(ctx context.Context, req Request, _ bool) checkResult {
	if req.Cancel {
		return checkResult{Pass, ""}
	}
	intent := req.Intent
	if g.cfg.MaxOrderQty > 0 && intent.Qty > g.cfg.MaxOrderQty {
		return checkResult{Fail, fmt.Sprintf("qty %.4f exceeds max %.4f", intent.Qty, g.cfg.MaxOrderQty)}
	}

	quote, err := g.quotes.Quote(ctx, intent.Symbol)
	if err != nil {
		return checkResult{Unknown, fmt.Sprintf("no reference price: %v", err)}
	}
	if time.Since(quote.At) > g.cfg.PriceStalenessMax {
		return checkResult{Fail, fmt.Sprintf("reference price stale by %s", time.Since(quote.At).Round(time.Second))}
	}

	refPrice := quote.Price
	if intent.Type == models.OrderTypeLimit && intent.Price > 0 {
		refPrice = intent.Price
	}
	notional := refPrice * intent.Qty
	if g.cfg.MaxOrderNotional > 0 && notional > g.cfg.MaxOrderNotional {
		return checkResult{Fail, fmt.Sprintf("notional %.2f exceeds max %.2f", notional, g.cfg.MaxOrderNotional)}
	}
	return checkResult{Pass, ""}
}

func (g *Gate) checkLiquidity(ctx context.Context, req Request, _ bool) checkResult {
	if req.Cancel || g.cfg.MaxADVFraction <= 0 {
		return checkResult{Pass, ""}
	}
	quote, err := g.quotes.Quote(ctx, req.Intent.Symbol)
	if err != nil {
		return checkResult{Unknown, fmt.Sprintf("no liquidity data: %v", err)}
	}
	if quote.AvgDailyVolume <= 0 {
		return checkResult{Unknown, "average daily volume unavailable"}
	}
	if req.Intent.Qty > g.cfg.MaxADVFraction*quote.AvgDailyVolume {
		return checkResult{Fail, fmt.Sprintf("qty %.4f exceeds %.2f%% of ADV %.0f",
			req.Intent.Qty, g.cfg.MaxADVFraction*100, quote.AvgDailyVolume)}
	}
	return checkResult{Pass, ""}
}
