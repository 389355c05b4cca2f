// Package credits implements the admission gate that holds a request's worst-case cost
// against the user's balance before any provider is contacted.
package credits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/upb/llm-gateway/models"
	"github.com/upb/llm-gateway/services"
	"github.com/upb/llm-gateway/services/events"
)

// Suggestion actions returned with a denial
const (
	ActionReduceOutputBound = "reduce_output_bound"
	ActionAddCredits        = "add_credits"
)

// Config holds gate settings
type Config struct {
	ReservationTTL time.Duration
}

// ReserveInput describes one admission request
type ReserveInput struct {
	UserID      string
	RequestID   string
	Model       string
	Pricing     models.Pricing
	OutputBound int
	InputSize   int
}

// Suggestion is one way a denied caller can proceed
type Suggestion struct {
	Action      string  `json:"action"`
	Message     string  `json:"message"`
	OutputBound int     `json:"max_output_bound,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
}

// InsufficientCreditsError explains a denial with enough structure for a client to retry
type InsufficientCreditsError struct {
	UserID      string       `json:"-"`
	Model       string       `json:"model"`
	Balance     float64      `json:"balance"`
	Available   float64      `json:"available"`
	MaxCost     float64      `json:"max_cost"`
	Shortfall   float64      `json:"shortfall"`
	Suggestions []Suggestion `json:"suggestions"`
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: max cost %.6f, available %.6f, shortfall %.6f",
		e.Model, e.MaxCost, e.Available, e.Shortfall)
}

// Unwrap lets services.IsInsufficientCreditsError recognize the denial
func (e *InsufficientCreditsError) Unwrap() error {
	return services.ErrInsufficientCredits
}

// Gate approves or denies requests by reserving their maximum cost
type Gate struct {
	ledger Ledger
	config Config
	sink   events.Sink
	logger *zap.Logger
	now    func() time.Time
}

// NewGate creates a new admission gate
func NewGate(ledger Ledger, config Config, sink events.Sink, logger *zap.Logger) *Gate {
	if config.ReservationTTL <= 0 {
		config.ReservationTTL = 10 * time.Minute
	}
	return &Gate{
		ledger: ledger,
		config: config,
		sink:   events.OrNop(sink),
		logger: logger,
		now:    time.Now,
	}
}

// Reserve holds the request's maximum cost or returns *InsufficientCreditsError
func (g *Gate) Reserve(ctx context.Context, in ReserveInput) (*models.CreditReservation, error) {
	if in.UserID == "" {
		return nil, services.ErrUnauthorized
	}
	if in.OutputBound <= 0 {
		return nil, services.ErrInvalidOutputBound
	}
	if in.InputSize < 0 {
		return nil, services.ErrInvalidInput
	}

	maxCost := in.Pricing.MaxCost(in.InputSize, in.OutputBound)
	res := models.NewCreditReservation(in.UserID, in.RequestID, maxCost, g.config.ReservationTTL)

	account, ok, err := g.ledger.TryReserve(ctx, res)
	if err != nil {
		return nil, services.WrapInternal("failed to reserve credits", err)
	}

	decision := models.AdmissionDecision{
		UserID:    in.UserID,
		RequestID: in.RequestID,
		Model:     in.Model,
		Approved:  ok,
		MaxCost:   maxCost,
	}

	if !ok {
		denial := newInsufficientCredits(in, account, maxCost)
		decision.Shortfall = denial.Shortfall
		g.sink.Admission(decision)
		g.logger.Info("admission denied",
			zap.String("user_id", in.UserID),
			zap.String("request_id", in.RequestID),
			zap.String("model", in.Model),
			zap.Float64("max_cost", maxCost),
			zap.Float64("shortfall", denial.Shortfall))
		return nil, denial
	}

	g.sink.Admission(decision)
	g.logger.Debug("credits reserved",
		zap.String("reservation_id", res.ID.String()),
		zap.String("user_id", in.UserID),
		zap.Float64("amount", maxCost))
	return res, nil
}

func newInsufficientCredits(in ReserveInput, account models.CreditAccount, maxCost float64) *InsufficientCreditsError {
	available := account.Available()
	shortfall := maxCost - available

	denial := &InsufficientCreditsError{
		UserID:    in.UserID,
		Model:     in.Model,
		Balance:   account.Balance,
		Available: available,
		MaxCost:   maxCost,
		Shortfall: shortfall,
	}

	if bound := affordableOutputBound(in.Pricing, in.InputSize, available); bound > 0 {
		denial.Suggestions = append(denial.Suggestions, Suggestion{
			Action:      ActionReduceOutputBound,
			Message:     fmt.Sprintf("reduce max_tokens to %d or less", bound),
			OutputBound: bound,
		})
	}
	denial.Suggestions = append(denial.Suggestions, Suggestion{
		Action:  ActionAddCredits,
		Message: fmt.Sprintf("add at least %.6f credits", shortfall),
		Amount:  shortfall,
	})
	return denial
}

// affordableOutputBound is the largest output bound the available balance covers
func affordableOutputBound(p models.Pricing, inputSize int, available float64) int {
	if p.OutputPerUnit <= 0 {
		return 0
	}
	budget := available - p.InputPerUnit*float64(inputSize) - p.PerRequest
	if budget <= 0 {
		return 0
	}
	return int(math.Floor(budget / p.OutputPerUnit))
}

// Settle debits the actual cost, capped at the reserved amount, and closes the reservation
func (g *Gate) Settle(ctx context.Context, res *models.CreditReservation, actualCost float64) error {
	if res.Status != models.ReservationActive {
		return services.ErrReservationClosed
	}

	final := math.Max(actualCost, 0)
	if final > res.Amount {
		g.logger.Warn("actual cost exceeded reservation, capping",
			zap.String("reservation_id", res.ID.String()),
			zap.Float64("actual", actualCost),
			zap.Float64("reserved", res.Amount))
		final = res.Amount
	}

	if err := g.ledger.Commit(ctx, res.ID, final); err != nil {
		return g.closeError("settle", res, err)
	}
	res.Status = models.ReservationSettled
	return nil
}

// Release returns the whole hold to the user's available balance
func (g *Gate) Release(ctx context.Context, res *models.CreditReservation) error {
	if res.Status != models.ReservationActive {
		return services.ErrReservationClosed
	}
	if err := g.ledger.Release(ctx, res.ID); err != nil {
		return g.closeError("release", res, err)
	}
	res.Status = models.ReservationReleased
	return nil
}

func (g *Gate) closeError(op string, res *models.CreditReservation, err error) error {
	if services.IsConflictError(err) || services.IsNotFoundError(err) {
		// the sweep got there first
		res.Status = models.ReservationExpired
		return err
	}
	g.logger.Error("failed to close reservation",
		zap.String("op", op),
		zap.String("reservation_id", res.ID.String()),
		zap.Error(err))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return services.WrapInternal("failed to "+op+" reservation", err)
}

// StartSweepWorker releases expired reservations until ctx is done
func (g *Gate) StartSweepWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("reservation sweep worker stopped")
			return
		case <-ticker.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass and returns how many reservations it released
func (g *Gate) Sweep(ctx context.Context) int {
	expired, err := g.ledger.ExpireStale(ctx, g.now().UTC())
	if err != nil {
		g.logger.Error("reservation sweep failed", zap.Error(err))
		return 0
	}
	if expired > 0 {
		g.logger.Info("released expired reservations", zap.Int("count", expired))
	}
	return expired
}
