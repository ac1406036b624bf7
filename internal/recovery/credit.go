package recovery

import (
	"context"
	"fmt"

	"github.com/guardianvault/recoveryd/internal/model"
)

// CreditLine is the emergency draw-down allowance of one timelock episode.
// drawn never exceeds total and only grows within the episode.
type CreditLine struct {
	// episode is the recovery request the line was opened for.
	episode string
	total   int64
	drawn int64
	draws []model.Draw
}

// Remaining returns the undrawn allowance.
func (c *CreditLine) Remaining() int64 {
	return c.total - c.drawn
}

// Total returns the episode ceiling.
func (c *CreditLine) Total() int64 { return c.total }

// Drawn returns the amount disbursed so far.
func (c *CreditLine) Drawn() int64 { return c.drawn }

// Exhausted reports whether nothing is left to draw.
func (c *CreditLine) Exhausted() bool {
	return c.Remaining() <= 0
}

// Draws returns a copy of the confirmed draws.
func (c *CreditLine) Draws() []model.Draw {
	out := make([]model.Draw, len(c.draws))
	copy(out, c.draws)
	return out
}

func (c *CreditLine) findDraw(id string) (model.Draw, bool) {
	for _, d := range c.draws {
		if d.ID == id {
			return d, true
		}
	}
	return model.Draw{}, false
}

// disbursementID is the id the pool deduplicates on. The pool remembers ids
// forever, so a draw id reused in a later episode must not collide with the
// earlier payout.
func (c *CreditLine) disbursementID(drawID string) string {
	return c.episode + ":" + drawID
}

func (c *CreditLine) record() *model.CreditLine {
	return &model.CreditLine{Total: c.total, Drawn: c.drawn, Draws: c.Draws()}
}

// DrawResult describes a successful draw.
type DrawResult struct {
	Draw      model.Draw
	Remaining int64
	// Exhausted signals that the line is used up and further liquidity must
	// go through the guardian-cosigned social loan path.
	Exhausted bool
}

// CreditEngine authorizes and disburses emergency credit.
type CreditEngine struct {
	loans LoanGateway
	clock Clock
}

// NewCreditEngine creates a CreditEngine drawing against loans.
func NewCreditEngine(loans LoanGateway, clock Clock) *CreditEngine {
	if clock == nil {
		clock = SystemClock()
	}
	return &CreditEngine{loans: loans, clock: clock}
}

// Authorize opens a fresh line with the given ceiling for the recovery
// request episode. Called once per entry into the timelocked phase.
func (e *CreditEngine) Authorize(episode string, ceiling int64) *CreditLine {
	if ceiling < 0 {
		ceiling = 0
	}
	return &CreditLine{episode: episode, total: ceiling}
}

// Draw disburses amount against line. The increment of drawn is rolled
// back if the pool does not confirm the disbursement, so the line never
// records credit that was not paid out.
func (e *CreditEngine) Draw(ctx context.Context, accountID string, line *CreditLine, drawID string, amount int64) (DrawResult, error) {
	if amount <= 0 {
		return DrawResult{}, ErrInvalidAmount
	}
	if prev, ok := line.findDraw(drawID); ok {
		return DrawResult{Draw: prev, Remaining: line.Remaining(), Exhausted: line.Exhausted()}, ErrDrawCompleted
	}
	if amount > line.Remaining() {
		return DrawResult{}, ErrCreditExhausted
	}

	balance, err := e.loans.PoolBalance(ctx)
	if err != nil {
		return DrawResult{}, fmt.Errorf("query pool balance: %w", err)
	}
	if balance < amount {
		return DrawResult{}, ErrPoolInsufficient
	}

	line.drawn += amount

	receipt, err := e.loans.Disburse(ctx, accountID, line.disbursementID(drawID), amount)
	if err != nil {
		line.drawn -= amount
		return DrawResult{}, fmt.Errorf("disburse draw %s: %w", drawID, err)
	}

	draw := model.Draw{
		ID:      drawID,
		Amount:  amount,
		TxHash:  receipt.TxHash,
		DrawnAt: e.clock.Now(),
	}
	line.draws = append(line.draws, draw)

	return DrawResult{
		Draw:      draw,
		Remaining: line.Remaining(),
		Exhausted: line.Exhausted(),
	}, nil
}
