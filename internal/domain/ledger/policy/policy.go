// Package policy chooses transaction definitions for a transfer's declared
// risk, via a small CEL expression rather than a hardcoded if-chain.
package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"txguard/internal/core/txcoord"
)

const elevatedRiskExpr = `amount > threshold`

// Evaluator decides, from a transfer amount, whether it is elevated risk —
// and if so requires SERIALIZABLE isolation for the leg transactions
// instead of the default.
type Evaluator struct {
	program   cel.Program
	threshold float64
}

// NewEvaluator compiles the risk expression once. threshold is the amount
// above which a transfer is elevated risk.
func NewEvaluator(threshold decimal.Decimal) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("threshold", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	ast, issues := env.Compile(elevatedRiskExpr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile risk expression: %w", issues.Err())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build cel program: %w", err)
	}

	thresholdFloat, _ := threshold.Float64()
	return &Evaluator{program: program, threshold: thresholdFloat}, nil
}

// IsElevated evaluates the compiled expression against amount.
func (e *Evaluator) IsElevated(amount decimal.Decimal) (bool, error) {
	amountFloat, _ := amount.Float64()
	out, _, err := e.program.Eval(map[string]any{
		"amount":    amountFloat,
		"threshold": e.threshold,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate risk expression: %w", err)
	}
	boolVal, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("risk expression did not evaluate to bool")
	}
	return boolVal, nil
}

// LegDefinition returns the Definition a single leg of a transfer should
// run under, given the outer transfer's amount: PropagationNested always
// (each leg is independently retryable via its own savepoint), with
// isolation bumped to SERIALIZABLE for elevated-risk amounts. A high-risk
// leg definition joining a default-isolation outer transaction would trip
// an isolation mismatch under strict join validation, but the savepoint
// path never validates isolation against the outer: a savepoint always
// executes on the same physical connection and isolation level as its
// parent.
func LegDefinition(amount decimal.Decimal, elevated bool) txcoord.Definition {
	def := txcoord.Definition{
		Propagation: txcoord.PropagationNested,
		Name:        "ledger.leg",
	}
	if elevated {
		def.Isolation = txcoord.IsolationSerializable
	}
	return def
}
