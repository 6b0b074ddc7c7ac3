package policy

import (
	"testing"

	"github.com/shopspring/decimal"

	"txguard/internal/core/txcoord"
)

func TestEvaluatorIsElevated(t *testing.T) {
	eval, err := NewEvaluator(decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name   string
		amount decimal.Decimal
		want   bool
	}{
		{"below threshold", decimal.NewFromInt(500), false},
		{"at threshold", decimal.NewFromInt(10000), false},
		{"above threshold", decimal.NewFromInt(10001), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := eval.IsElevated(tc.amount)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("IsElevated(%s) = %v, want %v", tc.amount, got, tc.want)
			}
		})
	}
}

func TestLegDefinitionUsesSerializableOnlyWhenElevated(t *testing.T) {
	amount := decimal.NewFromInt(1)

	def := LegDefinition(amount, false)
	if def.Propagation != txcoord.PropagationNested {
		t.Errorf("expected PropagationNested, got %v", def.Propagation)
	}
	if def.Isolation != txcoord.IsolationDefault {
		t.Errorf("expected default isolation for non-elevated leg, got %v", def.Isolation)
	}

	elevatedDef := LegDefinition(amount, true)
	if elevatedDef.Isolation != txcoord.IsolationSerializable {
		t.Errorf("expected serializable isolation for elevated leg, got %v", elevatedDef.Isolation)
	}
}
