package cel

import (
	"context"
	"strings"
	"testing"

	"github.com/aegisgate/aegisgate/internal/domain/apikey"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()

	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	return e
}

func TestEvaluator_Evaluate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEvaluator(t)

	tests := []struct {
		name       string
		expression string
		input      apikey.ConditionInput
		want       bool
	}{
		{
			name:       "business hours true",
			expression: "hour >= 9 && hour < 17",
			input:      apikey.ConditionInput{Hour: 10},
			want:       true,
		},
		{
			name:       "business hours false",
			expression: "hour >= 9 && hour < 17",
			input:      apikey.ConditionInput{Hour: 22},
			want:       false,
		},
		{
			name:       "scope prefix",
			expression: `scope.startsWith("content.")`,
			input:      apikey.ConditionInput{Scope: "content.read"},
			want:       true,
		},
		{
			name:       "tier and target",
			expression: `tier == "enterprise" || target == ""`,
			input:      apikey.ConditionInput{Tier: "free", Target: "agent-a"},
			want:       false,
		},
		{
			name:       "agent type set membership",
			expression: `agent_type in ["writer", "reader"]`,
			input:      apikey.ConditionInput{AgentType: "writer"},
			want:       true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := e.Evaluate(ctx, tc.expression, tc.input)
			if err != nil {
				t.Fatalf("Evaluate() error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Evaluate() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEvaluator_EvaluateNonBoolean(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)

	if _, err := e.Evaluate(context.Background(), "hour + 1", apikey.ConditionInput{Hour: 3}); err == nil {
		t.Error("Evaluate(non-boolean) error = nil, want error")
	}
}

func TestEvaluator_EvaluateInvalidExpression(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)

	if _, err := e.Evaluate(context.Background(), "hour >=", apikey.ConditionInput{}); err == nil {
		t.Error("Evaluate(invalid) error = nil, want error")
	}
}

func TestEvaluator_ValidateExpression(t *testing.T) {
	t.Parallel()

	e := newTestEvaluator(t)

	if err := e.ValidateExpression("hour < 17"); err != nil {
		t.Errorf("ValidateExpression(valid) error: %v", err)
	}
	if err := e.ValidateExpression(""); err == nil {
		t.Error("ValidateExpression(empty) error = nil, want error")
	}
	if err := e.ValidateExpression("hour >="); err == nil {
		t.Error("ValidateExpression(invalid) error = nil, want error")
	}
	if err := e.ValidateExpression("undefined_var == 1"); err == nil {
		t.Error("ValidateExpression(unknown variable) error = nil, want error")
	}

	long := "hour == 1 || " + strings.Repeat("hour == 2 || ", 200) + "hour == 3"
	if err := e.ValidateExpression(long); err == nil {
		t.Error("ValidateExpression(too long) error = nil, want error")
	}

	deep := strings.Repeat("(", 60) + "hour" + strings.Repeat(")", 60) + " == 1"
	if err := e.ValidateExpression(deep); err == nil {
		t.Error("ValidateExpression(too deep) error = nil, want error")
	}
}

func TestEvaluator_CachesPrograms(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newTestEvaluator(t)

	const expr = "hour >= 9"
	if _, err := e.Evaluate(ctx, expr, apikey.ConditionInput{Hour: 9}); err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}

	e.mu.RLock()
	_, cached := e.programs[expr]
	e.mu.RUnlock()
	if !cached {
		t.Error("program not cached after first evaluation")
	}
}
