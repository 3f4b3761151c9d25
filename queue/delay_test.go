package queue_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/stepwise/agentrun/queue"
)

func TestCalculateDelayLiteralCases(t *testing.T) {
	cases := []struct {
		name string
		dc   queue.DelayContext
		want time.Duration
	}{
		{"high", queue.DelayContext{Priority: queue.PriorityHigh}, 200 * time.Millisecond},
		{"normal", queue.DelayContext{Priority: queue.PriorityNormal}, 1000 * time.Millisecond},
		{"low", queue.DelayContext{Priority: queue.PriorityLow}, 5000 * time.Millisecond},
		{"normal with tool calls", queue.DelayContext{Priority: queue.PriorityNormal, HasToolCalls: true}, 2000 * time.Millisecond},
		{"normal with errors at step 3", queue.DelayContext{Priority: queue.PriorityNormal, HasErrors: true, StepIndex: 3}, 4000 * time.Millisecond},
		{"normal with errors at step 20 caps at 10s addition", queue.DelayContext{Priority: queue.PriorityNormal, HasErrors: true, StepIndex: 20}, 11000 * time.Millisecond},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, queue.CalculateDelay(c.dc))
		})
	}
}

func TestCalculateDelayProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	props := gopter.NewProperties(params)

	priorities := gen.OneConstOf(queue.PriorityHigh, queue.PriorityNormal, queue.PriorityLow)

	props.Property("delay is never negative", prop.ForAll(
		func(p queue.Priority, hasTools, hasErrors bool, stepIndex int64) bool {
			d := queue.CalculateDelay(queue.DelayContext{
				Priority: p, HasToolCalls: hasTools, HasErrors: hasErrors, StepIndex: stepIndex,
			})
			return d >= 0
		},
		priorities, gen.Bool(), gen.Bool(), gen.Int64Range(0, 1000),
	))

	props.Property("error addition never exceeds 10s regardless of step index", prop.ForAll(
		func(stepIndex int64) bool {
			withErr := queue.CalculateDelay(queue.DelayContext{Priority: queue.PriorityNormal, HasErrors: true, StepIndex: stepIndex})
			without := queue.CalculateDelay(queue.DelayContext{Priority: queue.PriorityNormal})
			return withErr-without <= 10000*time.Millisecond
		},
		gen.Int64Range(0, 100000),
	))

	props.Property("higher priority never yields a larger base delay than lower priority, all else equal", prop.ForAll(
		func(hasTools, hasErrors bool, stepIndex int64) bool {
			high := queue.CalculateDelay(queue.DelayContext{Priority: queue.PriorityHigh, HasToolCalls: hasTools, HasErrors: hasErrors, StepIndex: stepIndex})
			normal := queue.CalculateDelay(queue.DelayContext{Priority: queue.PriorityNormal, HasToolCalls: hasTools, HasErrors: hasErrors, StepIndex: stepIndex})
			low := queue.CalculateDelay(queue.DelayContext{Priority: queue.PriorityLow, HasToolCalls: hasTools, HasErrors: hasErrors, StepIndex: stepIndex})
			return high <= normal && normal <= low
		},
		gen.Bool(), gen.Bool(), gen.Int64Range(0, 1000),
	))

	props.TestingRun(t)
}
