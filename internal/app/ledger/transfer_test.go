package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"ledger/internal/domain"
)

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTransfer_MovesFunds(t *testing.T) {
	store := newStore(t, map[string]string{"x": "100.00", "y": "5.00"})
	engine := testEngine(store)

	transfer, err := engine.Transfer(context.Background(), "x", "y", amount("40.00"))
	require.NoError(t, err)

	assert.Equal(t, "60.00", balanceOf(t, store, "x"))
	assert.Equal(t, "45.00", balanceOf(t, store, "y"))
	assert.Equal(t, "acc-x", transfer.FromAccountID)
	assert.Equal(t, "acc-y", transfer.ToAccountID)
	assert.Equal(t, 1, transfer.Attempts)
	assert.NotEmpty(t, transfer.ID)
}

func TestTransfer_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		amount  string
		wantErr error
	}{
		{"insufficient funds", "x", "y", "50.00", domain.ErrInsufficientFunds},
		{"unknown recipient", "x", "ghost", "1.00", domain.ErrRecipientNotFound},
		{"unknown sender", "ghost", "y", "1.00", domain.ErrAccountNotFound},
		{"self transfer", "x", "x", "1.00", domain.ErrSameAccount},
		{"negative amount", "x", "y", "-5", domain.ErrInvalidAmount},
		{"zero amount", "x", "y", "0", domain.ErrInvalidAmount},
		{"sub-cent amount", "x", "y", "0.001", domain.ErrInvalidAmount},
		{"huge exponent", "x", "y", "1e20000000", domain.ErrInvalidAmount},
		{"tiny exponent", "x", "y", "1e-20000000", domain.ErrInvalidAmount},
		{"above column maximum", "x", "y", "1000000000000000000", domain.ErrInvalidAmount},
		{"empty recipient", "x", " ", "1.00", domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, map[string]string{"x": "10.00", "y": "0.00"})
			engine := testEngine(store)

			_, err := engine.Transfer(context.Background(), tt.from, tt.to, amount(tt.amount))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, "10.00", balanceOf(t, store, "x"))
			assert.Equal(t, "0.00", balanceOf(t, store, "y"))
		})
	}
}

func TestTransfer_ExactBalanceLeavesZero(t *testing.T) {
	store := newStore(t, map[string]string{"x": "10.00", "y": "0.00"})
	_, err := testEngine(store).Transfer(context.Background(), "x", "y", amount("10.00"))
	require.NoError(t, err)
	assert.Equal(t, "0.00", balanceOf(t, store, "x"))
	assert.Equal(t, "10.00", balanceOf(t, store, "y"))
}

func TestTransfer_AllOrNothingAtEveryStep(t *testing.T) {
	injected := errors.New("injected failure")
	steps := []string{stepFindSender, stepFindRecipient, stepLock, stepDebit, stepCredit, stepEnqueue, stepCommit}

	for _, step := range steps {
		t.Run(step, func(t *testing.T) {
			mem := newStore(t, map[string]string{"x": "100.00", "y": "5.00"})
			store := &faultStore{Store: mem, step: step, err: injected}
			engine := testEngine(store, WithEventTopic("transfers"))

			_, err := engine.Transfer(context.Background(), "x", "y", amount("40.00"))
			require.Error(t, err)
			assert.ErrorIs(t, err, injected)

			assert.Equal(t, "100.00", balanceOf(t, mem, "x"))
			assert.Equal(t, "5.00", balanceOf(t, mem, "y"))
			assert.Empty(t, mem.Messages())
			assert.Equal(t, 1, store.attempts, "non-transient failures must not be retried")

			// Locks must have been released.
			_, err = testEngine(mem).Transfer(context.Background(), "x", "y", amount("1.00"))
			require.NoError(t, err)
		})
	}
}

func TestTransfer_RetriesTransientConflict(t *testing.T) {
	mem := newStore(t, map[string]string{"x": "100.00", "y": "5.00"})
	store := &faultStore{Store: mem, step: stepCommit, err: domain.ErrTransientConflict, failures: 2}

	var slept []time.Duration
	engine := testEngine(store, WithRetryPolicy(RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}))
	engine.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	transfer, err := engine.Transfer(context.Background(), "x", "y", amount("40.00"))
	require.NoError(t, err)
	assert.Equal(t, 3, transfer.Attempts)
	assert.Len(t, slept, 2)
	assert.Equal(t, "60.00", balanceOf(t, mem, "x"))
	assert.Equal(t, "45.00", balanceOf(t, mem, "y"))
}

func TestTransfer_AbortsWhenRetriesExhausted(t *testing.T) {
	mem := newStore(t, map[string]string{"x": "100.00", "y": "5.00"})
	store := &faultStore{Store: mem, step: stepLock, err: fmt.Errorf("%w: deadlock", domain.ErrTransientConflict)}
	engine := testEngine(store, WithRetryPolicy(RetryPolicy{MaxAttempts: 3}))

	_, err := engine.Transfer(context.Background(), "x", "y", amount("40.00"))
	assert.ErrorIs(t, err, domain.ErrTransferAborted)
	assert.False(t, errors.Is(err, domain.ErrTransientConflict), "transient conflicts must not leak to callers")
	assert.Equal(t, 3, store.attempts)
	assert.Equal(t, "100.00", balanceOf(t, mem, "x"))
	assert.Equal(t, "5.00", balanceOf(t, mem, "y"))
}

func TestTransfer_AbortsWhenCancelledDuringBackoff(t *testing.T) {
	mem := newStore(t, map[string]string{"x": "100.00", "y": "5.00"})
	store := &faultStore{Store: mem, step: stepCommit, err: domain.ErrTransientConflict}
	engine := testEngine(store, WithRetryPolicy(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}))
	engine.sleep = sleepWithContext

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := engine.Transfer(ctx, "x", "y", amount("40.00"))
	assert.ErrorIs(t, err, domain.ErrTransferAborted)
	assert.Equal(t, 1, store.attempts)
	assert.Equal(t, "100.00", balanceOf(t, mem, "x"))
}

func TestTransfer_ConcurrentDebitsFromOneAccount(t *testing.T) {
	const n = 50
	store := newStore(t, map[string]string{"x": "50.00", "y": "0.00", "z": "0.00"})
	engine := NewTransferEngine(store, zap.NewNop())

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	// n+10 transfers of 1.00 against a balance of n: exactly n may succeed.
	for i := 0; i < n+10; i++ {
		to := "y"
		if i%2 == 0 {
			to = "z"
		}
		wg.Add(1)
		go func(to string) {
			defer wg.Done()
			_, err := engine.Transfer(context.Background(), "x", to, amount("1.00"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(to)
	}
	wg.Wait()

	assert.Equal(t, n, ok)
	assert.Equal(t, 10, rejected)
	assert.Equal(t, "0.00", balanceOf(t, store, "x"))
	assert.True(t, total(store).Equal(amount("50.00")))
}

func TestTransfer_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	store := newStore(t, map[string]string{"a": "1000.00", "b": "1000.00"})
	engine := NewTransferEngine(store, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, err := engine.Transfer(context.Background(), "a", "b", amount("1.00"))
				assert.NoError(t, err)
			}()
			go func() {
				defer wg.Done()
				_, err := engine.Transfer(context.Background(), "b", "a", amount("2.00"))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("opposite-direction transfers did not finish")
	}

	assert.Equal(t, "1100.00", balanceOf(t, store, "a"))
	assert.Equal(t, "900.00", balanceOf(t, store, "b"))
}

func TestTransfer_ConservesTotalUnderRandomLoad(t *testing.T) {
	owners := []string{"o1", "o2", "o3", "o4", "o5"}
	store := newStore(t, map[string]string{"o1": "100.00", "o2": "50.00", "o3": "25.50", "o4": "0.00", "o5": "10.01"})
	engine := NewTransferEngine(store, zap.NewNop())
	before := total(store)

	rng := rand.New(rand.NewPCG(7, 11))
	type op struct {
		from, to string
		amount   decimal.Decimal
	}
	ops := make([]op, 400)
	for i := range ops {
		ops[i] = op{
			from:   owners[rng.IntN(len(owners))],
			to:     owners[rng.IntN(len(owners))],
			amount: decimal.New(int64(rng.IntN(3000)-5), -2),
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(ops); i += 8 {
				_, err := engine.Transfer(context.Background(), ops[i].from, ops[i].to, ops[i].amount)
				if err != nil && !isBusinessRejection(err) {
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.True(t, total(store).Equal(before), "total changed: %s -> %s", before, total(store))
	for _, a := range store.Accounts() {
		assert.False(t, a.Balance.IsNegative(), "account %s went negative", a.ID)
	}
}

func isBusinessRejection(err error) bool {
	return errors.Is(err, domain.ErrInsufficientFunds) ||
		errors.Is(err, domain.ErrSameAccount) ||
		errors.Is(err, domain.ErrInvalidAmount)
}

func TestTransfer_EnqueuesCompletedEvent(t *testing.T) {
	store := newStore(t, map[string]string{"x": "100.00", "y": "5.00"})
	committedAt := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	engine := testEngine(store, WithEventTopic("transfer_completed"), WithEngineClock(func() time.Time { return committedAt }))

	transfer, err := engine.Transfer(context.Background(), "x", "y", amount("40"))
	require.NoError(t, err)

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "transfer_completed", msg.Topic)
	assert.Equal(t, domain.MessageTypeTransferCompleted, msg.MessageType)
	assert.Equal(t, transfer.ID, msg.AggregateID)
	assert.Equal(t, "acc-x", msg.Key)
	assert.Equal(t, domain.OutboxStatusPending, msg.Status)

	var evt domain.TransferCompletedEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &evt))
	assert.Equal(t, domain.TransferCompletedEvent{
		TransferID:    transfer.ID,
		FromAccountID: "acc-x",
		ToAccountID:   "acc-y",
		FromOwnerID:   "x",
		ToOwnerID:     "y",
		Amount:        "40.00",
		CommittedAt:   committedAt,
	}, evt)
}

func TestTransfer_NoEventWithoutTopic(t *testing.T) {
	store := newStore(t, map[string]string{"x": "100.00", "y": "5.00"})
	_, err := testEngine(store).Transfer(context.Background(), "x", "y", amount("1"))
	require.NoError(t, err)
	assert.Empty(t, store.Messages())
}

func TestTransfer_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := newStore(t, map[string]string{"x": "10.00", "y": "5.00"})
	engine := testEngine(store, WithTracer(tp.Tracer("test")))

	_, err := engine.Transfer(context.Background(), "x", "y", amount("1.00"))
	require.NoError(t, err)
	_, err = engine.Transfer(context.Background(), "x", "y", amount("100.00"))
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "ledger.Transfer", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.Int("ledger.attempts", 1))

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.NotEmpty(t, spans[1].Events(), "error should be recorded on the span")
}

func TestTransfer_LogLevels(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	store := newStore(t, map[string]string{"x": "10.00", "y": "5.00"})
	engine := NewTransferEngine(store, zap.New(core)).(*transferEngine)

	_, err := engine.Transfer(context.Background(), "x", "y", amount("1.00"))
	require.NoError(t, err)
	_, err = engine.Transfer(context.Background(), "x", "y", amount("100.00"))
	require.Error(t, err)

	failing := &faultStore{Store: store, step: stepDebit, err: errors.New("disk on fire")}
	_, err = testEngine(failing).Transfer(context.Background(), "x", "y", amount("1.00"))
	require.Error(t, err)

	committed := logs.FilterMessage("Transfer committed").All()
	require.Len(t, committed, 1)
	assert.Equal(t, zapcore.InfoLevel, committed[0].Level)

	rejected := logs.FilterMessage("Transfer rejected").All()
	require.Len(t, rejected, 1)
	assert.Equal(t, zapcore.WarnLevel, rejected[0].Level)
}

func TestLogFailure_InfrastructureErrorsLogAtError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e := &transferEngine{logger: zap.New(core)}

	e.logFailure("x", "y", amount("1"), 4, fmt.Errorf("%w: exhausted", domain.ErrTransferAborted))

	entries := logs.FilterMessage("Transfer failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}
