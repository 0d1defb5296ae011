package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/mailcore/internal/sender"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(maxFailures int, recovery time.Duration) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	cb := New(Config{Name: "test", MaxFailures: maxFailures, RecoveryTimeout: recovery}, zap.NewNop()).
		WithClock(c.now)
	return cb, c
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newBreaker(3, time.Second)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAndRejects(t *testing.T) {
	cb, _ := newBreaker(3, 5*time.Second)
	trip(cb, 3)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
	if cb.Stats().TotalRejected != 1 {
		t.Fatalf("rejected = %d", cb.Stats().TotalRejected)
	}
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	tests := []struct {
		name    string
		success bool
		want    State
	}{
		{"trial succeeds", true, StateClosed},
		{"trial fails", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, c := newBreaker(2, 30*time.Second)
			trip(cb, 2)

			c.advance(29 * time.Second)
			if cb.Allow() {
				t.Fatal("should still reject before the recovery timeout")
			}

			c.advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow a trial request after timeout")
			}
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
			}
			if cb.Allow() {
				t.Fatal("second half-open request should be rejected")
			}

			if tt.success {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.GetState() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_AbandonFreesTrial(t *testing.T) {
	cb, c := newBreaker(1, time.Second)
	trip(cb, 1)
	c.advance(time.Second)

	if !cb.Allow() {
		t.Fatal("trial request should be allowed")
	}
	cb.Abandon()
	if !cb.Allow() {
		t.Fatal("abandoned trial slot should be reusable")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newBreaker(3, time.Second)
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newBreaker(2, time.Minute)
	trip(cb, 2)
	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.GetState())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newBreaker(5, time.Second)
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()

	stats := cb.Stats()
	if stats.Name != "test" || stats.State != "closed" {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.TotalRequests != 3 || stats.TotalSuccesses != 2 || stats.TotalFailures != 1 {
		t.Fatalf("counts = %+v", stats)
	}
	if stats.LastFailure != "2025-03-01T09:00:00Z" {
		t.Fatalf("last_failure = %s", stats.LastFailure)
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cfg := DefaultConfig("ses")
	if cfg.MaxFailures != 5 || cfg.RecoveryTimeout != 30*time.Second || cfg.HalfOpenMaxRequests != 1 {
		t.Fatalf("default config = %+v", cfg)
	}

	cb := New(Config{Name: "zero"}, zap.NewNop())
	if cb.config.MaxFailures != 5 || cb.config.HalfOpenMaxRequests != 1 {
		t.Fatalf("zero config not defaulted: %+v", cb.config)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockSender struct {
	sendErr   error
	sendCalls int
}

func (m *mockSender) Name() string { return "mock" }

func (m *mockSender) Send(_ context.Context, _ *sender.Message) (*sender.Result, error) {
	m.sendCalls++
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &sender.Result{Provider: "mock", ProviderMessageID: "<m@test>"}, nil
}

func testMessage() *sender.Message {
	return &sender.Message{SendID: uuid.New(), To: "jane@school.org", Subject: "s", Body: "b"}
}

func TestProtectedSender_PassesThrough(t *testing.T) {
	mock := &mockSender{}
	cb, _ := newBreaker(5, time.Second)
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	res, err := ps.Send(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if res.ProviderMessageID != "<m@test>" || mock.sendCalls != 1 {
		t.Fatalf("res = %+v, calls = %d", res, mock.sendCalls)
	}
	if ps.Name() != "mock" {
		t.Fatalf("name = %s", ps.Name())
	}
}

func TestProtectedSender_FailFastWhenOpen(t *testing.T) {
	mock := &mockSender{sendErr: errors.New("ses down")}
	cb, _ := newBreaker(2, time.Minute)
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	_, _ = ps.Send(context.Background(), testMessage())
	_, _ = ps.Send(context.Background(), testMessage())
	mock.sendCalls = 0

	_, err := ps.Send(context.Background(), testMessage())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got: %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatalf("sender called %d times when circuit open", mock.sendCalls)
	}
}

func TestProtectedSender_IgnoresSuppressed(t *testing.T) {
	mock := &mockSender{sendErr: fmt.Errorf("guard: %w", sender.ErrSuppressed)}
	cb, _ := newBreaker(1, time.Minute)
	ps := NewProtectedSender(mock, cb, zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := ps.Send(context.Background(), testMessage()); !errors.Is(err, sender.ErrSuppressed) {
			t.Fatalf("expected ErrSuppressed, got %v", err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("suppressed sends must not trip the breaker, state %s", cb.GetState())
	}
}

func TestProtectedSender_FullLifecycle(t *testing.T) {
	mock := &mockSender{}
	cb, c := newBreaker(3, 30*time.Second)
	ps := NewProtectedSender(mock, cb, zap.NewNop())
	ctx := context.Background()

	if _, err := ps.Send(ctx, testMessage()); err != nil {
		t.Fatalf("healthy: %v", err)
	}

	mock.sendErr = errors.New("ses down")
	for i := 0; i < 3; i++ {
		_, _ = ps.Send(ctx, testMessage())
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	c.advance(31 * time.Second)
	mock.sendErr = nil
	if _, err := ps.Send(ctx, testMessage()); err != nil {
		t.Fatalf("trial: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}

	for i := 0; i < 5; i++ {
		if _, err := ps.Send(ctx, testMessage()); err != nil {
			t.Fatalf("recovered[%d]: %v", i, err)
		}
	}
}
