package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/verification"
	"golang.org/x/sync/errgroup"
)

const (
	merchantAddr = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	contractAddr = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	tokenAddr    = "0x90F79bf6EB2c4f870365E785982E1f101E93b906"
	txRef        = "0x5f1b4bcb7b4f0a3d2c1e0f9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c"
)

var testDest = Destinations{Merchant: merchantAddr, PaymentContract: contractAddr}

type fakeSubmitter struct {
	mu       sync.Mutex
	calls    int
	ref      string
	err      error
	block    chan struct{}
	dests    []string
	requests []types.TransferRequest
}

func (f *fakeSubmitter) Submit(_ context.Context, destination string, req types.TransferRequest) (string, error) {
	f.mu.Lock()
	f.calls++
	f.dests = append(f.dests, destination)
	f.requests = append(f.requests, req)
	block, ref, err := f.block, f.ref, f.err
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return ref, err
}

func (f *fakeSubmitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type statusStep struct {
	report *types.TxReport
	err    error
}

// fakeStatus replays steps in order and repeats the last one.
type fakeStatus struct {
	mu    sync.Mutex
	calls int
	steps []statusStep
}

func (f *fakeStatus) StatusOf(_ context.Context, reference string) (*types.TxReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	f.calls++

	step := f.steps[i]
	if step.report != nil {
		r := *step.report
		r.Reference = reference
		return &r, step.err
	}
	return nil, step.err
}

func (f *fakeStatus) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// hangingStatus never answers before ctx ends.
type hangingStatus struct{}

func (hangingStatus) StatusOf(ctx context.Context, _ string) (*types.TxReport, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func reportOf(status types.TxStatus, detail string) statusStep {
	return statusStep{report: &types.TxReport{Status: status, Detail: detail}}
}

type logEntry struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) record(level, msg string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) Debug(msg string, f map[string]any) { l.record("debug", msg, f) }
func (l *captureLogger) Info(msg string, f map[string]any)  { l.record("info", msg, f) }
func (l *captureLogger) Warn(msg string, f map[string]any)  { l.record("warn", msg, f) }
func (l *captureLogger) Error(msg string, f map[string]any) { l.record("error", msg, f) }

func (l *captureLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

type countingRecorder struct {
	mu        sync.Mutex
	counters  map[string]int
	latencies map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{counters: map[string]int{}, latencies: map[string]int{}}
}

func (r *countingRecorder) IncCounter(name string, labels map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name+"/"+labels["status"]]++
}

func (r *countingRecorder) ObserveLatency(name string, _ time.Duration, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies[name]++
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestBeginAttemptValidation(t *testing.T) {
	tests := []struct {
		name   string
		dest   Destinations
		method types.PaymentMethod
		amount string
		token  string
		code   string
	}{
		{"zero amount", testDest, types.MethodWalletConnect, "0", "", types.ErrInvalidAmount},
		{"negative amount", testDest, types.MethodWalletConnect, "-0.1", "", types.ErrInvalidAmount},
		{"unknown method", testDest, types.PaymentMethod("card"), "0.1", "", types.ErrInvalidMethod},
		{"token transfer without token", testDest, types.MethodTokenTransfer, "0.2", "", types.ErrMissingTarget},
		{"token transfer with short token", testDest, types.MethodTokenTransfer, "0.2", "0x1234", types.ErrMissingTarget},
		{"token transfer with non-hex token", testDest, types.MethodTokenTransfer, "0.2", "0xZZ79bf6EB2c4f870365E785982E1f101E93b906", types.ErrMissingTarget},
		{"token transfer without contract", Destinations{Merchant: merchantAddr}, types.MethodTokenTransfer, "0.2", tokenAddr, types.ErrConfigError},
		{"wallet connect without merchant", Destinations{}, types.MethodWalletConnect, "0.2", "", types.ErrConfigError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{ref: txRef}
			o := NewOrchestrator(sub, &fakeStatus{}, tt.dest)

			attempt, err := o.BeginAttempt(context.Background(), tt.method, dec(tt.amount), tt.token)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, tt.code), "got %v", err)
			assert.Nil(t, attempt)
			assert.Nil(t, o.CurrentAttempt())
			assert.Zero(t, sub.Calls())
		})
	}
}

func TestBeginAttemptSubmitsWalletConnect(t *testing.T) {
	clock := newFakeClock()
	sub := &fakeSubmitter{ref: txRef}
	o := NewOrchestrator(sub, &fakeStatus{}, testDest, WithClock(clock.Now))

	attempt, err := o.BeginAttempt(context.Background(), types.MethodWalletConnect, dec("0.35"), "")
	require.NoError(t, err)

	assert.Equal(t, types.StatusSubmitted, attempt.Status)
	assert.Equal(t, txRef, attempt.TxReference)
	assert.Empty(t, attempt.TargetToken)
	require.NotNil(t, attempt.SubmittedAt)
	assert.Equal(t, clock.Now(), *attempt.SubmittedAt)
	assert.True(t, dec("0.35").Equal(attempt.Amount))

	require.Equal(t, 1, sub.Calls())
	assert.Equal(t, merchantAddr, sub.dests[0])
	assert.Equal(t, attempt.ID, sub.requests[0].AttemptID)
	assert.True(t, dec("0.35").Equal(sub.requests[0].Amount))

	assert.Equal(t, attempt, o.CurrentAttempt())
}

func TestBeginAttemptSubmitsTokenTransfer(t *testing.T) {
	sub := &fakeSubmitter{ref: txRef}
	o := NewOrchestrator(sub, &fakeStatus{}, testDest)

	attempt, err := o.BeginAttempt(context.Background(), types.MethodTokenTransfer, dec("0.2"), tokenAddr)
	require.NoError(t, err)

	assert.Equal(t, types.StatusSubmitted, attempt.Status)
	assert.Equal(t, tokenAddr, attempt.TargetToken)
	assert.Equal(t, contractAddr, sub.dests[0])
	assert.Equal(t, tokenAddr, sub.requests[0].Token)
	assert.Equal(t, types.MethodTokenTransfer, sub.requests[0].Method)
}

func TestBeginAttemptSubmissionError(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("user rejected signature")}
	status := &fakeStatus{steps: []statusStep{reportOf(types.TxConfirmed, "")}}
	o := NewOrchestrator(sub, status, testDest)

	attempt, err := o.BeginAttempt(context.Background(), types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, attempt.Status)
	assert.Equal(t, types.ErrSubmission, attempt.FailureCode)
	assert.Contains(t, attempt.FailureReason, "user rejected signature")
	assert.Empty(t, attempt.TxReference)
	assert.Nil(t, attempt.SubmittedAt)

	current := o.CurrentAttempt()
	assert.Equal(t, types.StatusFailed, current.Status)

	polled, err := o.PollStatus(context.Background(), attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, polled.Status)
	assert.Zero(t, status.Calls())
}

func TestBeginAttemptEmptyReferenceFails(t *testing.T) {
	o := NewOrchestrator(&fakeSubmitter{}, &fakeStatus{}, testDest)

	attempt, err := o.BeginAttempt(context.Background(), types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, attempt.Status)
	assert.Equal(t, types.ErrSubmission, attempt.FailureCode)
}

func TestBeginAttemptCancelledBeforeReference(t *testing.T) {
	block := make(chan struct{})
	sub := &fakeSubmitter{ref: txRef, block: block}
	log := &captureLogger{}
	rec := newCountingRecorder()

	var mu sync.Mutex
	var notified []*types.PaymentAttempt
	observer := func(_ types.PaymentStatus, a *types.PaymentAttempt) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, a)
	}
	o := NewOrchestrator(sub, &fakeStatus{}, testDest, WithLogger(log), WithMetrics(rec), WithObserver(observer))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempt, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, attempt.Status)
	assert.Equal(t, types.ErrCancelled, attempt.FailureCode)
	assert.Empty(t, attempt.TxReference)
	assert.Empty(t, attempt.LateReference)

	rec.mu.Lock()
	assert.Equal(t, 1, rec.latencies["submit"], "cancelled submissions are timed too")
	rec.mu.Unlock()

	// The service answers after the attempt was abandoned.
	close(block)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return notified[len(notified)-1].LateReference != ""
	}, time.Second, 5*time.Millisecond)

	entry, ok := log.find("transaction reference arrived after cancellation")
	require.True(t, ok)
	assert.Equal(t, txRef, entry.fields["reference"])
	assert.Equal(t, attempt.ID, entry.fields["attempt_id"])

	current := o.CurrentAttempt()
	assert.Equal(t, types.StatusFailed, current.Status)
	assert.Equal(t, types.ErrCancelled, current.FailureCode)
	assert.Empty(t, current.TxReference)
	assert.Equal(t, txRef, current.LateReference)

	mu.Lock()
	defer mu.Unlock()
	last := notified[len(notified)-1]
	assert.Equal(t, types.StatusFailed, last.Status)
	assert.Equal(t, txRef, last.LateReference)
}

func TestBeginAttemptBoundedBySubmitTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	sub := &fakeSubmitter{ref: txRef, block: block}
	rec := newCountingRecorder()
	o := NewOrchestrator(sub, &fakeStatus{}, testDest, WithTimeout(10*time.Millisecond), WithMetrics(rec))

	attempt, err := o.BeginAttempt(context.Background(), types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, attempt.Status)
	assert.Equal(t, types.ErrCancelled, attempt.FailureCode)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.latencies["submit"])
}

func TestBeginAttemptRejectedWhileInFlight(t *testing.T) {
	block := make(chan struct{})
	sub := &fakeSubmitter{ref: txRef, block: block}
	status := &fakeStatus{steps: []statusStep{reportOf(types.TxConfirmed, verification.DetailFinalized)}}
	o := NewOrchestrator(sub, status, testDest)
	ctx := context.Background()

	done := make(chan *types.PaymentAttempt, 1)
	go func() {
		a, _ := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
		done <- a
	}()

	require.Eventually(t, func() bool { return sub.Calls() == 1 }, time.Second, time.Millisecond)

	_, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	assert.True(t, types.IsCode(err, types.ErrAttemptInFlight), "got %v", err)

	close(block)
	first := <-done
	require.Equal(t, types.StatusSubmitted, first.Status)

	// Submitted is still non-terminal.
	_, err = o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	assert.True(t, types.IsCode(err, types.ErrAttemptInFlight), "got %v", err)

	polled, err := o.PollStatus(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusConfirmed, polled.Status)

	second, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 2, sub.Calls())
}

func TestBeginAttemptConcurrentCallsSubmitOnce(t *testing.T) {
	sub := &fakeSubmitter{ref: txRef}

	var mu sync.Mutex
	submitted := 0
	observer := func(_ types.PaymentStatus, a *types.PaymentAttempt) {
		if a.Status == types.StatusSubmitted {
			mu.Lock()
			submitted++
			mu.Unlock()
		}
	}
	o := NewOrchestrator(sub, &fakeStatus{}, testDest, WithObserver(observer))

	var g errgroup.Group
	var okCount, rejected int
	var countMu sync.Mutex
	for i := 0; i < 25; i++ {
		g.Go(func() error {
			_, err := o.BeginAttempt(context.Background(), types.MethodWalletConnect, dec("0.1"), "")
			countMu.Lock()
			defer countMu.Unlock()
			switch {
			case err == nil:
				okCount++
			case types.IsCode(err, types.ErrAttemptInFlight):
				rejected++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, okCount)
	assert.Equal(t, 24, rejected)
	assert.Equal(t, 1, sub.Calls())
	assert.Equal(t, 1, submitted)
}

func TestBeginAttemptAfterFailureCreatesFreshAttempt(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("rpc down")}
	o := NewOrchestrator(sub, &fakeStatus{}, testDest)
	ctx := context.Background()

	failed, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)
	require.Equal(t, types.StatusFailed, failed.Status)

	sub.mu.Lock()
	sub.err, sub.ref = nil, txRef
	sub.mu.Unlock()

	retry, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, retry.Status)
	assert.NotEqual(t, failed.ID, retry.ID)

	old, err := o.Attempt(failed.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, old.Status)
}

func TestPollStatusMapsServiceStates(t *testing.T) {
	tests := []struct {
		name   string
		step   statusStep
		status types.PaymentStatus
		code   string
	}{
		{"queued", reportOf(types.TxQueued, verification.DetailAwaitingInclusion), types.StatusSubmitted, ""},
		{"pending", reportOf(types.TxPending, verification.DetailAwaitingFinality), types.StatusPending, ""},
		{"confirmed", reportOf(types.TxConfirmed, verification.DetailFinalized), types.StatusConfirmed, ""},
		{"reverted", reportOf(types.TxFailed, verification.DetailReverted), types.StatusFailed, types.ErrTxFailed},
		{"dropped", reportOf(types.TxFailed, verification.DetailDropped), types.StatusFailed, types.ErrTxFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{ref: txRef}
			status := &fakeStatus{steps: []statusStep{tt.step}}
			o := NewOrchestrator(sub, status, testDest)
			ctx := context.Background()

			attempt, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
			require.NoError(t, err)

			polled, err := o.PollStatus(ctx, attempt.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, polled.Status)
			assert.Equal(t, tt.code, polled.FailureCode)
			assert.Equal(t, txRef, polled.TxReference)
			if tt.code != "" {
				assert.Contains(t, polled.FailureReason, tt.step.report.Detail)
			}
			assert.Equal(t, 1, sub.Calls())
		})
	}
}

func TestPollStatusIsIdempotent(t *testing.T) {
	sub := &fakeSubmitter{ref: txRef}
	status := &fakeStatus{steps: []statusStep{
		reportOf(types.TxQueued, verification.DetailAwaitingInclusion),
		reportOf(types.TxPending, verification.DetailAwaitingFinality),
		reportOf(types.TxConfirmed, verification.DetailFinalized),
	}}
	o := NewOrchestrator(sub, status, testDest)
	ctx := context.Background()

	attempt, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)

	for _, want := range []types.PaymentStatus{types.StatusSubmitted, types.StatusPending, types.StatusConfirmed, types.StatusConfirmed} {
		polled, err := o.PollStatus(ctx, attempt.ID)
		require.NoError(t, err)
		assert.Equal(t, want, polled.Status)
	}

	assert.Equal(t, 3, status.Calls(), "terminal attempts are not polled")
	assert.Equal(t, 1, sub.Calls(), "polling never resubmits")
}

func TestPollStatusServiceErrorLeavesStateUnchanged(t *testing.T) {
	sub := &fakeSubmitter{ref: txRef}
	status := &fakeStatus{steps: []statusStep{
		reportOf(types.TxPending, verification.DetailAwaitingFinality),
		{err: errors.New("connection reset")},
	}}
	o := NewOrchestrator(sub, status, testDest)
	ctx := context.Background()

	attempt, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)

	_, err = o.PollStatus(ctx, attempt.ID)
	require.NoError(t, err)

	polled, err := o.PollStatus(ctx, attempt.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrStatusUnavailable))
	assert.Equal(t, types.StatusPending, polled.Status)
	assert.Equal(t, types.StatusPending, o.CurrentAttempt().Status)
}

func TestPollStatusUnknownStatusIsUnavailable(t *testing.T) {
	status := &fakeStatus{steps: []statusStep{reportOf(types.TxStatus("orphaned"), "")}}
	o := NewOrchestrator(&fakeSubmitter{ref: txRef}, status, testDest)
	ctx := context.Background()

	attempt, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)

	_, err = o.PollStatus(ctx, attempt.ID)
	assert.True(t, types.IsCode(err, types.ErrStatusUnavailable))
	assert.Equal(t, types.StatusSubmitted, o.CurrentAttempt().Status)
}

func TestPollStatusNotFound(t *testing.T) {
	o := NewOrchestrator(&fakeSubmitter{}, &fakeStatus{}, testDest)

	_, err := o.PollStatus(context.Background(), "missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	_, err = o.Attempt("missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestPollStatusConfirmationTimeout(t *testing.T) {
	clock := newFakeClock()
	status := &fakeStatus{steps: []statusStep{reportOf(types.TxPending, verification.DetailAwaitingFinality)}}
	o := NewOrchestrator(&fakeSubmitter{ref: txRef}, status, testDest,
		WithClock(clock.Now),
		WithPolicy(verification.Policy{Confirmations: 1, Timeout: time.Minute}))
	ctx := context.Background()

	attempt, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)

	polled, err := o.PollStatus(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, polled.Status)

	clock.Advance(2 * time.Minute)

	polled, err = o.PollStatus(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, polled.Status)
	assert.Equal(t, types.ErrConfirmationTimeout, polled.FailureCode)
}

func TestPollStatusServiceErrorNeverTimesOut(t *testing.T) {
	clock := newFakeClock()
	status := &fakeStatus{steps: []statusStep{
		{err: errors.New("node offline")},
		{err: errors.New("node offline")},
		reportOf(types.TxConfirmed, verification.DetailFinalized),
	}}
	o := NewOrchestrator(&fakeSubmitter{ref: txRef}, status, testDest,
		WithClock(clock.Now),
		WithPolicy(verification.Policy{Timeout: time.Minute}))
	ctx := context.Background()

	attempt, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)

	_, err = o.PollStatus(ctx, attempt.ID)
	assert.True(t, types.IsCode(err, types.ErrStatusUnavailable))

	clock.Advance(time.Hour)
	polled, err := o.PollStatus(ctx, attempt.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrStatusUnavailable))
	assert.Equal(t, types.StatusSubmitted, polled.Status)
	assert.Empty(t, polled.FailureCode)
	assert.Equal(t, types.StatusSubmitted, o.CurrentAttempt().Status)

	// The node comes back and the transfer turns out to have settled.
	polled, err = o.PollStatus(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, polled.Status)
}

func TestPollStatusQueuedTransactionStaysSubmitted(t *testing.T) {
	clock := newFakeClock()
	status := &fakeStatus{steps: []statusStep{reportOf(types.TxQueued, verification.DetailAwaitingInclusion)}}

	var transitions int
	observer := func(types.PaymentStatus, *types.PaymentAttempt) { transitions++ }
	o := NewOrchestrator(&fakeSubmitter{ref: txRef}, status, testDest,
		WithClock(clock.Now),
		WithObserver(observer),
		WithPolicy(verification.Policy{Timeout: time.Minute}))
	ctx := context.Background()

	attempt, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)
	before := transitions

	polled, err := o.PollStatus(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, polled.Status)
	assert.Equal(t, before, transitions)

	clock.Advance(2 * time.Minute)

	polled, err = o.PollStatus(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, polled.Status)
	assert.Equal(t, types.ErrConfirmationTimeout, polled.FailureCode)
}

func TestPollStatusConfirmedAfterDeadlineStillConfirms(t *testing.T) {
	clock := newFakeClock()
	status := &fakeStatus{steps: []statusStep{reportOf(types.TxConfirmed, verification.DetailFinalized)}}
	o := NewOrchestrator(&fakeSubmitter{ref: txRef}, status, testDest,
		WithClock(clock.Now),
		WithPolicy(verification.Policy{Timeout: time.Minute}))
	ctx := context.Background()

	attempt, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	polled, err := o.PollStatus(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, polled.Status)
}

func TestWaitForConfirmationRetriesUntilFinal(t *testing.T) {
	status := &fakeStatus{steps: []statusStep{
		reportOf(types.TxPending, verification.DetailAwaitingFinality),
		{err: errors.New("temporary failure")},
		reportOf(types.TxPending, verification.DetailAwaitingFinality),
		reportOf(types.TxConfirmed, verification.DetailFinalized),
	}}
	o := NewOrchestrator(&fakeSubmitter{ref: txRef}, status, testDest)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	attempt, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)

	final, err := o.WaitForConfirmation(ctx, attempt.ID, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, final.Status)
	assert.Equal(t, 4, status.Calls())
}

func TestWaitForConfirmationDeadline(t *testing.T) {
	status := &fakeStatus{steps: []statusStep{reportOf(types.TxPending, verification.DetailAwaitingFinality)}}
	o := NewOrchestrator(&fakeSubmitter{ref: txRef}, status, testDest)

	attempt, err := o.BeginAttempt(context.Background(), types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	last, err := o.WaitForConfirmation(ctx, attempt.ID, 5*time.Millisecond)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfirmationTimeout))
	require.NotNil(t, last)
	assert.Equal(t, types.StatusPending, last.Status)
	assert.Equal(t, types.StatusPending, o.CurrentAttempt().Status)
}

func TestWaitForConfirmationDeadlineDoesNotFailExpiredAttempt(t *testing.T) {
	clock := newFakeClock()
	o := NewOrchestrator(&fakeSubmitter{ref: txRef}, hangingStatus{}, testDest,
		WithClock(clock.Now),
		WithTimeout(time.Hour),
		WithPolicy(verification.Policy{Timeout: time.Minute}))

	attempt, err := o.BeginAttempt(context.Background(), types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	last, err := o.WaitForConfirmation(ctx, attempt.ID, 5*time.Millisecond)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfirmationTimeout))
	require.NotNil(t, last)
	assert.Equal(t, types.StatusSubmitted, last.Status)

	current := o.CurrentAttempt()
	assert.Equal(t, types.StatusSubmitted, current.Status)
	assert.Empty(t, current.FailureCode)
}

func TestWaitForConfirmationUnknownAttempt(t *testing.T) {
	o := NewOrchestrator(&fakeSubmitter{}, &fakeStatus{}, testDest)

	_, err := o.WaitForConfirmation(context.Background(), "missing", time.Millisecond)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestObserverSeesEveryTransition(t *testing.T) {
	status := &fakeStatus{steps: []statusStep{
		reportOf(types.TxPending, verification.DetailAwaitingFinality),
		reportOf(types.TxConfirmed, verification.DetailFinalized),
	}}

	var mu sync.Mutex
	var seen [][2]types.PaymentStatus
	observer := func(prev types.PaymentStatus, a *types.PaymentAttempt) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, [2]types.PaymentStatus{prev, a.Status})
	}

	rec := newCountingRecorder()
	o := NewOrchestrator(&fakeSubmitter{ref: txRef}, status, testDest, WithObserver(observer), WithMetrics(rec))
	ctx := context.Background()

	attempt, err := o.BeginAttempt(ctx, types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)
	_, err = o.PollStatus(ctx, attempt.ID)
	require.NoError(t, err)
	_, err = o.PollStatus(ctx, attempt.ID)
	require.NoError(t, err)

	assert.Equal(t, [][2]types.PaymentStatus{
		{"", types.StatusIdle},
		{types.StatusIdle, types.StatusSubmitted},
		{types.StatusSubmitted, types.StatusPending},
		{types.StatusPending, types.StatusConfirmed},
	}, seen)

	assert.Equal(t, 1, rec.counters["attempt_transition/confirmed"])
	assert.Equal(t, 1, rec.latencies["submit"])
	assert.Equal(t, 2, rec.latencies["poll"])
}

func TestCurrentAttemptIsACopy(t *testing.T) {
	o := NewOrchestrator(&fakeSubmitter{ref: txRef}, &fakeStatus{}, testDest)
	assert.Nil(t, o.CurrentAttempt())

	_, err := o.BeginAttempt(context.Background(), types.MethodWalletConnect, dec("0.1"), "")
	require.NoError(t, err)

	a := o.CurrentAttempt()
	a.Status = types.StatusConfirmed
	a.Amount = dec("99")

	b := o.CurrentAttempt()
	assert.Equal(t, types.StatusSubmitted, b.Status)
	assert.True(t, dec("0.1").Equal(b.Amount))
}
