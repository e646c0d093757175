// Package settlement drives payment attempts through their lifecycle,
// delegating submission and status checks to an external transaction service.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitwit/storefront/clients"
	"github.com/vitwit/storefront/logger"
	"github.com/vitwit/storefront/metrics"
	"github.com/vitwit/storefront/types"
	"github.com/vitwit/storefront/utils"
	"github.com/vitwit/storefront/verification"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 4 * time.Second
)

// Observer is notified after an attempt changes status. prev is empty when
// the attempt was just created, and equals attempt.Status when a late
// reference was recorded on a cancelled attempt. It runs outside the
// orchestrator lock.
type Observer func(prev types.PaymentStatus, attempt *types.PaymentAttempt)

// Destinations are the addresses payments are sent to.
type Destinations struct {
	// Merchant receives wallet-connect payments.
	Merchant string
	// PaymentContract receives token-transfer payments.
	PaymentContract string
}

// Orchestrator owns the current payment attempt. Submission happens at most
// once per attempt; polling is repeatable and never resubmits.
type Orchestrator struct {
	submitter    clients.Submitter
	status       clients.StatusReader
	destinations Destinations

	policy       verification.Policy
	timeout      time.Duration
	pollInterval time.Duration
	logger       logger.Logger
	metrics      metrics.Recorder
	now          func() time.Time
	newID        func() string
	observer     Observer

	mu       sync.Mutex
	current  *types.PaymentAttempt
	attempts map[string]*types.PaymentAttempt
	inFlight bool
}

type submitResult struct {
	reference string
	err       error
}

type pollResult struct {
	report *types.TxReport
	err    error
}

func NewOrchestrator(submitter clients.Submitter, status clients.StatusReader, dest Destinations, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		submitter:    submitter,
		status:       status,
		destinations: dest,
		timeout:      defaultTimeout,
		pollInterval: defaultPollInterval,
		logger:       logger.NoopLogger{},
		metrics:      metrics.NoopRecorder{},
		now:          time.Now,
		newID:        uuid.NewString,
		attempts:     make(map[string]*types.PaymentAttempt),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// BeginAttempt validates the request, creates a new attempt and submits it.
// The returned attempt is either Submitted with a reference or Failed. A
// failed submission is reported through the attempt, not the error; the
// error is reserved for requests rejected before any attempt exists.
func (o *Orchestrator) BeginAttempt(ctx context.Context, method types.PaymentMethod, amount decimal.Decimal, targetToken string) (*types.PaymentAttempt, error) {
	destination, err := o.validate(method, amount, targetToken)
	if err != nil {
		return nil, err
	}

	now := o.now()
	attempt := &types.PaymentAttempt{
		ID:        o.newID(),
		Method:    method,
		Amount:    amount,
		Status:    types.StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if method == types.MethodTokenTransfer {
		attempt.TargetToken = utils.NormalizeAddress(targetToken)
	}

	o.mu.Lock()
	if o.inFlight || (o.current != nil && !o.current.Status.IsTerminal()) {
		o.mu.Unlock()
		return nil, &types.StoreError{
			Code:    types.ErrAttemptInFlight,
			Message: "a payment attempt is already in progress",
		}
	}
	o.inFlight = true
	o.current = attempt
	o.attempts[attempt.ID] = attempt
	created := attempt.Clone()
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	o.notify("", created)

	req := types.TransferRequest{
		AttemptID: attempt.ID,
		Method:    method,
		Amount:    amount,
		Token:     attempt.TargetToken,
	}

	reference, code, cause := o.submit(ctx, destination, req)
	if code != "" {
		return o.fail(attempt.ID, code, cause), nil
	}

	submittedAt := o.now()
	updated, _ := o.advance(attempt.ID, types.StatusSubmitted, func(a *types.PaymentAttempt) {
		a.TxReference = reference
		a.SubmittedAt = &submittedAt
	})
	return updated, nil
}

func (o *Orchestrator) validate(method types.PaymentMethod, amount decimal.Decimal, targetToken string) (string, error) {
	if !amount.IsPositive() {
		return "", &types.StoreError{
			Code:    types.ErrInvalidAmount,
			Message: fmt.Sprintf("amount must be greater than zero, got %s", amount.String()),
		}
	}

	switch method {
	case types.MethodWalletConnect:
		if o.destinations.Merchant == "" {
			return "", types.NewError(types.ErrConfigError, "no merchant address configured")
		}
		return o.destinations.Merchant, nil

	case types.MethodTokenTransfer:
		if err := utils.ValidateAddress(targetToken); err != nil {
			return "", types.WrapError(types.ErrMissingTarget, "token-transfer requires a valid token address", err)
		}
		if o.destinations.PaymentContract == "" {
			return "", types.NewError(types.ErrConfigError, "no payment contract configured for token transfers")
		}
		return o.destinations.PaymentContract, nil

	default:
		return "", &types.StoreError{
			Code:    types.ErrInvalidMethod,
			Message: fmt.Sprintf("unsupported payment method: %q", method),
		}
	}
}

// submit calls the submission service once. It returns the reference, or a
// failure code and its cause.
func (o *Orchestrator) submit(ctx context.Context, destination string, req types.TransferRequest) (string, string, error) {
	submitCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := o.now()
	defer func() {
		o.metrics.ObserveLatency("submit", o.now().Sub(start), map[string]string{"method": req.Method.String()})
	}()

	results := make(chan submitResult, 1)
	go func() {
		ref, err := o.submitter.Submit(submitCtx, destination, req)
		results <- submitResult{reference: ref, err: err}
	}()

	var res submitResult
	select {
	case res = <-results:
	case <-submitCtx.Done():
		select {
		case res = <-results:
		default:
			go o.reconcileLate(req, results)
			return "", types.ErrCancelled, submitCtx.Err()
		}
	}

	switch {
	case res.err != nil && submitCtx.Err() != nil:
		return "", types.ErrCancelled, res.err
	case res.err != nil:
		return "", types.ErrSubmission, res.err
	case res.reference == "":
		return "", types.ErrSubmission, errors.New("submission service returned an empty reference")
	}
	return res.reference, "", nil
}

// reconcileLate waits for a submission abandoned on cancellation. A reference
// that still arrives is recorded on the attempt as LateReference for manual
// reconciliation. The attempt stays Failed.
func (o *Orchestrator) reconcileLate(req types.TransferRequest, results <-chan submitResult) {
	res := <-results
	if res.err != nil || res.reference == "" {
		return
	}

	o.metrics.IncCounter("late_reference", map[string]string{"method": req.Method.String()})
	o.logger.Warn("transaction reference arrived after cancellation", map[string]any{
		"attempt_id": req.AttemptID,
		"method":     req.Method.String(),
		"amount":     req.Amount.String(),
		"reference":  res.reference,
	})

	o.mu.Lock()
	attempt, ok := o.attempts[req.AttemptID]
	if !ok {
		o.mu.Unlock()
		return
	}
	attempt.LateReference = res.reference
	attempt.UpdatedAt = o.now()
	out := attempt.Clone()
	o.mu.Unlock()

	if o.observer != nil {
		o.observer(out.Status, out)
	}
}

// PollStatus refreshes an attempt from the status service. Terminal attempts
// and attempts without a reference are returned as they are. A failed status
// check never changes the attempt; the confirmation timeout only applies when
// the service reports the transaction as not yet final.
func (o *Orchestrator) PollStatus(ctx context.Context, attemptID string) (*types.PaymentAttempt, error) {
	o.mu.Lock()
	attempt, ok := o.attempts[attemptID]
	if !ok {
		o.mu.Unlock()
		return nil, &types.StoreError{
			Code:    types.ErrNotFound,
			Message: fmt.Sprintf("payment attempt %q not found", attemptID),
		}
	}
	snapshot := attempt.Clone()
	o.mu.Unlock()

	if snapshot.Status.IsTerminal() || snapshot.TxReference == "" {
		return snapshot, nil
	}

	report, err := o.queryStatus(ctx, snapshot)
	if err != nil {
		o.logger.Debug("status check failed", map[string]any{
			"attempt_id": snapshot.ID,
			"reference":  snapshot.TxReference,
			"error":      err,
		})
		return snapshot, types.WrapError(types.ErrStatusUnavailable, "transaction status unavailable", err)
	}

	next, ok := verification.PaymentStatusOf(report.Status)
	if !ok {
		return snapshot, types.NewError(types.ErrStatusUnavailable,
			fmt.Sprintf("status service reported unknown status %q", report.Status))
	}

	switch next {
	case types.StatusFailed:
		return o.fail(snapshot.ID, types.ErrTxFailed, fmt.Errorf("transaction %s", report.Detail)), nil
	case types.StatusSubmitted, types.StatusPending:
		if o.expired(snapshot) {
			return o.timeOut(snapshot), nil
		}
	}

	updated, _ := o.advance(snapshot.ID, next, nil)
	return updated, nil
}

func (o *Orchestrator) queryStatus(ctx context.Context, attempt *types.PaymentAttempt) (*types.TxReport, error) {
	pollCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := o.now()
	results := make(chan pollResult, 1)
	go func() {
		report, err := o.status.StatusOf(pollCtx, attempt.TxReference)
		results <- pollResult{report: report, err: err}
	}()

	var res pollResult
	select {
	case res = <-results:
	case <-pollCtx.Done():
		return nil, pollCtx.Err()
	}

	o.metrics.ObserveLatency("poll", o.now().Sub(start), map[string]string{"method": attempt.Method.String()})

	if res.err != nil {
		return nil, res.err
	}
	if res.report == nil {
		return nil, errors.New("status service returned no report")
	}
	return res.report, nil
}

func (o *Orchestrator) expired(attempt *types.PaymentAttempt) bool {
	return attempt.SubmittedAt != nil && o.policy.Expired(*attempt.SubmittedAt, o.now())
}

func (o *Orchestrator) timeOut(attempt *types.PaymentAttempt) *types.PaymentAttempt {
	return o.fail(attempt.ID, types.ErrConfirmationTimeout,
		fmt.Errorf("not confirmed within %s", o.policy.Timeout))
}

// WaitForConfirmation polls until the attempt is terminal or ctx ends. Status
// errors are retried on the next tick. When ctx ends first the attempt is
// left untouched and CONFIRMATION_TIMEOUT is returned with its last state.
func (o *Orchestrator) WaitForConfirmation(ctx context.Context, attemptID string, interval time.Duration) (*types.PaymentAttempt, error) {
	if interval <= 0 {
		interval = o.pollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *types.PaymentAttempt
	for {
		attempt, err := o.PollStatus(ctx, attemptID)
		switch {
		case types.IsCode(err, types.ErrNotFound):
			return nil, err
		case err != nil:
			o.logger.Debug("retrying status check", map[string]any{
				"attempt_id": attemptID,
				"error":      err,
			})
		case attempt.Status.IsTerminal():
			return attempt, nil
		}
		if attempt != nil {
			last = attempt
		}

		select {
		case <-ctx.Done():
			return last, types.WrapError(types.ErrConfirmationTimeout,
				fmt.Sprintf("attempt %s not final before deadline", attemptID), ctx.Err())
		case <-ticker.C:
		}
	}
}

// CurrentAttempt returns a copy of the most recent attempt, or nil.
func (o *Orchestrator) CurrentAttempt() *types.PaymentAttempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.Clone()
}

// Attempt returns a copy of the attempt with the given id.
func (o *Orchestrator) Attempt(attemptID string) (*types.PaymentAttempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a, ok := o.attempts[attemptID]
	if !ok {
		return nil, &types.StoreError{
			Code:    types.ErrNotFound,
			Message: fmt.Sprintf("payment attempt %q not found", attemptID),
		}
	}
	return a.Clone(), nil
}

func (o *Orchestrator) fail(attemptID, code string, cause error) *types.PaymentAttempt {
	updated, _ := o.advance(attemptID, types.StatusFailed, func(a *types.PaymentAttempt) {
		a.FailureCode = code
		if cause != nil {
			a.FailureReason = cause.Error()
		}
	})
	return updated
}

// advance moves an attempt to next if the lifecycle allows it and returns a
// copy of the attempt afterwards. Disallowed moves leave it unchanged.
func (o *Orchestrator) advance(attemptID string, next types.PaymentStatus, mutate func(*types.PaymentAttempt)) (*types.PaymentAttempt, bool) {
	o.mu.Lock()
	attempt := o.attempts[attemptID]
	prev := attempt.Status
	if !prev.CanAdvanceTo(next) {
		out := attempt.Clone()
		o.mu.Unlock()
		return out, false
	}

	attempt.Status = next
	attempt.UpdatedAt = o.now()
	if mutate != nil {
		mutate(attempt)
	}
	out := attempt.Clone()
	o.mu.Unlock()

	o.notify(prev, out)
	return out, true
}

func (o *Orchestrator) notify(prev types.PaymentStatus, attempt *types.PaymentAttempt) {
	fields := map[string]any{
		"attempt_id": attempt.ID,
		"method":     attempt.Method.String(),
		"amount":     attempt.Amount.String(),
		"from":       prev.String(),
		"status":     attempt.Status.String(),
	}
	if attempt.TxReference != "" {
		fields["reference"] = attempt.TxReference
	}

	if attempt.Status == types.StatusFailed {
		fields["code"] = attempt.FailureCode
		fields["reason"] = attempt.FailureReason
		o.logger.Warn("payment attempt failed", fields)
	} else {
		o.logger.Info("payment attempt transition", fields)
	}

	o.metrics.IncCounter("attempt_transition", map[string]string{
		"method": attempt.Method.String(),
		"status": attempt.Status.String(),
	})

	if o.observer != nil {
		o.observer(prev, attempt.Clone())
	}
}
