// Package engine drives a notification from an audience selector to per-recipient
// gateway sends and collects a tagged outcome for every recipient.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-circle-notifier/internal/metrics"
	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

const (
	defaultMaxConcurrency = 16
	defaultSendTimeout    = 10 * time.Second

	// MaxMulticastTokens is the FCM limit for one multicast call.
	MaxMulticastTokens = 500
)

// TokenResolver resolves a recipient to a delivery token.
type TokenResolver interface {
	Resolve(ctx context.Context, r dispatch.Recipient) (string, bool, error)
}

// Enricher adds recipient context to a payload. It must not fail.
type Enricher interface {
	Enrich(ctx context.Context, recipientID string, base dispatch.Payload) dispatch.Payload
}

// Config tunes fan-out concurrency and gateway pacing.
type Config struct {
	// MaxConcurrency bounds the number of recipients worked on at once.
	MaxConcurrency int
	// SendTimeout bounds every gateway call.
	SendTimeout time.Duration
	// RatePerSecond paces gateway calls. Zero disables pacing.
	RatePerSecond float64
	Burst         int
	// Multicast batches identical payloads into multicast calls when the gateway
	// supports it.
	Multicast bool
}

// Engine fans a payload out to every selected member of a circle.
type Engine struct {
	cfg       Config
	directory dispatch.Directory
	tokens    TokenResolver
	enricher  Enricher
	gateway   dispatch.Gateway
	limiter   *rate.Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger
	newID     func() string
}

// New assembles the engine. enricher and m may be nil.
func New(
	cfg Config,
	directory dispatch.Directory,
	tokens TokenResolver,
	enricher Enricher,
	gateway dispatch.Gateway,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Engine{
		cfg:       cfg,
		directory: directory,
		tokens:    tokens,
		enricher:  enricher,
		gateway:   gateway,
		limiter:   limiter,
		metrics:   m,
		logger:    logger.With("component", "DispatchEngine"),
		newID:     uuid.NewString,
	}
}

// DispatchToOne sends title/body to a single recipient. A missing recipient or
// token is ErrNotFound and nothing is sent; a gateway failure is ErrDelivery.
func (e *Engine) DispatchToOne(ctx context.Context, recipientID, title, body string) (dispatch.Result, error) {
	if recipientID == "" || title == "" || body == "" {
		return dispatch.Result{}, fmt.Errorf("%w: recipient id, title and body are required", dispatch.ErrValidation)
	}
	log := e.logger.With("recipient_id", recipientID, "mode", "direct")

	r, err := e.directory.FindByID(ctx, recipientID)
	if err != nil {
		return dispatch.Result{}, classifyStoreError(err)
	}

	token, found, err := e.tokens.Resolve(ctx, r)
	if err != nil {
		return dispatch.Result{}, classifyStoreError(err)
	}
	if !found {
		return dispatch.Result{}, fmt.Errorf("%w: FCM token not found for user %s", dispatch.ErrNotFound, recipientID)
	}

	res := e.deliver(ctx, r.ID, token, dispatch.Payload{Title: title, Body: body})
	e.metrics.RecordResult("direct", res)
	if res.Outcome == dispatch.OutcomeFailed {
		log.Error("Direct send failed", "err", res.Err)
		return res, res.Err
	}
	log.Info("Sent message", "receipt", res.Receipt)
	return res, nil
}

// DispatchToGroup resolves sel to an audience and attempts every member
// concurrently. Per-recipient problems are recorded in the batch; only input
// validation and audience resolution fail the call.
func (e *Engine) DispatchToGroup(ctx context.Context, sel dispatch.Selector, title, body string) (*dispatch.Batch, error) {
	if title == "" || body == "" {
		return nil, fmt.Errorf("%w: title and body are required", dispatch.ErrValidation)
	}
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	mode := sel.Mode()
	audience, err := e.resolveAudience(ctx, sel)
	if err != nil {
		return nil, err
	}

	batch := &dispatch.Batch{ID: e.newID(), Results: make([]dispatch.Result, len(audience))}
	log := e.logger.With("batch_id", batch.ID, "mode", mode)
	e.metrics.RecordBatch(mode, len(audience) == 0)
	if len(audience) == 0 {
		log.Info("Selector resolved to no recipients")
		return batch, nil
	}

	base := dispatch.Payload{Title: title, Body: body}
	mc, canMulticast := e.gateway.(dispatch.MulticastGateway)
	useMulticast := canMulticast && e.cfg.Multicast && !sel.IncludeLocation

	pending := make([]*delivery, len(audience))
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, r := range audience {
		g.Go(func() error {
			d, res := e.prepare(ctx, sel, r, base)
			if d == nil {
				batch.Results[i] = res
				return nil
			}
			if useMulticast {
				pending[i] = d
				return nil
			}
			batch.Results[i] = e.deliver(ctx, r.ID, d.token, d.payload)
			return nil
		})
	}
	_ = g.Wait()

	if useMulticast {
		e.deliverMulticast(ctx, mc, base, audience, pending, batch.Results)
	}

	for _, res := range batch.Results {
		e.metrics.RecordResult(mode, res)
		if res.Outcome == dispatch.OutcomeFailed {
			log.Warn("Recipient delivery failed", "recipient_id", res.RecipientID, "err", res.Err)
		}
	}
	c := batch.Counts()
	log.Info("Group dispatch complete",
		"recipients", len(audience), "sent", c.Sent, "skipped", c.Skipped, "failed", c.Failed)
	return batch, nil
}

func (e *Engine) resolveAudience(ctx context.Context, sel dispatch.Selector) ([]dispatch.Recipient, error) {
	code := sel.GroupCode
	if sel.AdminID != "" {
		admin, err := e.directory.FindByID(ctx, sel.AdminID)
		if err != nil {
			if errors.Is(err, dispatch.ErrNotFound) {
				return nil, fmt.Errorf("%w: admin %s", dispatch.ErrNotFound, sel.AdminID)
			}
			return nil, classifyStoreError(err)
		}
		if admin.GroupCode == "" {
			return nil, fmt.Errorf("%w: admin %s has not joined a circle", dispatch.ErrNotFound, sel.AdminID)
		}
		code = admin.GroupCode
	}

	var (
		audience []dispatch.Recipient
		err      error
	)
	switch {
	case code != "" && sel.Role != "" && sel.StrictRole:
		audience, err = e.directory.FindByGroupCodeAndRole(ctx, code, sel.Role)
	case code != "":
		audience, err = e.directory.FindByGroupCode(ctx, code)
	default:
		audience, err = e.directory.FindByRole(ctx, sel.Role)
	}
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return audience, nil
}

type delivery struct {
	token   string
	payload dispatch.Payload
}

// prepare applies the selector filters and resolves the token. It returns either
// a delivery to attempt or the final result for the recipient.
func (e *Engine) prepare(ctx context.Context, sel dispatch.Selector, r dispatch.Recipient, base dispatch.Payload) (*delivery, dispatch.Result) {
	if sel.ExcludeID != "" && r.ID == sel.ExcludeID {
		return nil, dispatch.Skipped(r.ID, dispatch.SkipExcludedSender)
	}
	if sel.Role != "" && r.Role != sel.Role {
		return nil, dispatch.Skipped(r.ID, dispatch.SkipRoleMismatch)
	}

	token, found, err := e.tokens.Resolve(ctx, r)
	if err != nil {
		return nil, dispatch.Failed(r.ID, classifyStoreError(err))
	}
	if !found {
		return nil, dispatch.Skipped(r.ID, dispatch.SkipNoToken)
	}

	payload := base
	if sel.IncludeLocation && e.enricher != nil {
		payload = e.enricher.Enrich(ctx, r.ID, base)
	}
	return &delivery{token: token, payload: payload}, dispatch.Result{}
}

func (e *Engine) deliver(ctx context.Context, recipientID, token string, payload dispatch.Payload) dispatch.Result {
	if err := e.wait(ctx); err != nil {
		return dispatch.Failed(recipientID, fmt.Errorf("%w: %w", dispatch.ErrDelivery, err))
	}

	start := time.Now()
	receipt, err := callWithTimeout(ctx, e.cfg.SendTimeout, func(ctx context.Context) (string, error) {
		return e.gateway.Send(ctx, token, payload)
	})
	e.metrics.ObserveGateway("send", time.Since(start))
	if err != nil {
		return dispatch.Failed(recipientID, err)
	}
	return dispatch.Sent(recipientID, receipt)
}

// deliverMulticast sends the shared payload to every pending token in chunks and
// maps the index-aligned responses back onto results.
func (e *Engine) deliverMulticast(
	ctx context.Context,
	gw dispatch.MulticastGateway,
	payload dispatch.Payload,
	audience []dispatch.Recipient,
	pending []*delivery,
	results []dispatch.Result,
) {
	idx := make([]int, 0, len(pending))
	for i, d := range pending {
		if d != nil {
			idx = append(idx, i)
		}
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrency)
	for start := 0; start < len(idx); start += MaxMulticastTokens {
		chunk := idx[start:min(start+MaxMulticastTokens, len(idx))]
		g.Go(func() error {
			tokens := make([]string, len(chunk))
			for j, i := range chunk {
				tokens[j] = pending[i].token
			}

			if err := e.wait(ctx); err != nil {
				for _, i := range chunk {
					results[i] = dispatch.Failed(audience[i].ID, fmt.Errorf("%w: %w", dispatch.ErrDelivery, err))
				}
				return nil
			}

			began := time.Now()
			sent, err := callWithTimeout(ctx, e.cfg.SendTimeout, func(ctx context.Context) ([]dispatch.SendResult, error) {
				return gw.SendMulticast(ctx, tokens, payload)
			})
			e.metrics.ObserveGateway("multicast", time.Since(began))

			for j, i := range chunk {
				id := audience[i].ID
				switch {
				case err != nil:
					results[i] = dispatch.Failed(id, err)
				case j >= len(sent):
					results[i] = dispatch.Failed(id, fmt.Errorf("%w: no response for token", dispatch.ErrDelivery))
				case sent[j].Err != nil:
					results[i] = dispatch.Failed(id, fmt.Errorf("%w: %w", dispatch.ErrDelivery, sent[j].Err))
				default:
					results[i] = dispatch.Sent(id, sent[j].Receipt)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

// callWithTimeout runs fn under a deadline and returns as soon as the deadline
// passes, even if fn ignores its context. Errors are wrapped as ErrDelivery, and
// deadline expiry additionally as ErrTimeout.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(callCtx)
		done <- outcome{val: v, err: err}
	}()

	var zero T
	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return zero, fmt.Errorf("%w: %w: %w", dispatch.ErrDelivery, dispatch.ErrTimeout, out.err)
			}
			return zero, fmt.Errorf("%w: %w", dispatch.ErrDelivery, out.err)
		}
		return out.val, nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w: %w: gateway did not answer within %s", dispatch.ErrDelivery, dispatch.ErrTimeout, timeout)
		}
		return zero, fmt.Errorf("%w: %w", dispatch.ErrDelivery, callCtx.Err())
	}
}

// classifyStoreError keeps taxonomy errors as they are and treats anything else
// from a store as a dependency failure.
func classifyStoreError(err error) error {
	if errors.Is(err, dispatch.ErrNotFound) || errors.Is(err, dispatch.ErrDependency) {
		return err
	}
	return fmt.Errorf("%w: %w", dispatch.ErrDependency, err)
}
