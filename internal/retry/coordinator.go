// Package retry wraps the executor with backoff retries and the shared
// token refresh gate.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/backoffice-sync/internal/auth"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/apierr"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/config"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/executor"
	"github.com/mohammed-shakir/backoffice-sync/internal/core/observability"
	"github.com/mohammed-shakir/backoffice-sync/internal/logger"
	"github.com/mohammed-shakir/backoffice-sync/internal/notify"
)

const refreshKey = "refresh"

type Options struct {
	Executor executor.Interface
	Auth     auth.Source
	Policy   config.RetryPolicy
	Notify   notify.Bridge
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

type Coordinator struct {
	exec   executor.Interface
	auth   auth.Source
	policy config.RetryPolicy
	notify notify.Bridge
	clock  clockwork.Clock
	logger *slog.Logger

	gate singleflight.Group
}

var _ executor.Interface = (*Coordinator)(nil)

func New(opts Options) (*Coordinator, error) {
	if opts.Executor == nil {
		return nil, errors.New("retry: executor is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	if opts.Notify == nil {
		opts.Notify = notify.Nop
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		exec:   opts.Executor,
		auth:   opts.Auth,
		policy: opts.Policy,
		notify: opts.Notify,
		clock:  opts.Clock,
		logger: opts.Logger,
	}, nil
}

// Execute makes the coordinator usable wherever a plain executor is.
func (c *Coordinator) Execute(ctx context.Context, req executor.Request) (*executor.Response, error) {
	return c.Run(ctx, req)
}

// Run executes req, retrying transient failures with exponential backoff and
// refreshing the session on 401. Terminal failures are forwarded to the
// notification bridge unless the request opted out.
func (c *Coordinator) Run(ctx context.Context, req executor.Request) (*executor.Response, error) {
	if logger.RequestID(ctx) == "" {
		ctx = logger.WithRequestID(ctx, "")
	}
	resp, err := c.run(ctx, req)
	if err != nil {
		c.report(ctx, req, err)
	}
	return resp, err
}

func (c *Coordinator) run(ctx context.Context, req executor.Request) (*executor.Response, error) {
	authed := !req.SkipAuth && c.auth != nil
	if authed {
		s, ok := c.auth.Current()
		if !ok {
			return nil, &apierr.SessionExpiredError{Err: auth.ErrNoSession}
		}
		if c.policy.RefreshSkew > 0 && s.ExpiresWithin(c.clock.Now(), c.policy.RefreshSkew) {
			if err := c.refresh(ctx, s.AccessToken); err != nil {
				return nil, err
			}
		}
	}

	authRetries := 0
	attempt := 0
	for {
		used := c.token()
		resp, err := c.exec.Execute(ctx, req)
		if err == nil {
			return resp, nil
		}

		if authed && apierr.IsUnauthorized(err) {
			if authRetries >= c.policy.MaxAuthRetries {
				c.logger.WarnContext(ctx, "unauthorized after refresh, clearing session",
					"path", req.Path, "auth_retries", authRetries)
				c.auth.Clear()
				return resp, &apierr.SessionExpiredError{Err: err}
			}
			authRetries++
			if rerr := c.refresh(ctx, used); rerr != nil {
				return resp, rerr
			}
			observability.IncRetry("unauthorized")
			continue
		}

		if !apierr.Retryable(err) || attempt+1 >= c.policy.MaxAttempts {
			return resp, err
		}
		delay := Backoff(c.policy, attempt)
		class := string(apierr.Classify(err))
		observability.IncRetry(class)
		c.logger.DebugContext(ctx, "retrying request",
			"path", req.Path, "attempt", attempt+1, "class", class, "delay", delay, "err", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			return resp, serr
		}
		attempt++
	}
}

func (c *Coordinator) token() string {
	if c.auth == nil {
		return ""
	}
	s, _ := c.auth.Current()
	return s.AccessToken
}

// refresh goes through the shared gate. stale is the access token the
// caller saw fail; if the session already moved past it, nothing is done.
func (c *Coordinator) refresh(ctx context.Context, stale string) error {
	if cur, ok := c.auth.Current(); ok && cur.AccessToken != stale {
		return nil
	}
	ch := c.gate.DoChan(refreshKey, func() (any, error) {
		if cur, ok := c.auth.Current(); ok && cur.AccessToken != stale {
			return cur, nil
		}
		s, err := c.auth.Refresh(context.WithoutCancel(ctx))
		if err != nil {
			observability.IncTokenRefresh("failure")
			c.logger.WarnContext(ctx, "token refresh failed, clearing session", "err", err)
			c.auth.Clear()
			return nil, &apierr.SessionExpiredError{Err: err}
		}
		observability.IncTokenRefresh("success")
		return s, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-ch:
		return r.Err
	}
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := c.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}

func (c *Coordinator) report(ctx context.Context, req executor.Request, err error) {
	if req.SkipErrorNotification {
		return
	}
	switch apierr.Classify(err) {
	case apierr.ClassValidation, apierr.ClassCanceled:
		return
	}
	c.notify.Notify(ctx, notify.FromError(err, logger.RequestID(ctx), req.Path))
}

// Backoff returns BaseDelay*2^attempt capped at MaxDelay.
func Backoff(p config.RetryPolicy, attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay || d <= 0 {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
