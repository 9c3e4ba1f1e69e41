package federation

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openmeet/federation/pkg/observability"
	"github.com/openmeet/federation/pkg/principal"
	"github.com/openmeet/federation/pkg/roles"
	"github.com/openmeet/federation/pkg/session"
)

// Session value keys written by the gateway when a login completes.
const (
	SessionKeyAccountID      = "account_id"
	SessionKeyAuthenticator  = "authenticator"
	SessionKeyCorrelationKey = "correlation_key"
)

// AuthenticatedSession is the result of a completed login.
type AuthenticatedSession struct {
	SessionID string
	AccountID string
	Roles     []string
	Principal *principal.Principal
	Created   bool
}

// GatewayConfig wires the gateway's collaborators.
type GatewayConfig struct {
	Adapters     []IdentityAdapter
	Accounts     principal.Store
	Sessions     session.Store
	Correlations session.CorrelationStore
	Rules        *roles.Store

	// Resolve holds the per-protocol account resolution settings. A
	// protocol absent from the map uses DefaultResolve.
	Resolve        map[Protocol]principal.ResolveConfig
	DefaultResolve principal.ResolveConfig

	Metrics *observability.Metrics
	Logger  *observability.Logger

	// LogSuccessfulLogins and LogFailedLogins toggle the per-login
	// audit lines. Metrics are recorded regardless.
	LogSuccessfulLogins bool
	LogFailedLogins     bool
}

// Gateway is the federation façade: it drives one identity adapter per
// login, resolves the account, derives roles, reconciles them and
// correlates the resulting local session with the external one.
type Gateway struct {
	adapters       map[Protocol]IdentityAdapter
	accounts       principal.Store
	sessions       session.Store
	correlations   session.CorrelationStore
	engine         *roles.Engine
	rules          *roles.Store
	resolve        map[Protocol]principal.ResolveConfig
	defaultResolve principal.ResolveConfig
	metrics        *observability.Metrics
	logger         *observability.Logger
	logSuccess     bool
	logFailure     bool
}

// NewGateway creates a gateway from the given configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	adapters := make(map[Protocol]IdentityAdapter, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		adapters[a.Protocol()] = a
	}
	resolve := cfg.Resolve
	if resolve == nil {
		resolve = make(map[Protocol]principal.ResolveConfig)
	}
	return &Gateway{
		adapters:       adapters,
		accounts:       cfg.Accounts,
		sessions:       cfg.Sessions,
		correlations:   cfg.Correlations,
		engine:         roles.NewEngine(),
		rules:          cfg.Rules,
		resolve:        resolve,
		defaultResolve: cfg.DefaultResolve,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		logSuccess:     cfg.LogSuccessfulLogins,
		logFailure:     cfg.LogFailedLogins,
	}
}

// RegisterAdapter adds an adapter after construction. Adapters that
// need the gateway's Resolver are built after the gateway and
// registered here.
func (g *Gateway) RegisterAdapter(a IdentityAdapter) {
	g.adapters[a.Protocol()] = a
}

// ResolveConfigFor returns the account resolution settings for the
// protocol.
func (g *Gateway) ResolveConfigFor(protocol Protocol) principal.ResolveConfig {
	if cfg, ok := g.resolve[protocol]; ok {
		return cfg
	}
	return g.defaultResolve
}

// Resolver returns an AccountResolver bound to the gateway's account
// store, for adapters that resolve the account inside their own flow.
func (g *Gateway) Resolver() AccountResolver {
	return func(ctx context.Context, p *principal.Principal, protocol Protocol) error {
		_, _, err := principal.Resolve(ctx, g.accounts, p, string(protocol), g.ResolveConfigFor(protocol))
		return err
	}
}

// Authenticate runs the full login flow for the protocol. Account and
// role mutations happen only after the adapter accepted the login
// material.
func (g *Gateway) Authenticate(ctx context.Context, protocol Protocol, req Request) (*AuthenticatedSession, error) {
	adapter, ok := g.adapters[protocol]
	if !ok {
		return nil, ConfigError("no adapter registered for protocol %q", protocol)
	}

	identity, err := adapter.Authenticate(ctx, req)
	if err != nil {
		g.loginFailed(ctx, protocol, err)
		return nil, err
	}
	p := identity.Principal

	var (
		created bool
		roleSet map[string]struct{}
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if p.AccountID != "" {
			return nil
		}
		_, wasCreated, resolveErr := principal.Resolve(egCtx, g.accounts, p, string(protocol), g.ResolveConfigFor(protocol))
		created = wasCreated
		return resolveErr
	})
	eg.Go(func() error {
		roleSet = g.engine.Evaluate(p.Attributes, g.rules.Rules())
		return nil
	})
	if err := eg.Wait(); err != nil {
		g.loginFailed(ctx, protocol, err)
		return nil, err
	}

	desired := make([]string, 0, len(roleSet))
	for role := range roleSet {
		desired = append(desired, role)
	}
	sort.Strings(desired)

	if err := g.accounts.SyncRoles(ctx, p.AccountID, desired); err != nil {
		g.loginFailed(ctx, protocol, err)
		return nil, fmt.Errorf("failed to sync roles: %w", err)
	}

	sessionID := uuid.NewString()
	if err := g.sessions.Put(ctx, sessionID, SessionKeyAccountID, p.AccountID); err != nil {
		g.loginFailed(ctx, protocol, err)
		return nil, fmt.Errorf("failed to establish session: %w", err)
	}
	if err := g.sessions.Put(ctx, sessionID, SessionKeyAuthenticator, string(protocol)); err != nil {
		g.loginFailed(ctx, protocol, err)
		return nil, fmt.Errorf("failed to establish session: %w", err)
	}
	if identity.CorrelationKey != "" {
		if err := g.sessions.Put(ctx, sessionID, SessionKeyCorrelationKey, identity.CorrelationKey); err != nil {
			g.loginFailed(ctx, protocol, err)
			return nil, fmt.Errorf("failed to establish session: %w", err)
		}
		if err := g.correlations.Upsert(ctx, identity.CorrelationKey, sessionID); err != nil {
			g.loginFailed(ctx, protocol, err)
			return nil, fmt.Errorf("failed to correlate session: %w", err)
		}
	}

	if g.metrics != nil {
		g.metrics.LoginsTotal.WithLabelValues(string(protocol)).Inc()
	}
	if g.logSuccess {
		g.log(ctx).WithFields(map[string]interface{}{
			"protocol":   string(protocol),
			"account_id": p.AccountID,
			"created":    created,
			"roles":      len(desired),
		}).Info("external login completed")
	}

	return &AuthenticatedSession{
		SessionID: sessionID,
		AccountID: p.AccountID,
		Roles:     desired,
		Principal: p,
		Created:   created,
	}, nil
}

// Logout terminates a local session and removes its correlation record.
func (g *Gateway) Logout(ctx context.Context, sessionID string) error {
	if err := g.sessions.Invalidate(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	if err := g.correlations.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session correlation: %w", err)
	}
	return nil
}

// HandleBackchannelLogout validates a provider-initiated logout message
// and terminates the correlated local sessions. It returns true iff at
// least one session was terminated; on rejection nothing is mutated.
func (g *Gateway) HandleBackchannelLogout(ctx context.Context, protocol Protocol, req LogoutRequest) bool {
	adapter, ok := g.adapters[protocol]
	if !ok {
		return false
	}
	bc, ok := adapter.(BackchannelLogoutAdapter)
	if !ok {
		return false
	}

	key, err := bc.ValidateLogout(ctx, req)
	if err != nil {
		g.log(ctx).WithError(err).WithField("protocol", string(protocol)).Warn("backchannel logout rejected")
		g.countBackchannel(protocol, "rejected")
		return false
	}
	return g.TerminateByCorrelationKey(ctx, protocol, key)
}

// TerminateByCorrelationKey invalidates every local session correlated
// to the key. Returns true iff at least one session was terminated.
func (g *Gateway) TerminateByCorrelationKey(ctx context.Context, protocol Protocol, key string) bool {
	ids, err := g.correlations.FindByKey(ctx, key)
	if err != nil {
		g.log(ctx).WithError(err).Error("failed to look up session correlations")
		g.countBackchannel(protocol, "error")
		return false
	}

	terminated := 0
	for _, id := range ids {
		if err := g.sessions.Invalidate(ctx, id); err != nil {
			g.log(ctx).WithError(err).WithField("session_id", id).Warn("failed to invalidate session")
			continue
		}
		if err := g.correlations.Delete(ctx, id); err != nil {
			g.log(ctx).WithError(err).WithField("session_id", id).Warn("failed to delete session correlation")
		}
		terminated++
	}

	if terminated > 0 {
		g.countBackchannel(protocol, "terminated")
		g.log(ctx).WithFields(map[string]interface{}{
			"protocol": string(protocol),
			"sessions": terminated,
		}).Info("backchannel logout terminated sessions")
		return true
	}
	g.countBackchannel(protocol, "no_session")
	return false
}

// FrontchannelLogoutURL returns the provider logout redirect URL for
// the protocol, or false when the protocol or provider has none.
func (g *Gateway) FrontchannelLogoutURL(ctx context.Context, protocol Protocol, params LogoutParams) (string, bool) {
	adapter, ok := g.adapters[protocol]
	if !ok {
		return "", false
	}
	fc, ok := adapter.(FrontchannelLogoutAdapter)
	if !ok {
		return "", false
	}
	return fc.FrontchannelLogoutURL(ctx, params)
}

func (g *Gateway) loginFailed(ctx context.Context, protocol Protocol, err error) {
	if g.metrics != nil {
		g.metrics.LoginFailuresTotal.WithLabelValues(string(protocol), ErrorCode(err)).Inc()
	}
	if g.logFailure {
		g.log(ctx).WithError(err).WithField("protocol", string(protocol)).Warn("external login failed")
	}
}

func (g *Gateway) countBackchannel(protocol Protocol, outcome string) {
	if g.metrics != nil {
		g.metrics.BackchannelLogoutsTotal.WithLabelValues(string(protocol), outcome).Inc()
	}
}

func (g *Gateway) log(ctx context.Context) *observability.Logger {
	if g.logger != nil {
		return g.logger
	}
	return observability.FromContext(ctx)
}
