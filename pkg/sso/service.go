package sso

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/idfed/idfed/pkg/observability"
)

// ServiceConfig tunes the Service. Zero values get working defaults.
type ServiceConfig struct {
	SessionTTL time.Duration
}

// Service is the tenant-aware provider registry and session orchestrator.
// All provider lookups go through it; handlers and hosts never touch
// providers directly.
type Service struct {
	mu        sync.RWMutex
	providers map[string]IdentityProvider

	sessions   SessionStore
	states     FlowStateStore
	deps       ProviderDeps
	sessionTTL time.Duration

	events      *EventHandlers
	provisioner UserProvisioner
	logger      *observability.Logger
	metrics     *observability.Metrics
}

// NewService creates a Service. Nil collaborators in deps get in-process
// defaults; pass a shared FlowStateStore and SessionStore for multi-instance
// deployments.
func NewService(cfg ServiceConfig, sessions SessionStore, deps ProviderDeps) *Service {
	if sessions == nil {
		sessions = NewMemorySessionStore()
	}
	if deps.States == nil {
		deps.States = NewMemoryFlowStateStore()
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
		deps.Logger = logger
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &Service{
		providers:   make(map[string]IdentityProvider),
		sessions:    sessions,
		states:      deps.States,
		deps:        deps,
		sessionTTL:  ttl,
		events:      deps.Events,
		provisioner: deps.Provisioner,
		logger:      logger,
		metrics:     deps.Metrics,
	}
}

// SetEventHandlers installs event callbacks used for providers registered
// from now on.
func (s *Service) SetEventHandlers(handlers *EventHandlers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = handlers
	s.deps.Events = handlers
}

// SetUserProvisioner installs the global provisioning callback on the
// service and on every registered provider that has none of its own.
func (s *Service) SetUserProvisioner(p UserProvisioner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisioner = p
	s.deps.Provisioner = p
	for _, provider := range s.providers {
		if !provider.HasUserProvisioner() {
			provider.SetUserProvisioner(p)
		}
	}
}

// RegisterProvider validates the config, constructs the provider, and adds
// it to the registry. Re-registering an ID replaces the provider.
func (s *Service) RegisterProvider(ctx context.Context, config ProviderConfig) (IdentityProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deps := s.deps
	deps.Events = s.events
	if deps.Provisioner == nil {
		deps.Provisioner = s.provisioner
	}

	provider, err := NewProvider(config, deps)
	if err != nil {
		return nil, err
	}

	s.providers[config.ID] = provider
	if s.metrics != nil {
		s.metrics.ProvidersRegistered.WithLabelValues(string(config.Type)).Inc()
	}
	s.logger.WithFields(map[string]interface{}{
		"provider_id": config.ID,
		"type":        string(config.Type),
		"tenant_id":   config.TenantID,
	}).Info("sso provider registered")
	s.events.audit(ctx, &AuditEvent{
		Name:         AuditProviderConfigured,
		ProviderID:   config.ID,
		ProviderType: config.Type,
		TenantID:     config.TenantID,
	})
	return provider, nil
}

// UnregisterProvider removes a provider from the registry. Unknown IDs are
// a no-op.
func (s *Service) UnregisterProvider(ctx context.Context, providerID string) {
	s.mu.Lock()
	provider, ok := s.providers[providerID]
	if ok {
		delete(s.providers, providerID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if s.metrics != nil {
		s.metrics.ProvidersRegistered.WithLabelValues(string(provider.Type())).Dec()
	}
	s.events.audit(ctx, &AuditEvent{
		Name:         AuditProviderUnregistered,
		ProviderID:   providerID,
		ProviderType: provider.Type(),
		TenantID:     provider.TenantID(),
	})
}

// GetProvider returns the registered provider, enabled or not.
func (s *Service) GetProvider(providerID string) (IdentityProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	provider, ok := s.providers[providerID]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}

// GetProvidersForTenant lists the registered providers of one tenant.
func (s *Service) GetProvidersForTenant(tenantID string) []IdentityProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []IdentityProvider
	for _, provider := range s.providers {
		if provider.TenantID() == tenantID {
			out = append(out, provider)
		}
	}
	return out
}

// GetPublicConfig lists the secret-free configuration of every enabled
// provider of the tenant, for login page rendering.
func (s *Service) GetPublicConfig(tenantID string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, provider := range s.GetProvidersForTenant(tenantID) {
		if provider.Enabled() {
			out = append(out, provider.PublicConfig())
		}
	}
	return out
}

// activeProvider resolves a provider ID to an enabled provider.
func (s *Service) activeProvider(providerID string) (IdentityProvider, error) {
	provider, err := s.GetProvider(providerID)
	if err != nil {
		return nil, err
	}
	if !provider.Enabled() {
		return nil, ErrProviderDisabled
	}
	return provider, nil
}

// GenerateAuthURL starts an authentication flow with the given provider.
func (s *Service) GenerateAuthURL(ctx context.Context, providerID string, opts AuthURLOptions) (string, error) {
	provider, err := s.activeProvider(providerID)
	if err != nil {
		return "", err
	}
	return provider.GenerateAuthURL(ctx, opts)
}

// ProcessCallback completes an authentication flow and, on success, creates
// a session.
func (s *Service) ProcessCallback(ctx context.Context, providerID string, req CallbackRequest) *AuthResult {
	provider, err := s.activeProvider(providerID)
	if err != nil {
		return &AuthResult{Success: false, Error: err.Error()}
	}

	result := provider.ProcessCallback(ctx, req)
	if !result.Success || result.User == nil {
		return result
	}

	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		UserID:       result.User.ID,
		TenantID:     provider.TenantID(),
		ProviderID:   provider.ID(),
		ProviderType: provider.Type(),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.sessionTTL),
	}
	if err := s.sessions.Set(ctx, session); err != nil {
		// The IdP flow already succeeded; losing the session store turns
		// that into a failed login rather than an unsessioned success.
		s.logger.WithError(err).Error("failed to persist session")
		return &AuthResult{Success: false, Error: fmt.Sprintf("persisting session: %v", err)}
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
	}

	result.SessionID = session.ID
	return result
}

// GenerateLogoutURL builds the IdP logout redirect for the provider.
func (s *Service) GenerateLogoutURL(ctx context.Context, providerID string, opts LogoutOptions) *LogoutResult {
	provider, err := s.activeProvider(providerID)
	if err != nil {
		return &LogoutResult{Success: false, Error: err.Error()}
	}
	result := provider.GenerateLogoutURL(ctx, opts)
	if result.Success && s.metrics != nil {
		s.metrics.LogoutsTotal.WithLabelValues(provider.ID(), string(provider.Type())).Inc()
	}
	return result
}

// GenerateSAMLMetadata renders SP metadata for a SAML provider.
func (s *Service) GenerateSAMLMetadata(providerID string) ([]byte, error) {
	provider, err := s.GetProvider(providerID)
	if err != nil {
		return nil, err
	}
	mp, ok := provider.(MetadataProvider)
	if !ok {
		return nil, fmt.Errorf("provider %s does not publish metadata", providerID)
	}
	return mp.GenerateMetadata()
}

// GetSession fetches a session by ID. Unknown or expired sessions return
// (nil, nil).
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.sessions.Get(ctx, sessionID)
}

// GetUserSessions lists the user's active sessions within the tenant.
func (s *Service) GetUserSessions(ctx context.Context, userID, tenantID string) ([]*Session, error) {
	return s.sessions.FindByUserID(ctx, userID, tenantID)
}

// DeleteSession removes one session.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Dec()
	}
	return nil
}

// ProcessLogout terminates every session of the user within the tenant and
// reports how many were removed.
func (s *Service) ProcessLogout(ctx context.Context, userID, tenantID string) (int, error) {
	removed, err := s.sessions.DeleteByUserID(ctx, userID, tenantID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if s.metrics != nil {
			s.metrics.SessionsActive.Sub(float64(removed))
		}
		s.events.audit(ctx, &AuditEvent{
			Name:     AuditLogout,
			TenantID: tenantID,
			Detail:   map[string]string{"user_id": userID, "sessions_removed": fmt.Sprintf("%d", removed)},
		})
	}
	return removed, nil
}

// CleanupExpired drops expired flow states and sessions. Run it
// periodically.
func (s *Service) CleanupExpired(ctx context.Context) (states, sessions int, err error) {
	states = s.states.CleanupExpired()
	sessions, err = s.sessions.CleanupExpired(ctx)
	if s.metrics != nil {
		if states > 0 {
			s.metrics.FlowStatesExpired.Add(float64(states))
		}
		if sessions > 0 {
			s.metrics.SessionsExpired.Add(float64(sessions))
			s.metrics.SessionsActive.Sub(float64(sessions))
		}
		s.metrics.FlowStatesActive.Set(float64(s.states.Len()))
	}
	return states, sessions, err
}
