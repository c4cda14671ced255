package sso

import (
	"context"
	"time"
)

// Audit event names fired by the service and providers.
const (
	AuditProviderConfigured   = "sso_provider_configured"
	AuditProviderUnregistered = "sso_provider_unregistered"
	AuditLoginInitiated       = "sso_login_initiated"
	AuditLoginSucceeded       = "sso_login_succeeded"
	AuditLoginFailed          = "sso_login_failed"
	AuditLogout               = "sso_logout"
)

// AuthEvent describes a completed authentication attempt.
type AuthEvent struct {
	ProviderID   string
	ProviderType ProviderType
	TenantID     string
	UserID       string
	Subject      string
	Error        string
	At           time.Time
}

// AuditEvent is a generic audit record.
type AuditEvent struct {
	Name         string
	ProviderID   string
	ProviderType ProviderType
	TenantID     string
	Detail       map[string]string
	At           time.Time
}

// EventHandlers are optional callbacks the host application installs to
// observe SSO activity. Nil handlers are skipped.
type EventHandlers struct {
	OnAuthSuccess func(ctx context.Context, ev *AuthEvent)
	OnAuthFailure func(ctx context.Context, ev *AuthEvent)
	OnAudit       func(ctx context.Context, ev *AuditEvent)
}

func (h *EventHandlers) authSuccess(ctx context.Context, ev *AuthEvent) {
	if h != nil && h.OnAuthSuccess != nil {
		ev.At = time.Now()
		h.OnAuthSuccess(ctx, ev)
	}
}

func (h *EventHandlers) authFailure(ctx context.Context, ev *AuthEvent) {
	if h != nil && h.OnAuthFailure != nil {
		ev.At = time.Now()
		h.OnAuthFailure(ctx, ev)
	}
}

func (h *EventHandlers) audit(ctx context.Context, ev *AuditEvent) {
	if h != nil && h.OnAudit != nil {
		ev.At = time.Now()
		h.OnAudit(ctx, ev)
	}
}
