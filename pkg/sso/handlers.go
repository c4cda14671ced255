package sso

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/idfed/idfed/pkg/httputil"
	"github.com/idfed/idfed/pkg/observability"
)

const (
	sessionCookieName = "idfed_session"
	returnURLParam    = "return_url"
)

// Handlers exposes the SSO flows over HTTP.
type Handlers struct {
	service *Service
	logger  *observability.Logger

	// SecureCookies should be disabled only in local development.
	SecureCookies bool
}

// NewHandlers creates the HTTP handler set on top of the service.
func NewHandlers(service *Service, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Handlers{service: service, logger: logger, SecureCookies: true}
}

// RegisterRoutes registers SSO routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/sso/tenants/{tenant}/providers", h.listProviders).Methods("GET")

	router.HandleFunc("/auth/sso/{provider}/login", h.initiateLogin).Methods("GET")
	router.HandleFunc("/auth/sso/{provider}/callback", h.handleCallback).Methods("GET", "POST")
	router.HandleFunc("/auth/sso/{provider}/logout", h.initiateLogout).Methods("GET", "POST")
	router.HandleFunc("/auth/sso/session", h.getSession).Methods("GET")

	router.HandleFunc("/sso/metadata/{provider}", h.getSAMLMetadata).Methods("GET")
}

// listProviders handles GET /sso/tenants/{tenant}/providers. Output is the
// secret-free public config for login page rendering.
func (h *Handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	configs := h.service.GetPublicConfig(tenantID)
	if configs == nil {
		configs = []map[string]interface{}{}
	}
	httputil.WriteSuccess(w, map[string]interface{}{"providers": configs})
}

// initiateLogin handles GET /auth/sso/{provider}/login.
func (h *Handlers) initiateLogin(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]

	opts := AuthURLOptions{
		ReturnURL: r.URL.Query().Get(returnURLParam),
		LoginHint: r.URL.Query().Get("login_hint"),
	}
	authURL, err := h.service.GenerateAuthURL(r.Context(), providerID, opts)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback handles the IdP redirect or POST back to us.
func (h *Handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]

	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			httputil.WriteValidationError(w, "malformed form body")
			return
		}
	}

	req := CallbackRequest{
		Code:         r.FormValue("code"),
		State:        r.FormValue("state"),
		SAMLResponse: r.FormValue("SAMLResponse"),
		RelayState:   r.FormValue("RelayState"),
	}
	if errParam := r.FormValue("error"); errParam != "" {
		// IdP-reported authorization error, e.g. access_denied.
		msg := errParam
		if desc := r.FormValue("error_description"); desc != "" {
			msg = msg + ": " + desc
		}
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, msg)
		return
	}

	result := h.service.ProcessCallback(r.Context(), providerID, req)
	if !result.Success {
		h.logger.FromContext(r.Context()).
			WithField("provider_id", providerID).
			WithField("error", result.Error).
			Warn("sso callback rejected")
		status := http.StatusUnauthorized
		if result.Error == ErrProviderNotFound.Error() {
			status = http.StatusNotFound
		}
		httputil.WriteErrorMessage(w, status, result.Error)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    result.SessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(h.service.sessionTTL),
	})

	if result.ReturnURL != "" && isLocalRedirect(result.ReturnURL) {
		http.Redirect(w, r, result.ReturnURL, http.StatusFound)
		return
	}
	httputil.WriteSuccess(w, result)
}

// initiateLogout handles GET/POST /auth/sso/{provider}/logout.
func (h *Handlers) initiateLogout(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]

	session := h.sessionFromRequest(r)
	if session != nil {
		if _, err := h.service.ProcessLogout(r.Context(), session.UserID, session.TenantID); err != nil {
			h.logger.WithError(err).Warn("failed to delete user sessions on logout")
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.SecureCookies,
		MaxAge:   -1,
	})

	result := h.service.GenerateLogoutURL(r.Context(), providerID, LogoutOptions{
		PostLogoutRedirectURI: r.FormValue(returnURLParam),
	})
	if result.Success && result.URL != "" {
		http.Redirect(w, r, result.URL, http.StatusFound)
		return
	}
	// Local logout still succeeded; IdP logout is best effort.
	httputil.WriteSuccess(w, map[string]interface{}{"logged_out": true, "idp_logout": result})
}

// getSession handles GET /auth/sso/session.
func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	session := h.sessionFromRequest(r)
	if session == nil {
		httputil.WriteErrorMessage(w, http.StatusUnauthorized, "no active session")
		return
	}
	httputil.WriteSuccess(w, session)
}

// getSAMLMetadata handles GET /sso/metadata/{provider}.
func (h *Handlers) getSAMLMetadata(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]

	metadata, err := h.service.GenerateSAMLMetadata(providerID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(metadata)
}

func (h *Handlers) sessionFromRequest(r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	session, err := h.service.GetSession(r.Context(), cookie.Value)
	if err != nil {
		h.logger.WithError(err).Warn("session lookup failed")
		return nil
	}
	return session
}

func (h *Handlers) writeLookupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrProviderNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, ErrProviderDisabled):
		httputil.WriteErrorMessage(w, http.StatusForbidden, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}

// isLocalRedirect rejects absolute URLs so the callback cannot be abused as
// an open redirect.
func isLocalRedirect(target string) bool {
	return len(target) > 0 && target[0] == '/' && (len(target) == 1 || target[1] != '/')
}
