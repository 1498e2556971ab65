package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/tractionhq/traction-engine/pkg/apperrors"
	"github.com/tractionhq/traction-engine/pkg/auth"
	"github.com/tractionhq/traction-engine/pkg/config"
	"github.com/tractionhq/traction-engine/pkg/logging"
	"github.com/tractionhq/traction-engine/pkg/models"
	"github.com/tractionhq/traction-engine/pkg/repositories"
	"github.com/tractionhq/traction-engine/pkg/services"
)

// oauthSessionName is the short-lived cookie that remembers where the
// browser should land after the provider roundtrip.
const oauthSessionName = "traction_oauth"

// OAuthHandler drives the browser-facing OAuth connect/callback flow and
// the admin-facing forced token refresh.
type OAuthHandler struct {
	cfg          *config.Config
	flow         services.OAuthFlowService
	tokens       services.TokenRefreshManager
	integrations repositories.IntegrationRepository
	store        sessions.Store
	logger       *zap.Logger
}

// NewOAuthHandler creates a new OAuth handler. sessionKey signs the
// return-to cookie; it does not protect anything beyond a redirect target.
func NewOAuthHandler(
	cfg *config.Config,
	flow services.OAuthFlowService,
	tokens services.TokenRefreshManager,
	integrations repositories.IntegrationRepository,
	sessionKey string,
	logger *zap.Logger,
) *OAuthHandler {
	store := sessions.NewCookieStore([]byte(sessionKey))
	store.Options = &sessions.Options{
		Path:     "/oauth",
		MaxAge:   int(models.OAuthStateTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return &OAuthHandler{
		cfg:          cfg,
		flow:         flow,
		tokens:       tokens,
		integrations: integrations,
		store:        store,
		logger:       logger,
	}
}

// RegisterRoutes registers the OAuth routes. The callback is hit by a
// browser redirect from the provider and cannot carry a bearer token.
func (h *OAuthHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /oauth/{provider}/connect", authMiddleware.RequireAuth(h.Connect))
	mux.HandleFunc("GET /oauth/{provider}/callback", h.Callback)
	mux.HandleFunc("POST /oauth/{provider}/refresh", authMiddleware.RequireAuth(h.Refresh))
}

// Connect handles GET /oauth/{provider}/connect.
// Starts the authorization flow and redirects the browser to the provider.
func (h *OAuthHandler) Connect(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(r.PathValue("provider"))
	if !models.KnownProviders[provider] {
		h.writeError(w, http.StatusBadRequest, "unsupported_provider", "Unknown provider")
		return
	}

	orgID, profileID, err := auth.Identity(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	// Reconnecting an active integration replaces working credentials, so
	// it has to be asked for explicitly.
	if existing, err := h.integrations.GetByOrgAndProvider(r.Context(), orgID, provider); err == nil {
		if existing.Status == models.IntegrationStatusActive && r.URL.Query().Get("reconnect") != "true" {
			h.writeError(w, http.StatusForbidden, "already_connected", "Integration is already connected; pass reconnect=true to replace it")
			return
		}
	}

	redirectURI := h.cfg.BaseURL + "/oauth/" + provider + "/callback"
	authURL, err := h.flow.BeginAuthorization(r.Context(), orgID, profileID, provider, redirectURI)
	if err != nil {
		if errors.Is(err, apperrors.ErrProviderNotConfigured) {
			h.writeError(w, http.StatusBadRequest, "provider_not_configured", "Provider credentials are not configured")
			return
		}
		h.logger.Error("Failed to begin authorization",
			zap.String("provider", provider),
			zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to start authorization")
		return
	}

	// Remember where to send the browser after the callback.
	if returnTo := r.URL.Query().Get("return_to"); returnTo != "" && strings.HasPrefix(returnTo, "/") {
		session, _ := h.store.Get(r, oauthSessionName)
		session.Values["return_to"] = returnTo
		if err := session.Save(r, w); err != nil {
			h.logger.Warn("Failed to save oauth session cookie", zap.Error(err))
		}
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback handles GET /oauth/{provider}/callback.
// Always finishes with a redirect to the settings page; outcomes travel as
// query parameters because the caller is a browser, not an API client.
func (h *OAuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(r.PathValue("provider"))

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		// The user declined on the provider's consent screen.
		h.logger.Info("Provider authorization denied",
			zap.String("provider", provider),
			zap.String("error", errParam))
		h.redirectToSettings(w, r, url.Values{"error": {"access_denied"}})
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		h.redirectToSettings(w, r, url.Values{"error": {"invalid_callback"}})
		return
	}

	_, err := h.flow.CompleteAuthorization(r.Context(), provider, code, state)
	if err != nil {
		h.logger.Warn("Authorization completion failed",
			zap.String("provider", provider),
			zap.String("error", logging.SanitizeError(err)))
		h.redirectToSettings(w, r, url.Values{"error": {callbackErrorCode(err)}})
		return
	}

	h.redirectToSettings(w, r, url.Values{"success": {provider}})
}

// Refresh handles POST /oauth/{provider}/refresh.
// Forces a token refresh for the caller's integration.
func (h *OAuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(r.PathValue("provider"))

	orgID, err := auth.OrganizationID(r.Context())
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	integration, err := h.integrations.GetByOrgAndProvider(r.Context(), orgID, provider)
	if err != nil {
		if err := serviceError(w, err); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if _, err := h.tokens.Refresh(r.Context(), integration.ID); err != nil {
		h.logger.Warn("Forced token refresh failed",
			zap.String("integration_id", integration.ID.String()),
			zap.String("error", logging.SanitizeError(err)))
		// The refresh manager has already recorded the sanitized
		// provider error on the integration; surface that detail.
		detail := "Provider rejected the token refresh"
		if updated, readErr := h.integrations.GetByID(r.Context(), integration.ID); readErr == nil && updated.LastError != "" {
			detail = updated.LastError
		}
		h.writeError(w, http.StatusBadGateway, "refresh_failed", detail)
		return
	}

	// Re-read so the response carries the new expiry and status.
	refreshed, err := h.integrations.GetByID(r.Context(), integration.ID)
	if err != nil {
		refreshed = integration
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"integration": refreshed,
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *OAuthHandler) redirectToSettings(w http.ResponseWriter, r *http.Request, params url.Values) {
	target := h.cfg.SettingsURL

	session, err := h.store.Get(r, oauthSessionName)
	if err == nil {
		if returnTo, ok := session.Values["return_to"].(string); ok && strings.HasPrefix(returnTo, "/") {
			target = returnTo
		}
		// Single use.
		session.Options.MaxAge = -1
		if err := session.Save(r, w); err != nil {
			h.logger.Warn("Failed to expire oauth session cookie", zap.Error(err))
		}
	}

	if len(params) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + params.Encode()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *OAuthHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

// callbackErrorCode maps completion failures onto stable query-parameter
// codes the settings page can translate.
func callbackErrorCode(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, apperrors.ErrExpiredState):
		return "expired_state"
	case errors.Is(err, apperrors.ErrProviderMismatch):
		return "provider_mismatch"
	case errors.Is(err, apperrors.ErrProviderNotConfigured):
		return "provider_not_configured"
	default:
		return "exchange_failed"
	}
}
