// Package auth protects the admin API with Okta OpenID Connect and maps the
// caller's email domain to a tenant.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"automation-hub/backend/internal/config"
	"automation-hub/backend/internal/repository"
	"automation-hub/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type tenantKey struct{}

// WithTenant returns ctx carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantID returns the authenticated tenant, if any.
func TenantID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantKey{}).(string)
	return id, ok && id != ""
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	tenants      repository.TenantStore
	logger       Logger
	devMode      bool
	authBypass   bool
	provision    bool
}

// New creates a new Auth object using values from the application
// configuration. Outside dev bypass mode it contacts the issuer to load its
// keys.
func New(ctx context.Context, cfg *config.Config, tenants repository.TenantStore, logger Logger) (*Auth, error) {
	isDev := strings.ToUpper(cfg.Environment) == "DEV"
	shouldBypass := isDev && cfg.DevModeBypass

	a := &Auth{
		tenants:    tenants,
		logger:     logger,
		devMode:    isDev,
		authBypass: shouldBypass,
		provision:  cfg.Auth.AutoProvision || shouldBypass,
	}
	if shouldBypass {
		return a, nil
	}

	if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
		cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, err
	}

	a.oauth2Config = &oauth2.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       []string{ScopeOpenID, ScopeEmail},
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	// Access tokens carry the API audience, not the client id.
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

// LoginHandler starts the authorization code flow. The state value is kept
// in a cookie and checked on callback.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler verifies state, exchanges the code and stores the raw ID
// token in a session cookie.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}
	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth rejects requests without a valid bearer token or session
// cookie and puts the caller's tenant on the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, status, msg := a.identify(r)
		if status == http.StatusSeeOther {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		if status != http.StatusOK {
			http.Error(w, msg, status)
			return
		}

		_, domain, found := strings.Cut(email, "@")
		if !found || domain == "" || strings.Contains(domain, "@") {
			http.Error(w, "invalid email format in token", http.StatusUnauthorized)
			return
		}

		tenant, err := a.tenantFor(r.Context(), domain)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				http.Error(w, "no tenant for "+domain, http.StatusForbidden)
				return
			}
			a.logError("failed to resolve tenant", "domain", domain, "error", err)
			http.Error(w, "failed to resolve tenant", http.StatusInternalServerError)
			return
		}
		if !tenant.Active {
			http.Error(w, "tenant is disabled", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), tenant.ID)))
	})
}

// identify returns the caller's email, or a status and message to fail with.
func (a *Auth) identify(r *http.Request) (string, int, string) {
	if a.authBypass {
		return "dev@localhost", http.StatusOK, ""
	}

	var (
		token *oidc.IDToken
		err   error
	)
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
	} else {
		cookie, cErr := r.Cookie("id_token")
		if cErr != nil {
			return "", http.StatusSeeOther, ""
		}
		token, err = a.verifier.Verify(r.Context(), cookie.Value)
	}
	if err != nil {
		return "", http.StatusUnauthorized, "invalid token: " + err.Error()
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", http.StatusUnauthorized, "failed to parse token claims"
	}
	return claims.Email, http.StatusOK, ""
}

// tenantFor looks the domain up, provisioning an active tenant when that is
// enabled.
func (a *Auth) tenantFor(ctx context.Context, domain string) (*models.Tenant, error) {
	tenant, err := a.tenants.GetTenantByDomain(ctx, domain)
	if err == nil || !errors.Is(err, repository.ErrNotFound) || !a.provision {
		return tenant, err
	}

	tenant = &models.Tenant{Name: domain, Domain: domain, Active: true}
	if err := a.tenants.CreateTenant(ctx, tenant); err != nil {
		return nil, err
	}
	if a.logger != nil {
		a.logger.Info("tenant provisioned", "domain", domain, "tenant_id", tenant.ID)
	}
	return tenant, nil
}

func (a *Auth) logError(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Error(msg, args...)
	}
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
