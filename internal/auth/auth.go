package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"stageflow/backend/internal/config"
	"stageflow/backend/internal/repository"
	"stageflow/backend/pkg/models"
)

// DevSubject is the identity used when authentication is bypassed.
const DevSubject = "dev"

// DevUserHeader lets local testing act as another subject in bypass mode.
const DevUserHeader = "X-Dev-User"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// UserDirectory maps identity-provider subjects to internal users.
type UserDirectory interface {
	GetUserBySubject(ctx context.Context, subject string) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
}

// Identity is what the identity provider tells us about the caller.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

type contextKey struct{ name string }

var userKey = &contextKey{"user"}

// WithUser returns a context carrying the authenticated user.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(userKey).(*models.User)
	return u, ok && u != nil
}

// UserIDFromContext returns the internal id of the authenticated user.
func UserIDFromContext(ctx context.Context) (string, bool) {
	u, ok := UserFromContext(ctx)
	if !ok {
		return "", false
	}
	return u.ID, true
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	users        UserDirectory
	logger       Logger
	devMode      bool
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. Outside bypass mode it contacts the provider to prepare the
// token verifiers.
func New(ctx context.Context, cfg *config.Config, users UserDirectory, logger Logger) (*Auth, error) {
	a := &Auth{
		users:      users,
		logger:     logger,
		devMode:    cfg.IsDev(),
		authBypass: cfg.AuthBypass(),
	}
	if a.authBypass {
		return a, nil
	}

	if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
		cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, fmt.Errorf("discover identity provider: %w", err)
	}

	a.oauth2Config = &oauth2.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       AllScopes,
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	// Access tokens usually carry a different audience (e.g. "api://default").
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

// Bypass reports whether requests are authenticated as a development user.
func (a *Auth) Bypass() bool { return a.authBypass }

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
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

// CallbackHandler handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, provisions
// the user and sets a session cookie containing the raw ID token.
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

	idToken, err := a.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	var id Identity
	if err := idToken.Claims(&id); err == nil {
		if _, err := a.ResolveUser(r.Context(), id); err != nil && a.logger != nil {
			a.logger.Error("failed to provision user at login", "subject", id.Subject, "error", err)
		}
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

// RequireAuth is middleware that authenticates the caller from a bearer token
// or the id_token cookie and puts the matching internal user in the request
// context, creating the user on first sight.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, status, err := a.identify(r)
		if err != nil {
			if status == http.StatusSeeOther {
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}
			http.Error(w, err.Error(), status)
			return
		}

		user, err := a.ResolveUser(r.Context(), id)
		if err != nil {
			if a.logger != nil {
				a.logger.Error("failed to provision user", "subject", id.Subject, "error", err)
			}
			http.Error(w, "failed to provision user", http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (a *Auth) identify(r *http.Request) (Identity, int, error) {
	if a.authBypass {
		subject := strings.TrimSpace(r.Header.Get(DevUserHeader))
		if subject == "" {
			subject = DevSubject
		}
		return Identity{Subject: subject, Name: subject, Email: subject + "@localhost"}, 0, nil
	}

	var (
		token *oidc.IDToken
		err   error
	)
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
	} else {
		cookie, cookieErr := r.Cookie("id_token")
		if cookieErr != nil {
			if strings.Contains(r.Header.Get("Accept"), "text/html") {
				return Identity{}, http.StatusSeeOther, cookieErr
			}
			return Identity{}, http.StatusUnauthorized, errors.New("authentication required")
		}
		token, err = a.verifier.Verify(r.Context(), cookie.Value)
	}
	if err != nil {
		return Identity{}, http.StatusUnauthorized, fmt.Errorf("invalid token: %w", err)
	}

	var id Identity
	if err := token.Claims(&id); err != nil {
		return Identity{}, http.StatusUnauthorized, errors.New("failed to parse token claims")
	}
	if id.Subject == "" {
		id.Subject = token.Subject
	}
	if id.Subject == "" {
		return Identity{}, http.StatusUnauthorized, errors.New("token has no subject")
	}
	return id, 0, nil
}

// ResolveUser returns the internal user for id.Subject, creating it when the
// subject has never been seen.
func (a *Auth) ResolveUser(ctx context.Context, id Identity) (*models.User, error) {
	user, err := a.users.GetUserBySubject(ctx, id.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup subject %s: %w", id.Subject, err)
	}

	role := RoleMember
	if a.authBypass && id.Subject == DevSubject {
		role = RoleAdmin
	}
	user = &models.User{
		ID:      uuid.New().String(),
		Subject: id.Subject,
		Name:    displayName(id),
		Email:   id.Email,
		Role:    role,
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// another request provisioned the same subject first
			return a.users.GetUserBySubject(ctx, id.Subject)
		}
		return nil, fmt.Errorf("provision subject %s: %w", id.Subject, err)
	}
	if a.logger != nil {
		a.logger.Info("provisioned user", "user_id", user.ID, "subject", user.Subject)
	}
	return user, nil
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

func displayName(id Identity) string {
	switch {
	case strings.TrimSpace(id.Name) != "":
		return strings.TrimSpace(id.Name)
	case id.Email != "":
		return strings.SplitN(id.Email, "@", 2)[0]
	default:
		return id.Subject
	}
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
