package connectlink

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// AuthEvent names a session transition.
type AuthEvent string

const (
	AuthSignedIn       AuthEvent = "SIGNED_IN"
	AuthSignedOut      AuthEvent = "SIGNED_OUT"
	AuthTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
)

// Session is the signed-in state of a Client. Sign-in itself happens
// elsewhere; the SDK only carries the resulting access token.
type Session struct {
	AccessToken string `json:"access_token"`
	User        *User  `json:"user,omitempty"`
}

// AuthStateHandler observes session transitions.
type AuthStateHandler func(event AuthEvent, session *Session)

// AuthClient wraps the auth service and holds the process-wide session.
type AuthClient struct {
	client *Client

	mu        sync.RWMutex
	session   *Session
	nextID    int
	listeners map[int]AuthStateHandler
}

func (a *AuthClient) accessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return ""
	}
	return a.session.AccessToken
}

// Session returns a copy of the current session, or nil when signed out.
func (a *AuthClient) Session() *Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return nil
	}
	s := *a.session
	return &s
}

// CurrentUser asks the auth service who the access token belongs to. It
// returns (nil, nil) when there is no session.
func (a *AuthClient) CurrentUser(ctx context.Context) (*User, error) {
	if a.accessToken() == "" {
		return nil, nil
	}
	data, err := a.client.doRequest(ctx, request{method: http.MethodGet, path: "/auth/v1/user"})
	if err != nil {
		if errors.Is(err, ErrAuth) {
			a.client.logger.Warn().Err(err).Msg("session rejected by auth service")
		}
		return nil, err
	}
	user, err := decodeJSON[User](data)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.session != nil {
		a.session.User = user
	}
	a.mu.Unlock()
	return user, nil
}

// SetSession installs an access token, e.g. after an external sign-in or a
// token refresh.
func (a *AuthClient) SetSession(accessToken string) {
	a.mu.Lock()
	event := AuthSignedIn
	if a.session != nil {
		event = AuthTokenRefreshed
	}
	a.session = &Session{AccessToken: accessToken}
	s := *a.session
	a.mu.Unlock()

	a.emit(event, &s)
}

// SignOut drops the session.
func (a *AuthClient) SignOut() {
	a.mu.Lock()
	had := a.session != nil
	a.session = nil
	a.mu.Unlock()

	if had {
		a.emit(AuthSignedOut, nil)
	}
}

// OnAuthStateChange registers h and returns a function that removes it.
func (a *AuthClient) OnAuthStateChange(h AuthStateHandler) (unsubscribe func()) {
	a.mu.Lock()
	if a.listeners == nil {
		a.listeners = make(map[int]AuthStateHandler)
	}
	id := a.nextID
	a.nextID++
	a.listeners[id] = h
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *AuthClient) emit(event AuthEvent, s *Session) {
	a.mu.RLock()
	handlers := make([]AuthStateHandler, 0, len(a.listeners))
	for _, h := range a.listeners {
		handlers = append(handlers, h)
	}
	a.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, s)
		}()
	}
}
