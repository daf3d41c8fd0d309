package connect

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
)


func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		SessionSettings:     DefaultSessionSettings(),
		RequestSettings:     DefaultRequestSettings(),
		StreamSettings:      DefaultStreamSettings(),
		ClearStoreOnSignOut: true,
	}
}

type ClientSettings struct {
	GraphqlUrl string
	// derived from `GraphqlUrl` when empty, http -> ws and https -> wss
	GraphqlWsUrl string
	// optional. Sign in helpers fail without it.
	AuthUrl string
	// static headers for both transports, e.g. `x-hasura-admin-secret`.
	// transport specific headers take precedence.
	Headers map[string]string

	SessionSettings *SessionSettings
	RequestSettings *RequestSettings
	StreamSettings  *StreamSettings

	// remove all entities when the session leaves the authenticated states,
	// so that one user's data is never visible to the next
	ClearStoreOnSignOut bool

	// nil for no metrics
	Metrics MetricsCollector
}


// the explicit context object that owns every component.
// all resources are released by `Close`.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	store    *EntityStore
	sessions *SessionManager
	requests *RequestExecutor
	streams  *StreamManager
	router   *Router
	auth     *AuthApi

	stateLock    sync.Mutex
	refreshToken string

	unsubs []func()
}

func NewClientWithDefaults(ctx context.Context, graphqlUrl string, authUrl string) (*Client, error) {
	settings := DefaultClientSettings()
	settings.GraphqlUrl = graphqlUrl
	settings.AuthUrl = authUrl
	return NewClient(ctx, settings)
}

func NewClient(ctx context.Context, settings *ClientSettings) (*Client, error) {
	if settings.GraphqlUrl == "" {
		return nil, errors.New("missing graphql url")
	}
	graphqlWsUrl := settings.GraphqlWsUrl
	if graphqlWsUrl == "" {
		var err error
		graphqlWsUrl, err = WsUrl(settings.GraphqlUrl)
		if err != nil {
			return nil, err
		}
	}

	metrics := settings.Metrics
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	sessionSettings := settings.SessionSettings
	if sessionSettings == nil {
		sessionSettings = DefaultSessionSettings()
	}
	requestSettings := settings.RequestSettings
	if requestSettings == nil {
		requestSettings = DefaultRequestSettings()
	}
	streamSettings := settings.StreamSettings
	if streamSettings == nil {
		streamSettings = DefaultStreamSettings()
	}

	// copies, so that the caller's settings are not modified
	requestSettingsCopy := *requestSettings
	requestSettingsCopy.Headers = mergeHeaders(settings.Headers, requestSettings.Headers)
	streamSettingsCopy := *streamSettings
	streamSettingsCopy.Headers = mergeHeaders(settings.Headers, streamSettings.Headers)

	cancelCtx, cancel := context.WithCancel(ctx)

	store := NewEntityStoreWithMetrics(metrics)
	sessions := NewSessionManager(sessionSettings, metrics)
	credential := func() string {
		return sessions.GetSession().Credential
	}
	requests := NewRequestExecutor(settings.GraphqlUrl, store, credential, &requestSettingsCopy, metrics)
	streams := NewStreamManager(
		cancelCtx,
		store,
		credential,
		&streamSettingsCopy,
		metrics,
	)
	router := NewRouter(sessions, requests, streams, store, graphqlWsUrl)

	var auth *AuthApi
	if settings.AuthUrl != "" {
		auth = NewAuthApiWithContext(cancelCtx, settings.AuthUrl)
	}

	client := &Client{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		store:    store,
		sessions: sessions,
		requests: requests,
		streams:  streams,
		router:   router,
		auth:     auth,
	}

	if settings.ClearStoreOnSignOut {
		client.unsubs = append(client.unsubs, sessions.OnChange(func(change *SessionChange) {
			if change.From.Status.IsAuthenticated() && !change.To.Status.IsAuthenticated() {
				store.Clear()
			}
		}))
	}

	return client, nil
}

func (self *Client) Store() *EntityStore {
	return self.store
}

func (self *Client) Sessions() *SessionManager {
	return self.sessions
}

func (self *Client) Router() *Router {
	return self.router
}

func (self *Client) Streams() *StreamManager {
	return self.streams
}

// nil if the client has no auth url
func (self *Client) Auth() *AuthApi {
	return self.auth
}

func (self *Client) Submit(ctx context.Context, op *Operation) (*Outcome, error) {
	return self.router.Submit(ctx, op)
}

func (self *Client) Execute(ctx context.Context, op *Operation) (*Response, error) {
	return self.router.Execute(ctx, op)
}

func (self *Client) Subscribe(op *Operation) (*Subscription, error) {
	return self.router.Subscribe(op)
}

func (self *Client) SignIn(ctx context.Context, email string, password string) error {
	auth, err := self.requireAuth()
	if err != nil {
		return err
	}
	authSession, err := SignInWithPassword(ctx, auth, self.sessions, email, password)
	if err != nil {
		return err
	}
	self.setRefreshToken(authSession.RefreshToken)
	return nil
}

func (self *Client) SignUp(ctx context.Context, email string, password string, displayName string) error {
	auth, err := self.requireAuth()
	if err != nil {
		return err
	}
	authSession, err := SignUpWithPassword(ctx, auth, self.sessions, email, password, displayName)
	if err != nil {
		return err
	}
	self.setRefreshToken(authSession.RefreshToken)
	return nil
}

// replaces the credential using the refresh token from the last sign in
func (self *Client) Refresh(ctx context.Context) error {
	auth, err := self.requireAuth()
	if err != nil {
		return err
	}
	refreshToken := self.getRefreshToken()
	if refreshToken == "" {
		return fmt.Errorf("%w: no refresh token", ErrUnauthorized)
	}
	authSession, err := RefreshSession(ctx, auth, self.sessions, refreshToken)
	if err != nil {
		return err
	}
	if authSession.RefreshToken != "" {
		self.setRefreshToken(authSession.RefreshToken)
	}
	return nil
}

func (self *Client) SignOut(ctx context.Context) error {
	refreshToken := self.getRefreshToken()
	self.setRefreshToken("")
	if self.auth == nil {
		return self.sessions.SignedOut()
	}
	return SignOutSession(ctx, self.auth, self.sessions, refreshToken)
}

// closes connections, cancels all subscriptions, and stops timers
func (self *Client) Close() {
	self.cancel()
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.router.Close()
	self.streams.Close()
	self.requests.Close()
	self.sessions.Close()
	if self.auth != nil {
		self.auth.Close()
	}
}

func (self *Client) requireAuth() (*AuthApi, error) {
	if self.auth == nil {
		return nil, errors.New("missing auth url")
	}
	return self.auth, nil
}

func (self *Client) getRefreshToken() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.refreshToken
}

func (self *Client) setRefreshToken(refreshToken string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.refreshToken = refreshToken
}


// the websocket url for a graphql http url
func WsUrl(graphqlUrl string) (string, error) {
	u, err := url.Parse(graphqlUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported graphql url scheme: %s", u.Scheme)
	}
	return u.String(), nil
}

func mergeHeaders(base map[string]string, override map[string]string) map[string]string {
	headers := map[string]string{}
	for key, value := range base {
		headers[key] = value
	}
	for key, value := range override {
		headers[key] = value
	}
	return headers
}
