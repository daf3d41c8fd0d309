package connect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// nhost auth api client
// see https://docs.nhost.io/reference/auth


const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second


func defaultClient() *http.Client {
	return newHttpClient(defaultHttpConnectTimeout, defaultHttpTlsTimeout, defaultHttpTimeout)
}

func newHttpClient(connectTimeout time.Duration, tlsTimeout time.Duration, timeout time.Duration) *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: connectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: tlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}


// error body returned by the auth service on a non-200 status
type AuthError struct {
	StatusCode int    `json:"status"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (self *AuthError) Error() string {
	if self.Code != "" {
		return fmt.Sprintf("auth error: %s (%s, status %d)", self.Message, self.Code, self.StatusCode)
	}
	return fmt.Sprintf("auth error: %s (status %d)", self.Message, self.StatusCode)
}

// a rejected credential or password unwraps to `ErrUnauthorized`
func (self *AuthError) Unwrap() error {
	switch self.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return nil
	}
}


type AuthApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	authUrl string
}

func NewAuthApi(authUrl string) *AuthApi {
	return NewAuthApiWithContext(context.Background(), authUrl)
}

func NewAuthApiWithContext(ctx context.Context, authUrl string) *AuthApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &AuthApi{
		ctx:     cancelCtx,
		cancel:  cancel,
		authUrl: strings.TrimSuffix(authUrl, "/"),
	}
}

// cancels in flight calls
func (self *AuthApi) Close() {
	self.cancel()
}


type AuthUser struct {
	Id            string   `json:"id"`
	Email         string   `json:"email"`
	DisplayName   string   `json:"displayName"`
	EmailVerified bool     `json:"emailVerified"`
	DefaultRole   string   `json:"defaultRole,omitempty"`
	Roles         []string `json:"roles,omitempty"`
}

func (self *AuthUser) Identity() *UserIdentity {
	return &UserIdentity{
		Id:            self.Id,
		Email:         self.Email,
		DisplayName:   self.DisplayName,
		EmailVerified: self.EmailVerified,
	}
}

type AuthSession struct {
	AccessToken          string    `json:"accessToken"`
	AccessTokenExpiresIn int       `json:"accessTokenExpiresIn"`
	RefreshToken         string    `json:"refreshToken"`
	User                 *AuthUser `json:"user,omitempty"`
}


type SignInEmailPasswordArgs struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// `Session` is nil when a second factor is required
type SignInEmailPasswordResult struct {
	Session *AuthSession `json:"session"`
}

func (self *AuthApi) SignInEmailPassword(ctx context.Context, signIn *SignInEmailPasswordArgs) (*SignInEmailPasswordResult, error) {
	ctx, cancel := mergeContext(ctx, self.ctx)
	defer cancel()

	return post(
		ctx,
		fmt.Sprintf("%s/signin/email-password", self.authUrl),
		signIn,
		"",
		&SignInEmailPasswordResult{},
	)
}


type SignUpEmailPasswordArgs struct {
	Email    string                      `json:"email"`
	Password string                      `json:"password"`
	Options  *SignUpEmailPasswordOptions `json:"options,omitempty"`
}

type SignUpEmailPasswordOptions struct {
	DisplayName string         `json:"displayName,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// `Session` is nil when the email address must be verified before sign in
type SignUpEmailPasswordResult struct {
	Session *AuthSession `json:"session"`
}

func (self *AuthApi) SignUpEmailPassword(ctx context.Context, signUp *SignUpEmailPasswordArgs) (*SignUpEmailPasswordResult, error) {
	ctx, cancel := mergeContext(ctx, self.ctx)
	defer cancel()

	return post(
		ctx,
		fmt.Sprintf("%s/signup/email-password", self.authUrl),
		signUp,
		"",
		&SignUpEmailPasswordResult{},
	)
}


type RefreshTokenArgs struct {
	RefreshToken string `json:"refreshToken"`
}

func (self *AuthApi) RefreshToken(ctx context.Context, refreshToken *RefreshTokenArgs) (*AuthSession, error) {
	ctx, cancel := mergeContext(ctx, self.ctx)
	defer cancel()

	return post(
		ctx,
		fmt.Sprintf("%s/token", self.authUrl),
		refreshToken,
		"",
		&AuthSession{},
	)
}


type SignOutArgs struct {
	RefreshToken string `json:"refreshToken"`
}

type SignOutResult struct {
}

func (self *AuthApi) SignOut(ctx context.Context, signOut *SignOutArgs) (*SignOutResult, error) {
	ctx, cancel := mergeContext(ctx, self.ctx)
	defer cancel()

	return post(
		ctx,
		fmt.Sprintf("%s/signout", self.authUrl),
		signOut,
		"",
		&SignOutResult{},
	)
}


func (self *AuthApi) GetUser(ctx context.Context, credential string) (*AuthUser, error) {
	ctx, cancel := mergeContext(ctx, self.ctx)
	defer cancel()

	return get(
		ctx,
		fmt.Sprintf("%s/user", self.authUrl),
		credential,
		&AuthUser{},
	)
}


// drives the session through a password sign in.
// the session ends in one of the AUTHENTICATED_* states on success.
func SignInWithPassword(
	ctx context.Context,
	api *AuthApi,
	sessions *SessionManager,
	email string,
	password string,
) (*AuthSession, error) {
	if err := sessions.SignInStarted(); err != nil {
		return nil, err
	}
	result, err := api.SignInEmailPassword(ctx, &SignInEmailPasswordArgs{
		Email:    email,
		Password: password,
	})
	if err == nil && result.Session == nil {
		err = errors.New("sign in did not return a session")
	}
	return completeSignIn(sessions, result, err)
}

// a sign up that returns no session leaves the session ANONYMOUS with
// `ErrEmailVerificationRequired`
func SignUpWithPassword(
	ctx context.Context,
	api *AuthApi,
	sessions *SessionManager,
	email string,
	password string,
	displayName string,
) (*AuthSession, error) {
	if err := sessions.SignInStarted(); err != nil {
		return nil, err
	}
	signUp := &SignUpEmailPasswordArgs{
		Email:    email,
		Password: password,
	}
	if displayName != "" {
		signUp.Options = &SignUpEmailPasswordOptions{
			DisplayName: displayName,
		}
	}
	result, err := api.SignUpEmailPassword(ctx, signUp)
	if err == nil && result.Session == nil {
		err = ErrEmailVerificationRequired
	}
	return completeSignIn(sessions, (*SignInEmailPasswordResult)(result), err)
}

func completeSignIn(sessions *SessionManager, result *SignInEmailPasswordResult, err error) (*AuthSession, error) {
	if err != nil {
		sessions.SignInFailed(err)
		return nil, err
	}
	var identity *UserIdentity
	if result.Session.User != nil {
		identity = result.Session.User.Identity()
	}
	if err := sessions.SignInSucceeded(result.Session.AccessToken, identity); err != nil {
		return nil, err
	}
	return result.Session, nil
}

// exchanges the refresh token for a new credential. If the user has verified their email
// since the last credential was issued, the session moves to AUTHENTICATED_VERIFIED.
func RefreshSession(
	ctx context.Context,
	api *AuthApi,
	sessions *SessionManager,
	refreshToken string,
) (*AuthSession, error) {
	authSession, err := api.RefreshToken(ctx, &RefreshTokenArgs{
		RefreshToken: refreshToken,
	})
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			sessions.CredentialRejected(sessions.GetSession().Credential)
		}
		return nil, err
	}
	if err := sessions.CredentialRefreshed(authSession.AccessToken); err != nil {
		return nil, err
	}
	if authSession.User != nil && authSession.User.EmailVerified {
		if err := sessions.EmailVerified(); err != nil {
			return nil, err
		}
	}
	return authSession, nil
}

// the session always ends ANONYMOUS. A failure to revoke the refresh token is returned
// after the local sign out.
func SignOutSession(
	ctx context.Context,
	api *AuthApi,
	sessions *SessionManager,
	refreshToken string,
) error {
	var revokeErr error
	if refreshToken != "" {
		_, revokeErr = api.SignOut(ctx, &SignOutArgs{
			RefreshToken: refreshToken,
		})
	}
	if err := sessions.SignedOut(); err != nil {
		return err
	}
	return revokeErr
}


func post[R any](ctx context.Context, url string, args any, credential string, result R) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
				return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	return do(req, credential, result)
}

func get[R any](ctx context.Context, url string, credential string, result R) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		return empty, err
	}

	return do(req, credential, result)
}

func do[R any](req *http.Request, credential string, result R) (R, error) {
	if credential != "" {
		auth := fmt.Sprintf("Bearer %s", credential)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	// the client is not reused
	defer client.CloseIdleConnections()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		err = &TransportError{
			Retryable: true,
			Message:   "auth request failed",
			Cause:     err,
		}
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		authErr := &AuthError{}
		if json.Unmarshal(responseBodyBytes, authErr) != nil || authErr.Message == "" {
			// the response body is the error message
			authErr.Message = strings.TrimSpace(string(responseBodyBytes))
		}
		authErr.StatusCode = r.StatusCode
		var empty R
		return empty, authErr
	}

	if err != nil {
		var empty R
		return empty, err
	}

	// sign out answers with a plain text body
	if strings.Contains(r.Header.Get("Content-Type"), "json") && 0 < len(bytes.TrimSpace(responseBodyBytes)) {
		err = json.Unmarshal(responseBodyBytes, &result)
		if err != nil {
			var empty R
				return empty, err
		}
	}

	return result, nil
}


// the returned context is done when either parent is done
func mergeContext(ctx context.Context, other context.Context) (context.Context, context.CancelFunc) {
	mergedCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return mergedCtx, func() {
		stop()
		cancel()
	}
}
