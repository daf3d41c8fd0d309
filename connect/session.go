package connect

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// session state machine is:
// ANONYMOUS
//   -> AUTHENTICATING (sign in attempt)
//     -> AUTHENTICATED_VERIFIED (success, email verified)
//     -> AUTHENTICATED_UNVERIFIED (success, email unverified)
//       -> AUTHENTICATED_VERIFIED (verification)
//     -> ANONYMOUS (failure, error surfaced in `Session.Err`)
//     -> ERROR (success reported with an unusable credential)
// AUTHENTICATED_* -> ANONYMOUS (sign out, credential expiry, backend rejection)
// ERROR -> AUTHENTICATING, ANONYMOUS
//
// there is no terminal state. Every transition is published to change callbacks,
// in order, per machine.


type SessionStatus int

const (
	SessionAnonymous SessionStatus = iota
	SessionAuthenticating
	SessionAuthenticatedUnverified
	SessionAuthenticatedVerified
	SessionError
)

func (self SessionStatus) IsAuthenticated() bool {
	switch self {
	case SessionAuthenticatedUnverified, SessionAuthenticatedVerified:
		return true
	default:
		return false
	}
}

func (self SessionStatus) String() string {
	switch self {
	case SessionAnonymous:
		return "ANONYMOUS"
	case SessionAuthenticating:
		return "AUTHENTICATING"
	case SessionAuthenticatedUnverified:
		return "AUTHENTICATED_UNVERIFIED"
	case SessionAuthenticatedVerified:
		return "AUTHENTICATED_VERIFIED"
	case SessionError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}


type UserIdentity struct {
	Id            string
	Email         string
	DisplayName   string
	EmailVerified bool
}


// `Credential` is set iff `Status` is one of the AUTHENTICATED_* states
type Session struct {
	Status     SessionStatus
	Credential string
	User       *UserIdentity
	// zero if the credential does not expire
	ExpiresAt time.Time
	// the error surfaced by the last transition, e.g. a failed sign in
	Err error
}

func (self Session) copy() Session {
	if self.User != nil {
		user := *self.User
		self.User = &user
	}
	return self
}


type SessionChange struct {
	From Session
	To   Session
	// the credential was added, removed, or replaced.
	// connections established with the old credential must not be reused.
	CredentialChanged bool
	// increases by one per transition
	Sequence uint64
}

type SessionChangeFunction = func(change *SessionChange)


func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		ExpiryLeeway: 10 * time.Second,
	}
}

type SessionSettings struct {
	// the credential is treated as expired this long before its `exp`
	ExpiryLeeway time.Duration
}


type SessionManager struct {
	settings *SessionSettings

	stateLock   sync.Mutex
	session     Session
	sequence    uint64
	expiryTimer *time.Timer
	closed      bool

	changeCallbacks *CallbackList[SessionChangeFunction]

	dispatchLock   sync.Mutex
	pendingChanges []*SessionChange
	dispatching    bool

	metrics MetricsCollector
	log     LogFunction
}

func NewSessionManagerWithDefaults() *SessionManager {
	return NewSessionManager(DefaultSessionSettings(), NewNoopMetrics())
}

func NewSessionManager(settings *SessionSettings, metrics MetricsCollector) *SessionManager {
	return &SessionManager{
		settings: settings,
		session: Session{
			Status: SessionAnonymous,
		},
		changeCallbacks: NewCallbackList[SessionChangeFunction](),
		metrics:         metrics,
		log:             LogFn(LogLevelInfo, "[session]"),
	}
}

// non-blocking snapshot
func (self *SessionManager) GetSession() Session {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.session.copy()
}

func (self *SessionManager) OnChange(callback SessionChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(callback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *SessionManager) SignInStarted() error {
	return self.transition("sign in", func(current *Session) (*Session, error) {
		switch current.Status {
		case SessionAnonymous, SessionError:
			return &Session{
				Status: SessionAuthenticating,
			}, nil
		default:
			return nil, invalidTransition("sign in", current.Status)
		}
	})
}

// `user` may be nil, in which case the identity is read from the credential claims
func (self *SessionManager) SignInSucceeded(credential string, user *UserIdentity) error {
	return self.transition("sign in success", func(current *Session) (*Session, error) {
		if current.Status != SessionAuthenticating {
			return nil, invalidTransition("sign in success", current.Status)
		}

		claims, err := ParseCredentialUnverified(credential)
		if err == nil && claims.ExpiredAt(time.Now()) {
			err = ErrCredentialExpired
		}
		if err != nil {
			return &Session{
				Status: SessionError,
				Err:    err,
			}, err
		}

		var identity UserIdentity
		if user != nil {
			identity = *user
		}
		if identity.Id == "" {
			identity.Id = claims.UserId
		}

		status := SessionAuthenticatedUnverified
		if identity.EmailVerified {
			status = SessionAuthenticatedVerified
		}
		return &Session{
			Status:     status,
			Credential: credential,
			User:       &identity,
			ExpiresAt:  claims.ExpiresAt,
		}, nil
	})
}

func (self *SessionManager) SignInFailed(signInErr error) error {
	if signInErr == nil {
		signInErr = errors.New("sign in failed")
	}
	return self.transition("sign in failure", func(current *Session) (*Session, error) {
		if current.Status != SessionAuthenticating {
			return nil, invalidTransition("sign in failure", current.Status)
		}
		return &Session{
			Status: SessionAnonymous,
			Err:    signInErr,
		}, nil
	})
}

func (self *SessionManager) EmailVerified() error {
	return self.transition("email verified", func(current *Session) (*Session, error) {
		switch current.Status {
		case SessionAuthenticatedUnverified:
			next := current.copy()
			next.Status = SessionAuthenticatedVerified
			next.User.EmailVerified = true
			return &next, nil
		case SessionAuthenticatedVerified:
			// already verified
			return nil, nil
		default:
			return nil, invalidTransition("email verified", current.Status)
		}
	})
}

// the identity provider issued a new credential for the same user
func (self *SessionManager) CredentialRefreshed(credential string) error {
	return self.transition("credential refreshed", func(current *Session) (*Session, error) {
		if !current.Status.IsAuthenticated() {
			return nil, invalidTransition("credential refreshed", current.Status)
		}
		if credential == current.Credential {
			return nil, nil
		}
		claims, err := ParseCredentialUnverified(credential)
		if err != nil {
			return nil, err
		}
		next := current.copy()
		next.Credential = credential
		next.ExpiresAt = claims.ExpiresAt
		return &next, nil
	})
}

func (self *SessionManager) SignedOut() error {
	return self.transition("sign out", func(current *Session) (*Session, error) {
		switch current.Status {
		case SessionAnonymous:
			return nil, nil
		case SessionAuthenticating:
			return nil, invalidTransition("sign out", current.Status)
		default:
			return &Session{
				Status: SessionAnonymous,
			}, nil
		}
	})
}

func (self *SessionManager) CredentialExpired() error {
	return self.expire("", ErrCredentialExpired)
}

// the backend rejected `credential`. This only signs out if `credential` is still current,
// so that a late rejection of an old credential cannot clear a newer session.
func (self *SessionManager) CredentialRejected(credential string) error {
	if credential == "" {
		return nil
	}
	return self.expire(credential, ErrUnauthorized)
}

func (self *SessionManager) expire(credential string, cause error) error {
	return self.transition("credential expired", func(current *Session) (*Session, error) {
		if !current.Status.IsAuthenticated() {
			return nil, nil
		}
		if credential != "" && credential != current.Credential {
			return nil, nil
		}
		return &Session{
			Status: SessionAnonymous,
			Err:    cause,
		}, nil
	})
}

// stops the expiry timer. Later transitions fail with `ErrClosed`.
func (self *SessionManager) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	if self.expiryTimer != nil {
		self.expiryTimer.Stop()
		self.expiryTimer = nil
	}
}

// `update` returns nil to leave the state unchanged.
// when `update` returns both a next state and an error, the transition is applied
// and the error is returned to the caller.
func (self *SessionManager) transition(tag string, update func(current *Session) (*Session, error)) error {
	var change *SessionChange
	var updateErr error
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			updateErr = ErrClosed
			return
		}

		current := self.session.copy()
		var next *Session
		next, updateErr = update(&current)
		if next == nil {
			return
		}

		from := self.session
		self.session = next.copy()
		self.sequence += 1
		self.armExpiry()

		change = &SessionChange{
			From:              from.copy(),
			To:                next.copy(),
			CredentialChanged: from.Credential != next.Credential,
			Sequence:          self.sequence,
		}

		self.dispatchLock.Lock()
		self.pendingChanges = append(self.pendingChanges, change)
		self.dispatchLock.Unlock()
	}()

	if change != nil {
		self.log("%s %s -> %s", tag, change.From.Status, change.To.Status)
		self.metrics.RecordSessionTransition(change.From.Status, change.To.Status)
		self.dispatch()
	}
	return updateErr
}

// must be called with the state lock
func (self *SessionManager) armExpiry() {
	if self.expiryTimer != nil {
		self.expiryTimer.Stop()
		self.expiryTimer = nil
	}
	if !self.session.Status.IsAuthenticated() || self.session.ExpiresAt.IsZero() {
		return
	}

	credential := self.session.Credential
	delay := time.Until(self.session.ExpiresAt) - self.settings.ExpiryLeeway
	if delay < 0 {
		delay = 0
	}
	self.expiryTimer = time.AfterFunc(delay, func() {
		self.expire(credential, ErrCredentialExpired)
	})
}

// delivers pending changes in order. A transition made from inside a change callback
// is enqueued and delivered by the dispatcher already running.
func (self *SessionManager) dispatch() {
	self.dispatchLock.Lock()
	if self.dispatching {
		self.dispatchLock.Unlock()
		return
	}
	self.dispatching = true
	self.dispatchLock.Unlock()

	for {
		var change *SessionChange
		func() {
			self.dispatchLock.Lock()
			defer self.dispatchLock.Unlock()
			if len(self.pendingChanges) == 0 {
				self.dispatching = false
				return
			}
			change = self.pendingChanges[0]
			self.pendingChanges[0] = nil
			self.pendingChanges = self.pendingChanges[1:]
		}()
		if change == nil {
			return
		}

		for _, callback := range self.changeCallbacks.Get() {
			HandleError(func() {
				callback(change)
			})
		}
	}
}


func invalidTransition(event string, status SessionStatus) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, event, status)
}
