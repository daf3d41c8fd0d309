package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"
)


// either `Response` or `Subscription` is set, depending on `Class`
type Outcome struct {
	Class        TransportClass
	Response     *Response
	Subscription *Subscription
}


// routes each operation to the transport for its kind, after checking that
// the current session is allowed to run it.
//
// the router also keeps the transports consistent with the session:
// - a credential change resets the stream connections, cancelling subscriptions
//   the new session may not run
// - a credential rejected by either transport signs the session out
// - a scoped subscription completes when its scope entity is deleted from the store
type Router struct {
	sessions       *SessionManager
	requests       *RequestExecutor
	streams        *StreamManager
	store          *EntityStore
	streamEndpoint string

	scopeLock sync.Mutex
	// scope entity type -> scope id -> subscriptions
	scoped        map[EntityType]map[string][]*Subscription
	scopeUnsubs   map[EntityType]func()
	closed        bool

	unsubs []func()

	log LogFunction
}

func NewRouter(
	sessions *SessionManager,
	requests *RequestExecutor,
	streams *StreamManager,
	store *EntityStore,
	streamEndpoint string,
) *Router {
	router := &Router{
		sessions:       sessions,
		requests:       requests,
		streams:        streams,
		store:          store,
		streamEndpoint: streamEndpoint,
		scoped:         map[EntityType]map[string][]*Subscription{},
		scopeUnsubs:    map[EntityType]func(){},
		log:            LogFn(LogLevelInfo, "[router]"),
	}
	router.unsubs = append(
		router.unsubs,
		sessions.OnChange(router.sessionChanged),
		streams.AddUnauthorizedCallback(router.credentialRejected),
	)
	return router
}

func (self *Router) Submit(ctx context.Context, op *Operation) (*Outcome, error) {
	transportClass, err := Classify(op)
	if err != nil {
		return nil, err
	}

	session := self.sessions.GetSession()
	if !op.Access().Allows(session.Status) {
		return nil, fmt.Errorf("%w: %s requires %s, session is %s", ErrUnauthorized, op.Name(), op.Access(), session.Status)
	}

	switch transportClass {
	case TransportRequestResponse:
		response, err := self.requests.Execute(ctx, op, session.Credential)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				self.credentialRejected(session.Credential)
			}
			return nil, err
		}
		return &Outcome{
			Class:    transportClass,
			Response: response,
		}, nil
	default:
		sub, err := self.streams.Subscribe(self.streamEndpoint, op)
		if err != nil {
			return nil, err
		}
		if scope, ok := op.Scope(); ok {
			self.watchScope(scope, sub)
		}
		return &Outcome{
			Class:        transportClass,
			Subscription: sub,
		}, nil
	}
}

func (self *Router) Execute(ctx context.Context, op *Operation) (*Response, error) {
	if transportClass, err := Classify(op); err != nil {
		return nil, err
	} else if transportClass != TransportRequestResponse {
		return nil, fmt.Errorf("%w: %s is a subscription", ErrInvalidOperation, op.Name())
	}
	outcome, err := self.Submit(ctx, op)
	if err != nil {
		return nil, err
	}
	return outcome.Response, nil
}

// returns immediately. Results arrive on `Subscription.Events()`.
func (self *Router) Subscribe(op *Operation) (*Subscription, error) {
	if transportClass, err := Classify(op); err != nil {
		return nil, err
	} else if transportClass != TransportStream {
		return nil, fmt.Errorf("%w: %s is not a subscription", ErrInvalidOperation, op.Name())
	}
	outcome, err := self.Submit(context.Background(), op)
	if err != nil {
		return nil, err
	}
	return outcome.Subscription, nil
}

func (self *Router) Close() {
	var unsubs []func()
	func() {
		self.scopeLock.Lock()
		defer self.scopeLock.Unlock()

		self.closed = true
		unsubs = append(unsubs, self.unsubs...)
		for _, unsub := range self.scopeUnsubs {
			unsubs = append(unsubs, unsub)
		}
		self.unsubs = nil
		clear(self.scopeUnsubs)
		clear(self.scoped)
	}()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (self *Router) sessionChanged(change *SessionChange) {
	if !change.CredentialChanged {
		return
	}
	status := change.To.Status
	self.log("credential changed, %s -> %s", change.From.Status, status)
	self.streams.Reset(func(op *Operation) error {
		if op.Access().Allows(status) {
			return nil
		}
		return fmt.Errorf("%w: %s requires %s, session is %s", ErrUnauthorized, op.Name(), op.Access(), status)
	})
}

func (self *Router) credentialRejected(credential string) {
	if credential == "" {
		return
	}
	self.log("credential rejected")
	self.sessions.CredentialRejected(credential)
}

// the delete listener is registered before the deleted check,
// so a delete that lands in between is still seen
func (self *Router) watchScope(scope EntityKey, sub *Subscription) {
	func() {
		self.scopeLock.Lock()
		defer self.scopeLock.Unlock()

		if self.closed {
			return
		}

		if _, ok := self.scopeUnsubs[scope.Type]; !ok {
			self.scopeUnsubs[scope.Type] = self.store.OnChange(scope.Type, self.scopeChanged)
		}
		scopeSubs, ok := self.scoped[scope.Type]
		if !ok {
			scopeSubs = map[string][]*Subscription{}
			self.scoped[scope.Type] = scopeSubs
		}
		scopeSubs[scope.Id] = append(scopeSubs[scope.Id], sub)
	}()

	if !sub.onTerminate(func() {
		self.unwatchScope(scope, sub)
	}) {
		// ended before it was watched
		self.unwatchScope(scope, sub)
		return
	}

	if self.store.IsDeleted(scope.Type, scope.Id) {
		sub.end(&StreamEvent{
			Type: StreamEventComplete,
		})
	}
}

func (self *Router) unwatchScope(scope EntityKey, sub *Subscription) {
	self.scopeLock.Lock()
	defer self.scopeLock.Unlock()

	scopeSubs, ok := self.scoped[scope.Type]
	if !ok {
		return
	}
	subs := []*Subscription{}
	for _, scopeSub := range scopeSubs[scope.Id] {
		if scopeSub != sub {
			subs = append(subs, scopeSub)
		}
	}
	if len(subs) == 0 {
		delete(scopeSubs, scope.Id)
	} else {
		scopeSubs[scope.Id] = subs
	}
}

func (self *Router) scopeChanged(change *EntityChange) {
	if change.Kind != EntityChangeDeleted {
		return
	}

	var ended []*Subscription
	func() {
		self.scopeLock.Lock()
		defer self.scopeLock.Unlock()

		if scopeSubs, ok := self.scoped[change.Entity.Type]; ok {
			ended = scopeSubs[change.Entity.Id]
			delete(scopeSubs, change.Entity.Id)
		}
	}()

	for _, sub := range ended {
		if sub.ctx.Err() != nil {
			continue
		}
		self.log("scope %s ended, completing %s", change.Entity.Key(), sub.op.Name())
		sub.end(&StreamEvent{
			Type: StreamEventComplete,
		})
	}
}
