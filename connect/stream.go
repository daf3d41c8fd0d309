package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"
)

// subscriptions over graphql-transport-ws.
// there is at most one connection per endpoint, multiplexing every active subscription
// for that endpoint. The connection re-issues the active subscriptions after each reconnect.
//
// lock order is manager.mutex -> connection.mutex -> connection.writeMutex.
// the connection never calls into the manager while holding its own mutex.


type ConnectionState int

const (
	ConnectionClosed ConnectionState = iota
	ConnectionConnecting
	ConnectionOpen
)

func (self ConnectionState) String() string {
	switch self {
	case ConnectionClosed:
		return "CLOSED"
	case ConnectionConnecting:
		return "CONNECTING"
	case ConnectionOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}


type StreamEventType int

const (
	// a result. `Data` and `Entities` are set, or `Err` if the result carried errors
	StreamEventNext StreamEventType = iota
	// the connection was lost. Sent once per outage. The subscription stays active.
	StreamEventInterrupted
	// the subscription was re-issued after an interruption
	StreamEventResumed
	// terminal. The subscription was auto-cancelled.
	StreamEventFatal
	// terminal. The server or the scope ended the subscription.
	StreamEventComplete
)

func (self StreamEventType) String() string {
	switch self {
	case StreamEventNext:
		return "next"
	case StreamEventInterrupted:
		return "interrupted"
	case StreamEventResumed:
		return "resumed"
	case StreamEventFatal:
		return "fatal"
	case StreamEventComplete:
		return "complete"
	default:
		return "unknown"
	}
}

type StreamEvent struct {
	Type     StreamEventType
	Data     json.RawMessage
	Entities []EntityKey
	Err      error
}


// returns the current credential. Called on every connection attempt.
type CredentialFunction func() string

type UnauthorizedFunction = func(credential string)


func DefaultStreamSettings() *StreamSettings {
	return &StreamSettings{
		WsHandshakeTimeout: 5 * time.Second,
		AckTimeout:         5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		PingInterval:       10 * time.Second,
		EventBufferSize:    16,
		Reconnect:          DefaultReconnectSettings(),
	}
}

type StreamSettings struct {
	WsHandshakeTimeout time.Duration
	// time to wait for `connection_ack` after `connection_init`
	AckTimeout   time.Duration
	WriteTimeout time.Duration
	// must be greater than `PingInterval` so that a healthy server always answers in time
	ReadTimeout  time.Duration
	PingInterval time.Duration
	// per subscription, at least 1. A full buffer blocks the connection read loop.
	EventBufferSize int
	Reconnect       *ReconnectSettings
	// static headers sent on the upgrade request and in the `connection_init` payload
	Headers map[string]string
}


type Subscription struct {
	ctx    context.Context
	cancel context.CancelFunc

	manager *StreamManager
	conn    *streamConnection
	op      *Operation

	events chan *StreamEvent

	sendMutex sync.Mutex
	closed    bool
	err       error

	terminateMutex     sync.Mutex
	terminated         bool
	terminateCallbacks []func()

	// guarded by conn.mutex
	channelId   Id
	interrupted bool
}

func newSubscription(manager *StreamManager, conn *streamConnection, op *Operation) *Subscription {
	cancelCtx, cancel := context.WithCancel(manager.ctx)
	return &Subscription{
		ctx:     cancelCtx,
		cancel:  cancel,
		manager: manager,
		conn:    conn,
		op:      op,
		events:  make(chan *StreamEvent, max(1, manager.settings.EventBufferSize)),
	}
}

// closed after the terminal event, or immediately on `Cancel`
func (self *Subscription) Events() <-chan *StreamEvent {
	return self.events
}

func (self *Subscription) Done() <-chan struct{} {
	return self.ctx.Done()
}

// the error of the terminal event, if any
func (self *Subscription) Err() error {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	return self.err
}

func (self *Subscription) Operation() *Operation {
	return self.op
}

// the transport assigned id. Empty while the connection is not open.
func (self *Subscription) ChannelId() string {
	self.conn.mutex.Lock()
	defer self.conn.mutex.Unlock()
	if self.channelId.IsZero() {
		return ""
	}
	return self.channelId.String()
}

// no events are delivered after cancel returns
func (self *Subscription) Cancel() {
	self.end(nil)
}

// removes the subscription from its connection, notifying the server,
// and terminates with `event`
func (self *Subscription) end(event *StreamEvent) {
	self.cancel()
	self.manager.remove(self, true)
	self.terminate(event)
}

// blocks while the event buffer is full
func (self *Subscription) deliver(event *StreamEvent) bool {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()

	if self.closed || self.ctx.Err() != nil {
		return false
	}
	select {
	case <-self.ctx.Done():
		return false
	case self.events <- event:
		return true
	}
}

// terminates at most once. A nil event closes the event channel without a terminal event.
func (self *Subscription) terminate(event *StreamEvent) {
	// unblock a pending deliver
	self.cancel()

	if !self.closeEvents(event) {
		return
	}

	var callbacks []func()
	func() {
		self.terminateMutex.Lock()
		defer self.terminateMutex.Unlock()
		self.terminated = true
		callbacks = self.terminateCallbacks
		self.terminateCallbacks = nil
	}()
	for _, callback := range callbacks {
		HandleError(callback)
	}
}

// a consumer that is behind loses its oldest undelivered events to the terminal event
func (self *Subscription) closeEvents(event *StreamEvent) bool {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()

	if self.closed {
		return false
	}
	self.closed = true

	if event == nil {
		// drop undelivered events
		for {
			select {
			case <-self.events:
				continue
			default:
			}
			break
		}
		close(self.events)
		return true
	}

	self.err = event.Err
	// the send mutex makes this the only sender, so each drop frees a slot
	for {
		select {
		case self.events <- event:
			close(self.events)
			return true
		default:
		}
		select {
		case dropped := <-self.events:
			glog.V(1).Infof("[s]drop %s %s\n", dropped.Type, self.op.Name())
		default:
		}
	}
}

// `callback` runs once, after the subscription terminates.
// returns false if the subscription already terminated, in which case `callback` never runs.
func (self *Subscription) onTerminate(callback func()) bool {
	self.terminateMutex.Lock()
	defer self.terminateMutex.Unlock()

	if self.terminated {
		return false
	}
	self.terminateCallbacks = append(self.terminateCallbacks, callback)
	return true
}


type StreamManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	store      *EntityStore
	credential CredentialFunction
	settings   *StreamSettings
	metrics    MetricsCollector

	mutex       sync.Mutex
	connections map[string]*streamConnection

	unauthorizedCallbacks *CallbackList[UnauthorizedFunction]

	log LogFunction
}

func NewStreamManagerWithDefaults(ctx context.Context, store *EntityStore, credential CredentialFunction) *StreamManager {
	return NewStreamManager(ctx, store, credential, DefaultStreamSettings(), NewNoopMetrics())
}

func NewStreamManager(
	ctx context.Context,
	store *EntityStore,
	credential CredentialFunction,
	settings *StreamSettings,
	metrics MetricsCollector,
) *StreamManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &StreamManager{
		ctx:                   cancelCtx,
		cancel:                cancel,
		store:                 store,
		credential:            credential,
		settings:              settings,
		metrics:               metrics,
		connections:           map[string]*streamConnection{},
		unauthorizedCallbacks: NewCallbackList[UnauthorizedFunction](),
		log:                   LogFn(LogLevelInfo, "[s]"),
	}
}

// called when the server rejects a credential, at connection time or for a single subscription
func (self *StreamManager) AddUnauthorizedCallback(callback UnauthorizedFunction) func() {
	callbackId := self.unauthorizedCallbacks.Add(callback)
	return func() {
		self.unauthorizedCallbacks.Remove(callbackId)
	}
}

// registers the subscription and returns immediately.
// the connection for `endpoint` is opened if needed.
func (self *StreamManager) Subscribe(endpoint string, op *Operation) (*Subscription, error) {
	transportClass, err := Classify(op)
	if err != nil {
		return nil, err
	}
	if transportClass != TransportStream {
		return nil, fmt.Errorf("%w: %s is not a subscription", ErrInvalidOperation, op)
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.ctx.Err() != nil {
		return nil, ErrClosed
	}

	conn, ok := self.connections[endpoint]
	if !ok {
		conn = newStreamConnection(self, endpoint)
		self.connections[endpoint] = conn
		go HandleError(conn.run, func(err error) {
			// detach, so that later subscribes open a new connection
			conn.fail(fmt.Errorf("connection failed: %w", err))
		})
	}
	sub := newSubscription(self, conn, op)
	conn.add(sub)
	return sub, nil
}

func (self *StreamManager) ConnectionState(endpoint string) ConnectionState {
	self.mutex.Lock()
	conn, ok := self.connections[endpoint]
	self.mutex.Unlock()
	if !ok {
		return ConnectionClosed
	}
	return conn.State()
}

func (self *StreamManager) SubscriptionCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	count := 0
	for _, conn := range self.connections {
		count += conn.count()
	}
	return count
}

// reconnects every connection with the current credential, skipping backoff.
// subscriptions that `allow` rejects get a fatal event and are cancelled.
// a connection left without subscriptions is closed.
func (self *StreamManager) Reset(allow func(op *Operation) error) {
	type denial struct {
		sub *Subscription
		err error
	}
	var denials []denial
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		for endpoint, conn := range self.connections {
			for _, sub := range conn.subscriptions() {
				if allow == nil {
					continue
				}
				if err := allow(sub.op); err != nil {
					conn.remove(sub, true)
					denials = append(denials, denial{sub: sub, err: err})
				}
			}
			if conn.count() == 0 {
				conn.cancel()
				delete(self.connections, endpoint)
			} else {
				conn.requestReset()
			}
		}
	}()

	for _, d := range denials {
		glog.Infof("[s]reset denied %s = %s\n", d.sub.op.Name(), d.err)
		d.sub.terminate(&StreamEvent{
			Type: StreamEventFatal,
			Err: &StreamError{
				Fatal: true,
				Cause: d.err,
			},
		})
	}
}

// cancels every subscription and closes every connection.
// returns after all connection goroutines have exited.
func (self *StreamManager) Close() {
	self.cancel()

	var conns []*streamConnection
	var subs []*Subscription
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		conns = maps.Values(self.connections)
		clear(self.connections)
		for _, conn := range conns {
			subs = append(subs, conn.takeAll()...)
			conn.cancel()
		}
	}()

	for _, sub := range subs {
		sub.terminate(nil)
	}
	for _, conn := range conns {
		<-conn.done
	}
}

func (self *StreamManager) remove(sub *Subscription, notifyServer bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	conn := sub.conn
	if !conn.remove(sub, notifyServer) {
		return
	}
	if conn.count() == 0 {
		conn.log("last subscription removed, closing")
		conn.cancel()
		if self.connections[conn.endpoint] == conn {
			delete(self.connections, conn.endpoint)
		}
	}
}

// detaches a failed connection. Returns the subscriptions it still held.
func (self *StreamManager) removeConnection(conn *streamConnection) []*Subscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.connections[conn.endpoint] == conn {
		delete(self.connections, conn.endpoint)
	}
	return conn.takeAll()
}

func (self *StreamManager) unauthorized(credential string) {
	for _, callback := range self.unauthorizedCallbacks.Get() {
		HandleError(func() {
			callback(credential)
		})
	}
}


type streamConnection struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	manager  *StreamManager
	endpoint string
	settings *StreamSettings

	mutex       sync.Mutex
	state       ConnectionState
	active      []*Subscription
	byChannelId map[Id]*Subscription
	ws          *websocket.Conn
	// the connection was opened at least once
	opened bool

	writeMutex sync.Mutex

	reset chan struct{}

	log LogFunction
}

func newStreamConnection(manager *StreamManager, endpoint string) *streamConnection {
	cancelCtx, cancel := context.WithCancel(manager.ctx)
	return &streamConnection{
		ctx:         cancelCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		manager:     manager,
		endpoint:    endpoint,
		settings:    manager.settings,
		state:       ConnectionConnecting,
		byChannelId: map[Id]*Subscription{},
		reset:       make(chan struct{}, 1),
		log:         SubLogFn(manager.log, endpoint),
	}
}

func (self *streamConnection) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *streamConnection) count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.active)
}

func (self *streamConnection) subscriptions() []*Subscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]*Subscription{}, self.active...)
}

func (self *streamConnection) add(sub *Subscription) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.active = append(self.active, sub)
	if self.state == ConnectionOpen {
		// otherwise the run loop subscribes when the connection opens
		self.subscribe(sub)
	}
}

// returns false if `sub` was not active
func (self *streamConnection) remove(sub *Subscription, notifyServer bool) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := -1
	for j, activeSub := range self.active {
		if activeSub == sub {
			i = j
			break
		}
	}
	if i < 0 {
		return false
	}
	self.active = append(self.active[:i], self.active[i+1:]...)

	if !sub.channelId.IsZero() {
		delete(self.byChannelId, sub.channelId)
		if notifyServer && self.state == ConnectionOpen && self.ws != nil {
			if err := self.write(self.ws, &wsMessage{
				Id:   sub.channelId.String(),
				Type: wsMessageComplete,
			}); err != nil {
				glog.V(1).Infof("[s]complete %s error = %s\n", sub.channelId, err)
			}
		}
		sub.channelId = Id{}
	}
	return true
}

func (self *streamConnection) takeAll() []*Subscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subs := self.active
	self.active = nil
	for _, sub := range subs {
		sub.channelId = Id{}
	}
	clear(self.byChannelId)
	self.state = ConnectionClosed
	return subs
}

func (self *streamConnection) requestReset() {
	select {
	case self.reset <- struct{}{}:
	default:
	}
}

// must be called with the mutex and an open ws
func (self *streamConnection) subscribe(sub *Subscription) {
	channelId := NewId()
	sub.channelId = channelId
	self.byChannelId[channelId] = sub

	payload, err := json.Marshal(sub.op.request())
	if err == nil {
		err = self.write(self.ws, &wsMessage{
			Id:      channelId.String(),
			Type:    wsMessageSubscribe,
			Payload: payload,
		})
	}
	if err != nil {
		// the read loop sees the broken connection and reconnects
		glog.Infof("[s]subscribe %s error = %s\n", sub.op.Name(), err)
		return
	}
	glog.V(2).Infof("[s]subscribe %s %s->\n", sub.op.Name(), channelId)
}

func (self *streamConnection) lookup(channelId string) *Subscription {
	id, err := ParseId(channelId)
	if err != nil {
		glog.V(2).Infof("[s]unknown id %s<- = %s\n", self.endpoint, err)
		return nil
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.byChannelId[id]
}

func (self *streamConnection) write(ws *websocket.Conn, message *wsMessage) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, messageBytes)
}

func (self *streamConnection) run() {
	defer func() {
		self.cancel()
		self.mutex.Lock()
		self.state = ConnectionClosed
		self.mutex.Unlock()
		close(self.done)
	}()

	reconnect := NewReconnect(self.settings.Reconnect)

	for {
		self.mutex.Lock()
		self.state = ConnectionConnecting
		self.mutex.Unlock()

		credential := self.manager.credential()

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[s]connect %s", self.endpoint), func() (*websocket.Conn, error) {
				return self.connect(credential)
			})
		} else {
			ws, err = self.connect(credential)
		}
		if self.ctx.Err() != nil {
			if ws != nil {
				ws.Close()
			}
			return
		}
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				self.manager.metrics.RecordStreamConnect("unauthorized")
				self.failUnauthorized(credential, err)
				return
			}
			self.manager.metrics.RecordStreamConnect("error")
			glog.Infof("[s]connect %s error = %s\n", self.endpoint, err)
			if reconnect.Exhausted() {
				self.fail(err)
				return
			}
			self.interrupt(err)
			if !self.waitReconnect(reconnect) {
				return
			}
			continue
		}

		self.manager.metrics.RecordStreamConnect("ok")
		reconnect.Reset()

		var reset bool
		if glog.V(2) {
			Trace(fmt.Sprintf("[s]connect run %s", self.endpoint), func() {
				reset, err = self.serve(ws, credential)
			})
		} else {
			reset, err = self.serve(ws, credential)
		}
		if self.ctx.Err() != nil {
			return
		}
		if reset {
			self.log("reset")
			continue
		}
		if isUnauthorizedClose(err) {
			self.failUnauthorized(credential, err)
			return
		}
		glog.Infof("[s]connection %s lost = %s\n", self.endpoint, err)
		self.interrupt(err)
		if !self.waitReconnect(reconnect) {
			return
		}
	}
}

// returns false if the connection was closed while waiting.
// a reset request skips the remaining delay.
func (self *streamConnection) waitReconnect(reconnect *Reconnect) bool {
	timer := time.NewTimer(reconnect.NextDelay())
	defer timer.Stop()

	select {
	case <-self.ctx.Done():
		return false
	case <-self.reset:
		reconnect.Reset()
		return true
	case <-timer.C:
		return true
	}
}

// dials, sends `connection_init` and waits for `connection_ack`
func (self *streamConnection) connect(credential string) (*websocket.Conn, error) {
	headers := map[string]string{}
	for key, value := range self.settings.Headers {
		headers[key] = value
	}
	if credential != "" {
		headers["Authorization"] = fmt.Sprintf("Bearer %s", credential)
	}

	header := http.Header{}
	for key, value := range headers {
		header.Set(key, value)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
		Subprotocols:     []string{GraphqlWsSubprotocol},
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, r, err := dialer.DialContext(self.ctx, self.endpoint, header)
	if err != nil {
		if r != nil && (r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, r.StatusCode)
		}
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	payload, err := json.Marshal(&wsConnectionInitPayload{
		Headers: headers,
	})
	if err != nil {
		return nil, err
	}
	if err := self.write(ws, &wsMessage{
		Type:    wsMessageConnectionInit,
		Payload: payload,
	}); err != nil {
		return nil, err
	}

	ackDeadline := time.Now().Add(self.settings.AckTimeout)
	for {
		ws.SetReadDeadline(ackDeadline)
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			if isUnauthorizedClose(err) {
				return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err)
			}
			return nil, err
		}
		var message wsMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			return nil, fmt.Errorf("connection init: malformed message: %w", err)
		}
		switch message.Type {
		case wsMessageConnectionAck:
			success = true
			return ws, nil
		case wsMessagePing:
			if err := self.write(ws, &wsMessage{Type: wsMessagePong}); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("connection init: unexpected %s", message.Type)
		}
	}
}

// runs the open connection until it is lost, reset, or closed.
// returns true if it ended because of a reset request.
// `credential` is the credential the connection was opened with.
func (self *streamConnection) serve(ws *websocket.Conn, credential string) (bool, error) {
	defer ws.Close()

	if self.manager.credential() != credential {
		// the credential changed while connecting.
		// reconnect before any subscription is issued with the old credential
		select {
		case <-self.reset:
		default:
		}
		return true, nil
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	var resumed []*Subscription
	var activeCount int
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		self.ws = ws
		self.state = ConnectionOpen
		for _, sub := range self.active {
			self.subscribe(sub)
			if sub.interrupted {
				sub.interrupted = false
				resumed = append(resumed, sub)
			}
		}
		if self.opened {
			self.manager.metrics.RecordStreamReconnect()
		}
		self.opened = true
		activeCount = len(self.active)
	}()
	self.log("open (%d subscriptions)", activeCount)

	defer func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		self.ws = nil
		if self.state == ConnectionOpen {
			self.state = ConnectionConnecting
		}
		for _, sub := range self.active {
			sub.channelId = Id{}
		}
		clear(self.byChannelId)
	}()

	var resetRequested atomic.Bool
	var wg sync.WaitGroup

	wg.Add(1)
	go HandleError(func() {
		defer wg.Done()

		select {
		case <-handleCtx.Done():
		case <-self.reset:
			resetRequested.Store(true)
		}
		// unblock the read
		ws.Close()
	})

	wg.Add(1)
	go HandleError(func() {
		defer wg.Done()
		defer handleCancel()

		ticker := time.NewTicker(self.settings.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-handleCtx.Done():
				return
			case <-ticker.C:
				if err := self.write(ws, &wsMessage{Type: wsMessagePing}); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[s]ping %s error = %s\n", self.endpoint, err)
					return
				}
			}
		}
	}, func() {
		handleCancel()
	})

	for _, sub := range resumed {
		sub.deliver(&StreamEvent{
			Type: StreamEventResumed,
		})
	}

	err := self.read(handleCtx, ws, credential)
	handleCancel()
	wg.Wait()

	return resetRequested.Load(), err
}

func (self *streamConnection) read(handleCtx context.Context, ws *websocket.Conn, credential string) error {
	for {
		if err := handleCtx.Err(); err != nil {
			return err
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, messageBytes, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[s]other=%d %s<-\n", messageType, self.endpoint)
			continue
		}

		var message wsMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			glog.Infof("[s]malformed message %s<- = %s\n", self.endpoint, err)
			continue
		}

		switch message.Type {
		case wsMessagePing:
			if err := self.write(ws, &wsMessage{Type: wsMessagePong}); err != nil {
				return err
			}
		case wsMessagePong, wsMessageConnectionAck:
		case wsMessageNext:
			self.next(&message, credential)
		case wsMessageError:
			if sub := self.lookup(message.Id); sub != nil {
				err := parseWsErrorPayload(message.Payload)
				glog.Infof("[s]error %s %s<- = %s\n", sub.op.Name(), message.Id, err)
				// the server already ended the subscription
				self.failSubscription(sub, credential, err, false)
			}
		case wsMessageComplete:
			if sub := self.lookup(message.Id); sub != nil {
				glog.V(2).Infof("[s]complete %s %s<-\n", sub.op.Name(), message.Id)
				self.manager.remove(sub, false)
				sub.terminate(&StreamEvent{
					Type: StreamEventComplete,
				})
			}
		default:
			glog.V(2).Infof("[s]other=%s %s<-\n", message.Type, self.endpoint)
		}
	}
}

// the result is merged into the store before the event is delivered.
// a result with errors is delivered with `Err` and is not merged.
// a result read after the credential changed is dropped. The connection is about to reset.
func (self *streamConnection) next(message *wsMessage, credential string) {
	sub := self.lookup(message.Id)
	if sub == nil {
		// late result for a removed subscription
		glog.V(2).Infof("[s]drop next %s<-\n", message.Id)
		return
	}
	if self.manager.credential() != credential {
		glog.V(2).Infof("[s]drop next %s %s<- for a previous credential\n", sub.op.Name(), message.Id)
		return
	}
	glog.V(2).Infof("[s]next %s %s<-\n", sub.op.Name(), message.Id)

	event := &StreamEvent{
		Type: StreamEventNext,
	}
	var response graphqlResponse
	if err := json.Unmarshal(message.Payload, &response); err != nil {
		event.Err = &TransportError{
			Message: "malformed result",
			Cause:   err,
		}
	} else if err := graphqlErrorsErr(response.Errors); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			glog.Infof("[s]next %s %s<- = %s\n", sub.op.Name(), message.Id, err)
			self.failSubscription(sub, credential, err, true)
			return
		}
		event.Err = err
	} else if writes, err := sub.op.Normalize(response.Data); err != nil {
		event.Err = &TransportError{
			Message: "malformed result",
			Cause:   err,
		}
	} else {
		_, applied := self.manager.store.ApplyIf(writes, func() bool {
			// cancelled, or the credential changed, since the checks above
			return sub.ctx.Err() == nil && self.manager.credential() == credential
		})
		if !applied {
			glog.V(2).Infof("[s]drop next %s %s<- after cancel\n", sub.op.Name(), message.Id)
			return
		}
		event.Data = response.Data
		event.Entities = make([]EntityKey, 0, len(writes))
		for i := range writes {
			event.Entities = append(event.Entities, writes[i].Key())
		}
	}

	if sub.deliver(event) {
		self.manager.metrics.RecordStreamDelivery(sub.op.Name())
	}
}

// removes `sub` and terminates it with a fatal event.
// a rejected credential is reported, so that the session can sign out.
func (self *streamConnection) failSubscription(sub *Subscription, credential string, cause error, notifyServer bool) {
	self.manager.remove(sub, notifyServer)
	sub.terminate(&StreamEvent{
		Type: StreamEventFatal,
		Err: &StreamError{
			Fatal: true,
			Cause: cause,
		},
	})
	if errors.Is(cause, ErrUnauthorized) {
		self.manager.unauthorized(credential)
	}
}

// each active subscription is told once per outage
func (self *streamConnection) interrupt(cause error) {
	var interrupted []*Subscription
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		for _, sub := range self.active {
			if !sub.interrupted {
				sub.interrupted = true
				interrupted = append(interrupted, sub)
			}
		}
	}()

	for _, sub := range interrupted {
		sub.deliver(&StreamEvent{
			Type: StreamEventInterrupted,
			Err: &StreamError{
				Fatal: false,
				Cause: cause,
			},
		})
	}
}

func (self *streamConnection) fail(cause error) {
	subs := self.manager.removeConnection(self)
	glog.Infof("[s]connection %s failed (%d subscriptions) = %s\n", self.endpoint, len(subs), cause)
	for _, sub := range subs {
		sub.terminate(&StreamEvent{
			Type: StreamEventFatal,
			Err: &StreamError{
				Fatal: true,
				Cause: cause,
			},
		})
	}
}

func (self *streamConnection) failUnauthorized(credential string, cause error) {
	if !errors.Is(cause, ErrUnauthorized) {
		cause = fmt.Errorf("%w: %s", ErrUnauthorized, cause)
	}
	self.fail(cause)
	self.manager.unauthorized(credential)
}
