package connect

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// a fake hasura endpoint for tests.
// graphql over http and graphql-transport-ws share one url, like hasura.


const testJwtSecret = "chatconnect-test-secret"

const testTimeout = 5 * time.Second

// `expiresIn` 0 means no `exp` claim
func testCredential(userId string, expiresIn time.Duration) string {
	claims := gojwt.MapClaims{
		"sub": userId,
		"iat": time.Now().Unix(),
		// unique per call
		"jti": NewId().String(),
		hasuraClaimsNamespace: map[string]any{
			"x-hasura-user-id":       userId,
			"x-hasura-default-role":  "user",
			"x-hasura-allowed-roles": []string{"user", "me"},
		},
	}
	if expiresIn != 0 {
		claims["exp"] = time.Now().Add(expiresIn).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	credential, err := token.SignedString([]byte(testJwtSecret))
	if err != nil {
		panic(err)
	}
	return credential
}


type fakeWsConn struct {
	ws          *websocket.Conn
	writeMutex  sync.Mutex
	initHeaders map[string]string
}

func (self *fakeWsConn) send(message *wsMessage) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(testTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, messageBytes)
}

func (self *fakeWsConn) closeWith(code int, text string) {
	self.writeMutex.Lock()
	self.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(time.Second),
	)
	self.writeMutex.Unlock()
	self.ws.Close()
}

func (self *fakeWsConn) credential() string {
	return strings.TrimPrefix(self.initHeaders["Authorization"], "Bearer ")
}


type fakeSubscribe struct {
	conn    *fakeWsConn
	id      string
	request graphqlRequest
}

func (self *fakeSubscribe) next(data string) {
	self.conn.send(&wsMessage{
		Id:      self.id,
		Type:    wsMessageNext,
		Payload: json.RawMessage(fmt.Sprintf(`{"data":%s}`, data)),
	})
}

func (self *fakeSubscribe) nextErrors(message string, code string) {
	self.conn.send(&wsMessage{
		Id:      self.id,
		Type:    wsMessageNext,
		Payload: json.RawMessage(fmt.Sprintf(`{"errors":[{"message":%q,"extensions":{"code":%q}}]}`, message, code)),
	})
}

func (self *fakeSubscribe) fail(message string, code string) {
	self.conn.send(&wsMessage{
		Id:      self.id,
		Type:    wsMessageError,
		Payload: json.RawMessage(fmt.Sprintf(`[{"message":%q,"extensions":{"code":%q}}]`, message, code)),
	})
}

func (self *fakeSubscribe) complete() {
	self.conn.send(&wsMessage{
		Id:   self.id,
		Type: wsMessageComplete,
	})
}


type fakeHttpHandler = func(r *http.Request, request *graphqlRequest) (int, any)

type fakeHasura struct {
	server *httptest.Server

	mutex        sync.Mutex
	conns        []*fakeWsConn
	connectCount int
	httpCount    int
	// credentials closed with 4401 at `connection_init`
	rejected map[string]bool
	// upgrade requests fail with 503 while set
	unavailable bool
	httpHandler fakeHttpHandler

	inits      chan *fakeWsConn
	subscribes chan *fakeSubscribe
	completes  chan string
	pongs      chan struct{}
}

func newFakeHasura() *fakeHasura {
	fake := &fakeHasura{
		rejected:   map[string]bool{},
		inits:      make(chan *fakeWsConn, 64),
		subscribes: make(chan *fakeSubscribe, 64),
		completes:  make(chan string, 64),
		pongs:      make(chan struct{}, 64),
	}
	fake.server = httptest.NewServer(fake)
	return fake
}

func (self *fakeHasura) GraphqlUrl() string {
	return fmt.Sprintf("%s/v1/graphql", self.server.URL)
}

func (self *fakeHasura) GraphqlWsUrl() string {
	return fmt.Sprintf("ws%s/v1/graphql", strings.TrimPrefix(self.server.URL, "http"))
}

func (self *fakeHasura) Close() {
	self.dropAll()
	self.server.Close()
}

func (self *fakeHasura) setHttpHandler(httpHandler fakeHttpHandler) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.httpHandler = httpHandler
}

func (self *fakeHasura) setUnavailable(unavailable bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.unavailable = unavailable
}

func (self *fakeHasura) reject(credential string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.rejected[credential] = true
}

func (self *fakeHasura) ConnectCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connectCount
}

func (self *fakeHasura) HttpCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.httpCount
}

// abrupt loss of every open connection
func (self *fakeHasura) dropAll() {
	self.mutex.Lock()
	conns := self.conns
	self.conns = nil
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.ws.UnderlyingConn().Close()
	}
}

func (self *fakeHasura) closeAll(code int, text string) {
	self.mutex.Lock()
	conns := self.conns
	self.conns = nil
	self.mutex.Unlock()

	for _, conn := range conns {
		conn.closeWith(code, text)
	}
}

func (self *fakeHasura) waitInit(t *testing.T) *fakeWsConn {
	t.Helper()
	select {
	case conn := <-self.inits:
		return conn
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for connection_init")
		return nil
	}
}

func (self *fakeHasura) waitSubscribe(t *testing.T) *fakeSubscribe {
	t.Helper()
	select {
	case subscribe := <-self.subscribes:
		return subscribe
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for subscribe")
		return nil
	}
}

func (self *fakeHasura) waitComplete(t *testing.T) string {
	t.Helper()
	select {
	case id := <-self.completes:
		return id
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for complete")
		return ""
	}
}

func (self *fakeHasura) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		self.serveWs(w, r)
		return
	}

	self.mutex.Lock()
	self.httpCount += 1
	httpHandler := self.httpHandler
	self.mutex.Unlock()

	var request graphqlRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if httpHandler == nil {
		http.Error(w, "no handler", http.StatusNotFound)
		return
	}
	statusCode, body := httpHandler(r, &request)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	switch v := body.(type) {
	case string:
		w.Write([]byte(v))
	default:
		json.NewEncoder(w).Encode(v)
	}
}

func (self *fakeHasura) serveWs(w http.ResponseWriter, r *http.Request) {
	self.mutex.Lock()
	self.connectCount += 1
	unavailable := self.unavailable
	self.mutex.Unlock()

	if unavailable {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{GraphqlWsSubprotocol},
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	conn := &fakeWsConn{
		ws: ws,
	}

	ws.SetReadDeadline(time.Now().Add(testTimeout))
	_, initBytes, err := ws.ReadMessage()
	if err != nil {
		return
	}
	var init wsMessage
	if err := json.Unmarshal(initBytes, &init); err != nil || init.Type != wsMessageConnectionInit {
		conn.closeWith(wsCloseBadRequest, "expected connection_init")
		return
	}
	var initPayload wsConnectionInitPayload
	json.Unmarshal(init.Payload, &initPayload)
	conn.initHeaders = initPayload.Headers

	self.mutex.Lock()
	rejected := self.rejected[conn.credential()]
	if !rejected {
		self.conns = append(self.conns, conn)
	}
	self.mutex.Unlock()

	if rejected {
		conn.closeWith(wsCloseUnauthorized, "Unauthorized")
		return
	}
	if err := conn.send(&wsMessage{Type: wsMessageConnectionAck}); err != nil {
		return
	}
	self.inits <- conn

	ws.SetReadDeadline(time.Time{})
	for {
		_, messageBytes, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var message wsMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			continue
		}
		switch message.Type {
		case wsMessageSubscribe:
			var request graphqlRequest
			json.Unmarshal(message.Payload, &request)
			self.subscribes <- &fakeSubscribe{
				conn:    conn,
				id:      message.Id,
				request: request,
			}
		case wsMessageComplete:
			self.completes <- message.Id
		case wsMessagePing:
			conn.send(&wsMessage{Type: wsMessagePong})
		case wsMessagePong:
			self.pongs <- struct{}{}
		}
	}
}


// test stream settings that reconnect quickly
func testStreamSettings() *StreamSettings {
	settings := DefaultStreamSettings()
	settings.Reconnect = &ReconnectSettings{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		Jitter:       0,
		MaxAttempts:  3,
	}
	return settings
}

func receiveEvent(t *testing.T, sub *Subscription) *StreamEvent {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatalf("events closed")
		}
		return event
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, sub *Subscription, timeout time.Duration) {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %s", event.Type)
		}
	case <-time.After(timeout):
	}
}

func assertEventsClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %s", event.Type)
		}
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for events to close")
	}
}

func messagesData(chatId string, messageIds ...string) string {
	messages := []map[string]any{}
	for i, messageId := range messageIds {
		messages = append(messages, map[string]any{
			"id":         messageId,
			"chat_id":    chatId,
			"content":    fmt.Sprintf("message %d", i),
			"role":       MessageRoleUser,
			"created_at": fmt.Sprintf("2024-01-01T00:00:%02dZ", i),
		})
	}
	data, _ := json.Marshal(map[string]any{
		"messages": messages,
	})
	return string(data)
}
