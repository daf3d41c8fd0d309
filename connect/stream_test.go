package connect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"go.uber.org/goleak"
)


type testCredentials struct {
	mutex      sync.Mutex
	credential string
}

func newTestCredentials(credential string) *testCredentials {
	return &testCredentials{
		credential: credential,
	}
}

func (self *testCredentials) Get() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.credential
}

func (self *testCredentials) Set(credential string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.credential = credential
}

// waits for `n` subscribes and indexes them by `chat_id`
func waitSubscribesByChatId(t *testing.T, fake *fakeHasura, n int) map[string]*fakeSubscribe {
	t.Helper()
	subscribes := map[string]*fakeSubscribe{}
	for range n {
		subscribe := fake.waitSubscribe(t)
		chatId, _ := subscribe.request.Variables["chat_id"].(string)
		subscribes[chatId] = subscribe
	}
	return subscribes
}


func TestStreamNextMergesBeforeDelivery(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credential := testCredential("u1", time.Hour)
	settings := testStreamSettings()
	settings.Headers = map[string]string{
		"x-hasura-role": "user",
	}
	streams := NewStreamManager(
		context.Background(),
		store,
		func() string { return credential },
		settings,
		NewNoopMetrics(),
	)
	defer streams.Close()

	sub, err := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	assert.Equal(t, err, nil)

	conn := fake.waitInit(t)
	assert.Equal(t, conn.credential(), credential)
	assert.Equal(t, conn.initHeaders["x-hasura-role"], "user")

	subscribe := fake.waitSubscribe(t)
	assert.Equal(t, subscribe.request.OperationName, "GetMessages")
	assert.Equal(t, subscribe.request.Query, watchMessagesDocument)
	assert.Equal(t, subscribe.request.Variables, map[string]any{"chat_id": "c1"})
	assert.Equal(t, sub.ChannelId(), subscribe.id)
	assert.Equal(t, streams.ConnectionState(fake.GraphqlWsUrl()), ConnectionOpen)

	// there is no store write before the first result
	assert.Equal(t, store.Count(EntityTypeMessage), 0)

	subscribe.next(messagesData("c1", "m1", "m2"))
	event := receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventNext)
	assert.Equal(t, event.Err, nil)
	assert.Equal(t, event.Entities, []EntityKey{
		{Type: EntityTypeMessage, Id: "m1"},
		{Type: EntityTypeMessage, Id: "m2"},
	})

	// the event is only delivered after the merge
	entity, ok := store.Get(EntityTypeMessage, "m1")
	assert.Equal(t, ok, true)
	message := MessageFromEntity(entity)
	assert.Equal(t, message.ChatId, "c1")
	assert.Equal(t, message.Content, "message 0")
	assert.Equal(t, store.Count(EntityTypeMessage), 2)
}

func TestStreamOneConnectionPerEndpoint(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	streams := NewStreamManager(context.Background(), store, credentials.Get, testStreamSettings(), NewNoopMetrics())
	defer streams.Close()

	sub1, err := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	assert.Equal(t, err, nil)
	sub2, err := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c2"}))
	assert.Equal(t, err, nil)

	fake.waitInit(t)
	subscribes := waitSubscribesByChatId(t, fake, 2)
	assert.NotEqual(t, subscribes["c1"].id, subscribes["c2"].id)
	assert.Equal(t, subscribes["c1"].conn, subscribes["c2"].conn)
	assert.Equal(t, fake.ConnectCount(), 1)
	assert.Equal(t, streams.SubscriptionCount(), 2)

	// results are routed by channel id
	subscribes["c2"].next(messagesData("c2", "m1"))
	event := receiveEvent(t, sub2)
	assert.Equal(t, event.Type, StreamEventNext)
	assertNoEvent(t, sub1, 100*time.Millisecond)

	subscribes["c1"].next(messagesData("c1", "m2"))
	event = receiveEvent(t, sub1)
	assert.Equal(t, event.Entities, []EntityKey{{Type: EntityTypeMessage, Id: "m2"}})
}

func TestStreamCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	streams := NewStreamManager(context.Background(), store, credentials.Get, testStreamSettings(), NewNoopMetrics())
	defer streams.Close()

	endpoint := fake.GraphqlWsUrl()
	sub1, _ := streams.Subscribe(endpoint, RequireOperation(&WatchMessages{ChatId: "c1"}))
	sub2, _ := streams.Subscribe(endpoint, RequireOperation(&WatchMessages{ChatId: "c2"}))

	fake.waitInit(t)
	subscribes := waitSubscribesByChatId(t, fake, 2)

	sub1.Cancel()
	assert.Equal(t, fake.waitComplete(t), subscribes["c1"].id)
	assertEventsClosed(t, sub1)
	assert.Equal(t, sub1.Err(), nil)
	assert.Equal(t, sub1.ChannelId(), "")
	// the connection stays up for the remaining subscription
	assert.Equal(t, streams.ConnectionState(endpoint), ConnectionOpen)
	assert.Equal(t, streams.SubscriptionCount(), 1)

	// cancel is idempotent
	sub1.Cancel()

	// a late result for the cancelled subscription is dropped
	subscribes["c1"].next(messagesData("c1", "m1"))
	subscribes["c2"].next(messagesData("c2", "m2"))
	event := receiveEvent(t, sub2)
	assert.Equal(t, event.Entities, []EntityKey{{Type: EntityTypeMessage, Id: "m2"}})
	_, ok := store.Get(EntityTypeMessage, "m1")
	assert.Equal(t, ok, false)

	// the last cancel closes the connection
	sub2.Cancel()
	assert.Equal(t, fake.waitComplete(t), subscribes["c2"].id)
	assert.Equal(t, streams.ConnectionState(endpoint), ConnectionClosed)
	assert.Equal(t, streams.SubscriptionCount(), 0)
	assertEventsClosed(t, sub2)
}

func TestStreamReconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credential1 := testCredential("u1", time.Hour)
	credential2 := testCredential("u1", time.Hour)
	credentials := newTestCredentials(credential1)
	streams := NewStreamManager(context.Background(), store, credentials.Get, testStreamSettings(), NewNoopMetrics())
	defer streams.Close()

	sub1, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	sub2, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c2"}))
	conn1 := fake.waitInit(t)
	assert.Equal(t, conn1.credential(), credential1)
	subscribes1 := waitSubscribesByChatId(t, fake, 2)

	// every attempt uses the credential current at that time
	credentials.Set(credential2)
	fake.dropAll()

	for _, sub := range []*Subscription{sub1, sub2} {
		event := receiveEvent(t, sub)
		assert.Equal(t, event.Type, StreamEventInterrupted)
		assert.Equal(t, IsStreamInterrupted(event.Err), true)
		assert.Equal(t, IsStreamFatal(event.Err), false)
	}

	// both subscriptions are re-issued on the one new connection
	conn2 := fake.waitInit(t)
	assert.Equal(t, conn2.credential(), credential2)
	subscribes2 := waitSubscribesByChatId(t, fake, 2)
	assert.Equal(t, subscribes2["c1"].conn == conn2, true)
	assert.Equal(t, subscribes2["c2"].conn == conn2, true)
	for _, chatId := range []string{"c1", "c2"} {
		assert.NotEqual(t, subscribes2[chatId].id, subscribes1[chatId].id)
		assert.Equal(t, subscribes2[chatId].request.Variables, map[string]any{"chat_id": chatId})
	}

	event := receiveEvent(t, sub1)
	assert.Equal(t, event.Type, StreamEventResumed)
	assert.Equal(t, sub1.ChannelId(), subscribes2["c1"].id)
	event = receiveEvent(t, sub2)
	assert.Equal(t, event.Type, StreamEventResumed)
	assert.Equal(t, sub2.ChannelId(), subscribes2["c2"].id)

	// both keep merging
	subscribes2["c1"].next(messagesData("c1", "m1"))
	event = receiveEvent(t, sub1)
	assert.Equal(t, event.Type, StreamEventNext)
	assert.Equal(t, event.Entities, []EntityKey{{Type: EntityTypeMessage, Id: "m1"}})

	subscribes2["c2"].next(messagesData("c2", "m2"))
	event = receiveEvent(t, sub2)
	assert.Equal(t, event.Type, StreamEventNext)
	assert.Equal(t, event.Entities, []EntityKey{{Type: EntityTypeMessage, Id: "m2"}})

	assert.Equal(t, store.Count(EntityTypeMessage), 2)
	assert.Equal(t, streams.SubscriptionCount(), 2)
	assert.Equal(t, fake.ConnectCount(), 2)
}

func TestStreamFatalAfterMaxAttempts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	settings := testStreamSettings()
	streams := NewStreamManager(context.Background(), store, credentials.Get, settings, NewNoopMetrics())
	defer streams.Close()

	endpoint := fake.GraphqlWsUrl()
	sub, _ := streams.Subscribe(endpoint, RequireOperation(&WatchMessages{ChatId: "c1"}))
	fake.waitInit(t)
	fake.waitSubscribe(t)

	fake.setUnavailable(true)
	fake.dropAll()

	// one interrupted per outage, however many attempts fail
	event := receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventInterrupted)

	event = receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventFatal)
	assert.Equal(t, IsStreamFatal(event.Err), true)
	assert.Equal(t, errors.Is(event.Err, ErrUnauthorized), false)
	assertEventsClosed(t, sub)
	assert.NotEqual(t, sub.Err(), nil)

	// the subscription was auto-cancelled
	assert.Equal(t, streams.SubscriptionCount(), 0)
	assert.Equal(t, streams.ConnectionState(endpoint), ConnectionClosed)
	assert.Equal(t, fake.ConnectCount(), 1+settings.Reconnect.MaxAttempts)
}

func TestStreamUnauthorizedInit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	credential := testCredential("u1", time.Hour)
	fake.reject(credential)

	store := NewEntityStore()
	streams := NewStreamManager(
		context.Background(),
		store,
		func() string { return credential },
		testStreamSettings(),
		NewNoopMetrics(),
	)
	defer streams.Close()

	rejected := make(chan string, 1)
	unsub := streams.AddUnauthorizedCallback(func(credential string) {
		rejected <- credential
	})
	defer unsub()

	sub, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))

	event := receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventFatal)
	assert.Equal(t, IsStreamFatal(event.Err), true)
	assert.Equal(t, errors.Is(event.Err, ErrUnauthorized), true)
	assertEventsClosed(t, sub)

	select {
	case c := <-rejected:
		assert.Equal(t, c, credential)
	case <-time.After(testTimeout):
		t.Fatalf("unauthorized callback not called")
	}

	// never retried with the same credential
	assert.Equal(t, fake.ConnectCount(), 1)
}

func TestStreamUnauthorizedClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	credential := testCredential("u1", time.Hour)
	store := NewEntityStore()
	streams := NewStreamManager(
		context.Background(),
		store,
		func() string { return credential },
		testStreamSettings(),
		NewNoopMetrics(),
	)
	defer streams.Close()

	rejected := make(chan string, 1)
	unsub := streams.AddUnauthorizedCallback(func(credential string) {
		rejected <- credential
	})
	defer unsub()

	sub, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	fake.waitInit(t)
	fake.waitSubscribe(t)

	fake.closeAll(wsCloseForbidden, "Forbidden")

	event := receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventFatal)
	assert.Equal(t, errors.Is(event.Err, ErrUnauthorized), true)

	select {
	case c := <-rejected:
		assert.Equal(t, c, credential)
	case <-time.After(testTimeout):
		t.Fatalf("unauthorized callback not called")
	}
	assert.Equal(t, fake.ConnectCount(), 1)
}

func TestStreamServerCompleteAndError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	streams := NewStreamManager(context.Background(), store, credentials.Get, testStreamSettings(), NewNoopMetrics())
	defer streams.Close()

	endpoint := fake.GraphqlWsUrl()
	sub1, _ := streams.Subscribe(endpoint, RequireOperation(&WatchMessages{ChatId: "c1"}))
	sub2, _ := streams.Subscribe(endpoint, RequireOperation(&WatchMessages{ChatId: "c2"}))
	fake.waitInit(t)
	subscribes := waitSubscribesByChatId(t, fake, 2)

	subscribes["c1"].complete()
	event := receiveEvent(t, sub1)
	assert.Equal(t, event.Type, StreamEventComplete)
	assert.Equal(t, event.Err, nil)
	assertEventsClosed(t, sub1)
	assert.Equal(t, streams.SubscriptionCount(), 1)

	subscribes["c2"].fail("field not found", graphqlCodeValidationFailed)
	event = receiveEvent(t, sub2)
	assert.Equal(t, event.Type, StreamEventFatal)
	assert.Equal(t, IsStreamFatal(event.Err), true)
	var transportErr *TransportError
	assert.Equal(t, errors.As(event.Err, &transportErr), true)
	assert.Equal(t, transportErr.Code, graphqlCodeValidationFailed)
	assertEventsClosed(t, sub2)

	assert.Equal(t, streams.SubscriptionCount(), 0)
	assert.Equal(t, streams.ConnectionState(endpoint), ConnectionClosed)
}

func TestStreamNextWithErrors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	streams := NewStreamManager(context.Background(), store, credentials.Get, testStreamSettings(), NewNoopMetrics())
	defer streams.Close()

	sub, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	fake.waitInit(t)
	subscribe := fake.waitSubscribe(t)

	subscribe.nextErrors("database query error", graphqlCodeUnexpected)
	event := receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventNext)
	assert.NotEqual(t, event.Err, nil)
	assert.Equal(t, IsRetryable(event.Err), true)
	assert.Equal(t, len(event.Entities), 0)

	// malformed result
	subscribe.next(`{"chats":[]}`)
	event = receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventNext)
	assert.NotEqual(t, event.Err, nil)

	// neither was merged, and the subscription is still active
	assert.Equal(t, store.Revision(), uint64(0))
	assert.Equal(t, streams.SubscriptionCount(), 1)

	subscribe.next(messagesData("c1", "m1"))
	event = receiveEvent(t, sub)
	assert.Equal(t, event.Err, nil)
	assert.Equal(t, store.Count(EntityTypeMessage), 1)
}

func TestStreamResetWithNewCredential(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credential1 := testCredential("u1", time.Hour)
	credential2 := testCredential("u1", time.Hour)
	credentials := newTestCredentials(credential1)
	streams := NewStreamManager(context.Background(), store, credentials.Get, testStreamSettings(), NewNoopMetrics())
	defer streams.Close()

	sub, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	conn1 := fake.waitInit(t)
	assert.Equal(t, conn1.credential(), credential1)
	fake.waitSubscribe(t)

	credentials.Set(credential2)
	streams.Reset(nil)

	conn2 := fake.waitInit(t)
	assert.Equal(t, conn2.credential(), credential2)
	subscribe2 := fake.waitSubscribe(t)

	// a reset is not an outage
	subscribe2.next(messagesData("c1", "m1"))
	event := receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventNext)
	assert.Equal(t, fake.ConnectCount(), 2)
}

func TestStreamResetDenied(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	streams := NewStreamManager(context.Background(), store, credentials.Get, testStreamSettings(), NewNoopMetrics())
	defer streams.Close()

	endpoint := fake.GraphqlWsUrl()
	sub, _ := streams.Subscribe(endpoint, RequireOperation(&WatchMessages{ChatId: "c1"}))
	fake.waitInit(t)
	subscribe := fake.waitSubscribe(t)

	streams.Reset(func(op *Operation) error {
		return fmt.Errorf("%w: signed out", ErrUnauthorized)
	})

	event := receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventFatal)
	assert.Equal(t, errors.Is(event.Err, ErrUnauthorized), true)
	assertEventsClosed(t, sub)

	assert.Equal(t, fake.waitComplete(t), subscribe.id)
	assert.Equal(t, streams.SubscriptionCount(), 0)
	assert.Equal(t, streams.ConnectionState(endpoint), ConnectionClosed)
}

func TestStreamPing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	streams := NewStreamManager(context.Background(), store, credentials.Get, testStreamSettings(), NewNoopMetrics())
	defer streams.Close()

	streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	conn := fake.waitInit(t)
	fake.waitSubscribe(t)

	conn.send(&wsMessage{Type: wsMessagePing})
	select {
	case <-fake.pongs:
	case <-time.After(testTimeout):
		t.Fatalf("ping not answered")
	}
}

func TestStreamBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	settings := testStreamSettings()
	settings.EventBufferSize = 1
	streams := NewStreamManager(context.Background(), store, credentials.Get, settings, NewNoopMetrics())
	defer streams.Close()

	sub, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	fake.waitInit(t)
	subscribe := fake.waitSubscribe(t)

	subscribe.next(messagesData("c1", "m1"))
	subscribe.next(messagesData("c1", "m1", "m2"))
	subscribe.next(messagesData("c1", "m1", "m2", "m3"))

	// a slow consumer sees every result, in order
	for i := range 3 {
		time.Sleep(50 * time.Millisecond)
		event := receiveEvent(t, sub)
		assert.Equal(t, event.Type, StreamEventNext)
		assert.Equal(t, len(event.Entities), i+1)
	}
}

func TestStreamCancelUnblocksDelivery(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	settings := testStreamSettings()
	settings.EventBufferSize = 1
	streams := NewStreamManager(context.Background(), store, credentials.Get, settings, NewNoopMetrics())
	defer streams.Close()

	sub, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	fake.waitInit(t)
	subscribe := fake.waitSubscribe(t)

	for range 4 {
		subscribe.next(messagesData("c1", "m1"))
	}
	// the read loop is blocked on the full buffer
	time.Sleep(100 * time.Millisecond)

	cancelled := make(chan struct{})
	go func() {
		defer close(cancelled)
		sub.Cancel()
	}()
	select {
	case <-cancelled:
	case <-time.After(testTimeout):
		t.Fatalf("cancel blocked")
	}
	// no events after cancel returns
	assertEventsClosed(t, sub)
}

func TestStreamClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	streams := NewStreamManager(context.Background(), store, credentials.Get, testStreamSettings(), NewNoopMetrics())

	sub1, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	sub2, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c2"}))
	fake.waitInit(t)
	waitSubscribesByChatId(t, fake, 2)

	streams.Close()
	assertEventsClosed(t, sub1)
	assertEventsClosed(t, sub2)
	assert.Equal(t, streams.SubscriptionCount(), 0)

	_, err := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	assert.Equal(t, errors.Is(err, ErrClosed), true)

	// close is idempotent
	streams.Close()
}

func TestStreamClosedWhileConnecting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()
	fake.setUnavailable(true)

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	settings := testStreamSettings()
	// never give up
	settings.Reconnect.MaxAttempts = 0
	streams := NewStreamManager(context.Background(), store, credentials.Get, settings, NewNoopMetrics())

	sub, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	event := receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventInterrupted)

	streams.Close()
	assertEventsClosed(t, sub)
}

func TestStreamSubscribeRejectsRequest(t *testing.T) {
	store := NewEntityStore()
	streams := NewStreamManagerWithDefaults(context.Background(), store, func() string { return "" })
	defer streams.Close()

	_, err := streams.Subscribe("ws://127.0.0.1:1/v1/graphql", RequireOperation(&GetChats{UserId: "u1"}))
	assert.Equal(t, errors.Is(err, ErrInvalidOperation), true)
	assert.Equal(t, streams.SubscriptionCount(), 0)
}

func TestStreamDropsResultForPreviousCredential(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credential1 := testCredential("u1", time.Hour)
	credential2 := testCredential("u2", time.Hour)
	credentials := newTestCredentials(credential1)
	streams := NewStreamManager(context.Background(), store, credentials.Get, testStreamSettings(), NewNoopMetrics())
	defer streams.Close()

	sub, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	fake.waitInit(t)
	subscribe1 := fake.waitSubscribe(t)

	// the credential changed but the reset has not reached the connection yet
	credentials.Set(credential2)
	subscribe1.next(messagesData("c1", "m1"))

	assertNoEvent(t, sub, 100*time.Millisecond)
	assert.Equal(t, store.Count(EntityTypeMessage), 0)
	assert.Equal(t, store.Revision(), uint64(0))

	streams.Reset(nil)

	conn2 := fake.waitInit(t)
	assert.Equal(t, conn2.credential(), credential2)
	subscribe2 := fake.waitSubscribe(t)
	subscribe2.next(messagesData("c1", "m2"))

	event := receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventNext)
	assert.Equal(t, event.Entities, []EntityKey{{Type: EntityTypeMessage, Id: "m2"}})
	_, ok := store.Get(EntityTypeMessage, "m1")
	assert.Equal(t, ok, false)
}

func TestStreamSubscriptionRejected(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	credential := testCredential("u1", time.Hour)
	store := NewEntityStore()
	streams := NewStreamManager(
		context.Background(),
		store,
		func() string { return credential },
		testStreamSettings(),
		NewNoopMetrics(),
	)
	defer streams.Close()

	rejected := make(chan string, 2)
	unsub := streams.AddUnauthorizedCallback(func(credential string) {
		rejected <- credential
	})
	defer unsub()

	waitRejected := func() {
		t.Helper()
		select {
		case c := <-rejected:
			assert.Equal(t, c, credential)
		case <-time.After(testTimeout):
			t.Fatalf("unauthorized callback not called")
		}
	}

	endpoint := fake.GraphqlWsUrl()
	sub1, _ := streams.Subscribe(endpoint, RequireOperation(&WatchMessages{ChatId: "c1"}))
	sub2, _ := streams.Subscribe(endpoint, RequireOperation(&WatchMessages{ChatId: "c2"}))
	fake.waitInit(t)
	subscribes := waitSubscribesByChatId(t, fake, 2)

	// an `error` message
	subscribes["c1"].fail("Could not verify JWT: JWTExpired", graphqlCodeInvalidJwt)
	event := receiveEvent(t, sub1)
	assert.Equal(t, event.Type, StreamEventFatal)
	assert.Equal(t, IsStreamFatal(event.Err), true)
	assert.Equal(t, errors.Is(event.Err, ErrUnauthorized), true)
	assertEventsClosed(t, sub1)
	waitRejected()

	// a `next` carrying an unauthorized error is fatal too
	subscribes["c2"].nextErrors("access denied", graphqlCodeAccessDenied)
	event = receiveEvent(t, sub2)
	assert.Equal(t, event.Type, StreamEventFatal)
	assert.Equal(t, errors.Is(event.Err, ErrUnauthorized), true)
	assertEventsClosed(t, sub2)
	waitRejected()
	// the server still had the subscription
	assert.Equal(t, fake.waitComplete(t), subscribes["c2"].id)

	assert.Equal(t, streams.SubscriptionCount(), 0)
	assert.Equal(t, store.Revision(), uint64(0))
}

func TestStreamRunPanicDetachesConnection(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credential := testCredential("u1", time.Hour)
	var calls atomic.Int32
	streams := NewStreamManager(
		context.Background(),
		store,
		func() string {
			if calls.Add(1) == 1 {
				panic("credential source failed")
			}
			return credential
		},
		testStreamSettings(),
		NewNoopMetrics(),
	)
	defer streams.Close()

	endpoint := fake.GraphqlWsUrl()
	sub1, _ := streams.Subscribe(endpoint, RequireOperation(&WatchMessages{ChatId: "c1"}))
	event := receiveEvent(t, sub1)
	assert.Equal(t, event.Type, StreamEventFatal)
	assert.Equal(t, IsStreamFatal(event.Err), true)
	assertEventsClosed(t, sub1)
	assert.Equal(t, streams.SubscriptionCount(), 0)
	assert.Equal(t, streams.ConnectionState(endpoint), ConnectionClosed)

	// a later subscribe opens a new connection
	sub2, err := streams.Subscribe(endpoint, RequireOperation(&WatchMessages{ChatId: "c1"}))
	assert.Equal(t, err, nil)
	conn := fake.waitInit(t)
	assert.Equal(t, conn.credential(), credential)
	subscribe := fake.waitSubscribe(t)
	subscribe.next(messagesData("c1", "m1"))
	event = receiveEvent(t, sub2)
	assert.Equal(t, event.Type, StreamEventNext)
}

func TestStreamTerminalEventWithFullBuffer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fake := newFakeHasura()
	defer fake.Close()

	store := NewEntityStore()
	credentials := newTestCredentials(testCredential("u1", time.Hour))
	settings := testStreamSettings()
	settings.EventBufferSize = 1
	streams := NewStreamManager(context.Background(), store, credentials.Get, settings, NewNoopMetrics())
	defer streams.Close()

	sub, _ := streams.Subscribe(fake.GraphqlWsUrl(), RequireOperation(&WatchMessages{ChatId: "c1"}))
	fake.waitInit(t)
	subscribe := fake.waitSubscribe(t)

	for range 3 {
		subscribe.next(messagesData("c1", "m1"))
	}
	// the consumer is not reading. The read loop is blocked on the full buffer.
	time.Sleep(100 * time.Millisecond)

	streams.Reset(func(op *Operation) error {
		return ErrUnauthorized
	})

	// the terminal event takes the place of the undelivered events
	// and the channel closes while the manager is still open
	event := receiveEvent(t, sub)
	assert.Equal(t, event.Type, StreamEventFatal)
	assert.Equal(t, errors.Is(event.Err, ErrUnauthorized), true)
	assertEventsClosed(t, sub)
	assert.Equal(t, errors.Is(sub.Err(), ErrUnauthorized), true)
}
