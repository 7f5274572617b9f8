package signal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"streamgate/internal/core/domain"
	"streamgate/internal/core/ports"
	"streamgate/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKey = domain.StreamKey("0123456789abcdef0123")

// mockController mocks the relay half of the controller; the embedded
// interface panics if anything else is called.
type mockController struct {
	mock.Mock
	ports.SessionController
}

func (m *mockController) Subscribe(ctx context.Context, key domain.StreamKey, offer webrtc.SessionDescription) (*ports.RelayAttachment, error) {
	args := m.Called(ctx, key, offer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.RelayAttachment), args.Error(1)
}

func (m *mockController) Unsubscribe(ctx context.Context, key domain.StreamKey, sub domain.SubscriberID) error {
	return m.Called(ctx, key, sub).Error(0)
}

func (m *mockController) GetStatus(ctx context.Context, key domain.StreamKey) (*domain.SessionStatus, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionStatus), args.Error(1)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Signal.PingInterval = 50 * time.Millisecond
	cfg.Signal.PongTimeout = 5 * time.Second
	return cfg
}

func startServer(t *testing.T, controller ports.SessionController, cfg *config.Config) (*WebSocketServer, string) {
	t.Helper()
	server := NewWebSocketServer(controller, cfg, zap.NewNop().Sugar())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		ts.Close()
	})
	return server, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func offer() *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\n"}
}

func matchOffer(sdp webrtc.SessionDescription) bool {
	return sdp.Type == webrtc.SDPTypeOffer && sdp.SDP == offer().SDP
}

func TestCreateAndDisconnect(t *testing.T) {
	controller := new(mockController)
	done := make(chan struct{})
	controller.On("Subscribe", mock.Anything, testKey, mock.MatchedBy(matchOffer)).Return(&ports.RelayAttachment{
		SubscriberID: "sub-1",
		Answer:       webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
		Done:         done,
	}, nil)

	unsubscribed := make(chan domain.SubscriberID, 1)
	controller.On("Unsubscribe", mock.Anything, testKey, domain.SubscriberID("sub-1")).
		Run(func(args mock.Arguments) { unsubscribed <- args.Get(2).(domain.SubscriberID) }).
		Return(nil)

	_, url := startServer(t, controller, testConfig())
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(Message{Action: ActionCreate, StreamKey: testKey, Offer: offer()}))
	msg := readMessage(t, conn)
	assert.Equal(t, ActionCreated, msg.Action)
	assert.Equal(t, testKey, msg.StreamKey)
	assert.Equal(t, domain.SubscriberID("sub-1"), msg.SubscriberID)
	require.NotNil(t, msg.Answer)
	assert.Equal(t, webrtc.SDPTypeAnswer, msg.Answer.Type)
	assert.Equal(t, "v=0 answer", msg.Answer.SDP)

	require.NoError(t, conn.WriteJSON(Message{Action: ActionDisconnect, StreamKey: testKey}))
	select {
	case sub := <-unsubscribed:
		assert.Equal(t, domain.SubscriberID("sub-1"), sub)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not detached")
	}
}

func TestConnectionCloseDetachesAll(t *testing.T) {
	controller := new(mockController)
	other := domain.StreamKey("ffffffffffffffffffff")
	for key, sub := range map[domain.StreamKey]domain.SubscriberID{testKey: "sub-1", other: "sub-2"} {
		controller.On("Subscribe", mock.Anything, key, mock.Anything).Return(&ports.RelayAttachment{
			SubscriberID: sub,
			Answer:       webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
			Done:         make(chan struct{}),
		}, nil)
	}
	unsubscribed := make(chan domain.SubscriberID, 2)
	controller.On("Unsubscribe", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { unsubscribed <- args.Get(2).(domain.SubscriberID) }).
		Return(nil)

	server, url := startServer(t, controller, testConfig())
	conn := dial(t, url)

	for _, key := range []domain.StreamKey{testKey, other} {
		require.NoError(t, conn.WriteJSON(Message{Action: ActionCreate, StreamKey: key, Offer: offer()}))
		assert.Equal(t, ActionCreated, readMessage(t, conn).Action)
	}
	require.Eventually(t, func() bool { return server.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	var got []domain.SubscriberID
	for range 2 {
		select {
		case sub := <-unsubscribed:
			got = append(got, sub)
		case <-time.After(2 * time.Second):
			t.Fatal("subscribers were not detached on close")
		}
	}
	assert.ElementsMatch(t, []domain.SubscriberID{"sub-1", "sub-2"}, got)
	require.Eventually(t, func() bool { return server.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSessionEndSendsDisconnect(t *testing.T) {
	controller := new(mockController)
	done := make(chan struct{})
	controller.On("Subscribe", mock.Anything, testKey, mock.Anything).Return(&ports.RelayAttachment{
		SubscriberID: "sub-1",
		Answer:       webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
		Done:         done,
	}, nil)
	controller.On("GetStatus", mock.Anything, testKey).Return(&domain.SessionStatus{
		StreamKey:  testKey,
		State:      domain.StateStopped,
		StopReason: domain.StopReasonIdle,
	}, nil)

	_, url := startServer(t, controller, testConfig())
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(Message{Action: ActionCreate, StreamKey: testKey, Offer: offer()}))
	assert.Equal(t, ActionCreated, readMessage(t, conn).Action)

	close(done)
	msg := readMessage(t, conn)
	assert.Equal(t, ActionDisconnect, msg.Action)
	assert.Equal(t, testKey, msg.StreamKey)
	assert.Equal(t, "idle", msg.Reason)

	// the subscription is gone so a client disconnect has nothing to detach
	require.NoError(t, conn.WriteJSON(Message{Action: ActionDisconnect, StreamKey: testKey}))
	assert.Equal(t, ActionError, readMessage(t, conn).Action)
	controller.AssertNotCalled(t, "Unsubscribe", mock.Anything, mock.Anything, mock.Anything)
}

func TestRelayDropSendsDisconnectAndAllowsResubscribe(t *testing.T) {
	controller := new(mockController)
	dropped := make(chan domain.ErrorKind, 1)
	controller.On("Subscribe", mock.Anything, testKey, mock.Anything).Return(&ports.RelayAttachment{
		SubscriberID: "sub-1",
		Answer:       webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
		Done:         make(chan struct{}),
		Dropped:      dropped,
	}, nil).Once()
	controller.On("Subscribe", mock.Anything, testKey, mock.Anything).Return(&ports.RelayAttachment{
		SubscriberID: "sub-2",
		Answer:       webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"},
		Done:         make(chan struct{}),
	}, nil).Once()
	controller.On("Unsubscribe", mock.Anything, testKey, domain.SubscriberID("sub-2")).Return(nil).Maybe()

	_, url := startServer(t, controller, testConfig())
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(Message{Action: ActionCreate, StreamKey: testKey, Offer: offer()}))
	assert.Equal(t, ActionCreated, readMessage(t, conn).Action)

	dropped <- domain.ErrorKindSubscriberTimeout
	msg := readMessage(t, conn)
	assert.Equal(t, ActionDisconnect, msg.Action)
	assert.Equal(t, domain.SubscriberID("sub-1"), msg.SubscriberID)
	assert.Equal(t, string(domain.ErrorKindSubscriberTimeout), msg.Reason)

	require.NoError(t, conn.WriteJSON(Message{Action: ActionCreate, StreamKey: testKey, Offer: offer()}))
	msg = readMessage(t, conn)
	assert.Equal(t, ActionCreated, msg.Action)
	assert.Equal(t, domain.SubscriberID("sub-2"), msg.SubscriberID)
	controller.AssertNotCalled(t, "Unsubscribe", mock.Anything, testKey, domain.SubscriberID("sub-1"))
	controller.AssertNotCalled(t, "GetStatus", mock.Anything, mock.Anything)
}

func TestErrors(t *testing.T) {
	controller := new(mockController)
	controller.On("Subscribe", mock.Anything, testKey, mock.Anything).Return(nil, domain.ErrDeliveryMismatch)

	_, url := startServer(t, controller, testConfig())
	conn := dial(t, url)

	tests := []struct {
		name string
		send func() error
		want string
	}{
		{
			name: "subscribe fails",
			send: func() error {
				return conn.WriteJSON(Message{Action: ActionCreate, StreamKey: testKey, Offer: offer()})
			},
			want: domain.ErrDeliveryMismatch.Error(),
		},
		{
			name: "missing offer",
			send: func() error { return conn.WriteJSON(Message{Action: ActionCreate, StreamKey: testKey}) },
			want: "offer is required",
		},
		{
			name: "malformed key",
			send: func() error {
				return conn.WriteJSON(Message{Action: ActionCreate, StreamKey: "nope", Offer: offer()})
			},
			want: domain.ErrStreamNotFound.Error(),
		},
		{
			name: "unknown action",
			send: func() error { return conn.WriteJSON(Message{Action: "publish"}) },
			want: `unknown action "publish"`,
		},
		{
			name: "not json",
			send: func() error { return conn.WriteMessage(websocket.TextMessage, []byte("{")) },
			want: "invalid message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.send())
			msg := readMessage(t, conn)
			assert.Equal(t, ActionError, msg.Action)
			assert.Equal(t, tt.want, msg.Message)
		})
	}
}

func TestOriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.Signal.AllowedOrigins = []string{"https://console.example.com"}
	_, url := startServer(t, new(mockController), cfg)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://console.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.MaxConcurrent = 1
	_, url := startServer(t, new(mockController), cfg)

	dial(t, url)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestShutdownClosesConnections(t *testing.T) {
	server, url := startServer(t, new(mockController), testConfig())
	conn := dial(t, url)
	require.Eventually(t, func() bool { return server.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
}
