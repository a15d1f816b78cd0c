package opc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu           sync.Mutex
	data         map[string][]any
	keepAlives   int
	terminated   []error
	reconnecting []int
	closed       int
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{data: make(map[string][]any)}
}

func (h *recordingHandler) HandleDataChange(nodeID string, v *ua.DataValue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[nodeID] = append(h.data[nodeID], v.Value.Value())
}

func (h *recordingHandler) HandleKeepAlive() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keepAlives++
}

func (h *recordingHandler) HandleTerminated(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = append(h.terminated, err)
}

func (h *recordingHandler) HandleReconnecting(attempt int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnecting = append(h.reconnecting, attempt)
}

func (h *recordingHandler) HandleClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
}

func (h *recordingHandler) counts() (data, keepAlives, terminated int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, v := range h.data {
		data += len(v)
	}
	return data, h.keepAlives, len(h.terminated)
}

// testClient is a Client without a session; only the event plumbing is live.
func testClient(h EventHandler, state func() opcua.ConnState) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultConfig()
	cfg.StatePollInterval = 2 * time.Millisecond
	return &Client{
		cfg:           cfg,
		handler:       h,
		logger:        slog.Default(),
		state:         state,
		clientHandles: map[uint32]string{1: "ns=3;i=10021", 2: "ns=3;i=10027"},
		ctx:           ctx,
		cancel:        cancel,
	}
}

func item(handle uint32, v any) *ua.MonitoredItemNotification {
	return &ua.MonitoredItemNotification{
		ClientHandle: handle,
		Value:        &ua.DataValue{Value: ua.MustVariant(v), Status: ua.StatusOK},
	}
}

func runNotifications(t *testing.T, h *recordingHandler, ntfs ...*opcua.PublishNotificationData) {
	t.Helper()
	c := testClient(h, nil)
	ch := make(chan *opcua.PublishNotificationData, len(ntfs))
	for _, n := range ntfs {
		ch <- n
	}
	c.wg.Add(1)
	go c.handleNotifications(ch)
	require.Eventually(t, func() bool { return len(ch) == 0 }, time.Second, time.Millisecond)
	// The last notification may still be in flight.
	time.Sleep(10 * time.Millisecond)
	c.cancel()
	c.wg.Wait()
}

func TestNotificationRouting(t *testing.T) {
	h := newRecordingHandler()
	runNotifications(t, h, &opcua.PublishNotificationData{
		Value: &ua.DataChangeNotification{MonitoredItems: []*ua.MonitoredItemNotification{
			item(HeartbeatHandle, time.Now()),
			item(1, true),
			item(7, int32(3)),
			{ClientHandle: 2},
			item(2, false),
		}},
	})

	data, keepAlives, terminated := h.counts()
	assert.Equal(t, 1, keepAlives)
	assert.Equal(t, 2, data)
	assert.Zero(t, terminated)
	assert.Equal(t, []any{true}, h.data["ns=3;i=10021"])
	assert.Equal(t, []any{false}, h.data["ns=3;i=10027"])
	assert.NotContains(t, h.data, "")
}

func TestHeartbeatNeverReachesNodeState(t *testing.T) {
	h := newRecordingHandler()
	runNotifications(t, h,
		&opcua.PublishNotificationData{Value: &ua.DataChangeNotification{MonitoredItems: []*ua.MonitoredItemNotification{item(HeartbeatHandle, time.Now())}}},
		&opcua.PublishNotificationData{Value: &ua.DataChangeNotification{MonitoredItems: []*ua.MonitoredItemNotification{item(HeartbeatHandle, time.Now())}}},
	)
	data, keepAlives, _ := h.counts()
	assert.Equal(t, 2, keepAlives)
	assert.Zero(t, data)
}

func TestSubscriptionLossIsTerminated(t *testing.T) {
	h := newRecordingHandler()
	runNotifications(t, h,
		&opcua.PublishNotificationData{Error: ua.StatusBadNoSubscription},
		&opcua.PublishNotificationData{Error: ua.StatusBadSubscriptionIDInvalid},
		&opcua.PublishNotificationData{Error: errors.New("publish timeout")},
		&opcua.PublishNotificationData{Value: &ua.StatusChangeNotification{Status: ua.StatusBadTimeout}},
		&opcua.PublishNotificationData{Value: &ua.StatusChangeNotification{Status: ua.StatusOK}},
	)

	data, keepAlives, terminated := h.counts()
	assert.Zero(t, data)
	assert.Zero(t, keepAlives)
	require.Equal(t, 3, terminated)
	assert.ErrorIs(t, h.terminated[0], ua.StatusBadNoSubscription)
	assert.ErrorIs(t, h.terminated[1], ua.StatusBadSubscriptionIDInvalid)
	assert.ErrorIs(t, h.terminated[2], ua.StatusBadTimeout)
}

type stateSeq struct {
	mu     sync.Mutex
	states []opcua.ConnState
}

func (s *stateSeq) next() opcua.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[0]
	if len(s.states) > 1 {
		s.states = s.states[1:]
	}
	return st
}

func TestWatchStateReportsTransitions(t *testing.T) {
	h := newRecordingHandler()
	seq := &stateSeq{states: []opcua.ConnState{
		opcua.Connected,
		opcua.Reconnecting,
		opcua.Reconnecting,
		opcua.Disconnected,
		opcua.Connected,
		opcua.Reconnecting,
		opcua.Closed,
	}}
	c := testClient(h, seq.next)
	defer c.cancel()

	c.wg.Add(1)
	done := make(chan struct{})
	go func() {
		c.watchState()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchState did not stop after Closed")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []int{1, 2, 1}, h.reconnecting)
	assert.Equal(t, 1, h.closed)
}

func TestWatchStateStopsOnCancel(t *testing.T) {
	h := newRecordingHandler()
	c := testClient(h, func() opcua.ConnState { return opcua.Connected })

	c.wg.Add(1)
	go c.watchState()
	time.Sleep(10 * time.Millisecond)
	c.cancel()
	c.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Empty(t, h.reconnecting)
	assert.Zero(t, h.closed)
}
