package opc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// HeartbeatHandle is the client handle of the server clock item used as a
// keepalive signal. Node items use handles 1..n.
const HeartbeatHandle uint32 = math.MaxUint32

// EventHandler receives everything the session observes.
type EventHandler interface {
	HandleDataChange(nodeID string, value *ua.DataValue)
	HandleKeepAlive()
	HandleTerminated(err error)
	HandleReconnecting(attempt int)
	HandleClosed()
}

// NopHandler ignores all events.
type NopHandler struct{}

func (NopHandler) HandleDataChange(string, *ua.DataValue) {}
func (NopHandler) HandleKeepAlive()                       {}
func (NopHandler) HandleTerminated(error)                 {}
func (NopHandler) HandleReconnecting(int)                 {}
func (NopHandler) HandleClosed()                          {}

// Client is one connected session to the printer.
type Client struct {
	client   *opcua.Client
	endpoint string
	cfg      Config
	handler  EventHandler
	logger   *slog.Logger
	state    func() opcua.ConnState

	mu            sync.RWMutex
	sub           *opcua.Subscription
	notifyCh      chan *opcua.PublishNotificationData
	clientHandles map[uint32]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Dial connects to endpoint and starts watching the connection state.
func Dial(ctx context.Context, endpoint string, cfg Config, h EventHandler, logger *slog.Logger) (*Client, error) {
	if h == nil {
		h = NopHandler{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, fmt.Errorf("client options: %w", err)
	}
	cli, err := opcua.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	if err := cli.Connect(ctx); err != nil {
		_ = cli.Close(context.Background())
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		client:        cli,
		endpoint:      endpoint,
		cfg:           cfg,
		handler:       h,
		logger:        logger.With("endpoint", endpoint),
		state:         cli.State,
		clientHandles: make(map[uint32]string),
		ctx:           wctx,
		cancel:        cancel,
	}
	c.wg.Add(1)
	go c.watchState()
	return c, nil
}

// ReadValues reads the value attribute of all nodeIDs in one request. The
// result is index-aligned with nodeIDs.
func (c *Client) ReadValues(ctx context.Context, nodeIDs []string) ([]*ua.DataValue, error) {
	req := &ua.ReadRequest{
		TimestampsToReturn: ua.TimestampsToReturnNeither,
		NodesToRead:        make([]*ua.ReadValueID, 0, len(nodeIDs)),
	}
	for _, nid := range nodeIDs {
		parsed, err := ua.ParseNodeID(nid)
		if err != nil {
			return nil, fmt.Errorf("invalid node id %s: %w", nid, err)
		}
		req.NodesToRead = append(req.NodesToRead, &ua.ReadValueID{NodeID: parsed, AttributeID: ua.AttributeIDValue})
	}
	resp, err := c.client.Read(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != len(nodeIDs) {
		return nil, fmt.Errorf("read returned %d results for %d nodes", len(resp.Results), len(nodeIDs))
	}
	return resp.Results, nil
}

// Subscribe creates the subscription with one monitored item per node plus
// the heartbeat item.
func (c *Client) Subscribe(ctx context.Context, nodeIDs []string) error {
	c.mu.Lock()
	if c.sub != nil {
		c.mu.Unlock()
		return errors.New("already subscribed")
	}
	sc := c.cfg.Subscription
	c.notifyCh = make(chan *opcua.PublishNotificationData, 100)
	sub, err := c.client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval:                   sc.PublishInterval,
		LifetimeCount:              sc.LifetimeCount,
		MaxKeepAliveCount:          sc.MaxKeepAliveCount,
		MaxNotificationsPerPublish: sc.MaxNotificationsPerPublish,
		Priority:                   sc.Priority,
	}, c.notifyCh)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("create subscription: %w", err)
	}
	c.sub = sub

	reqs := make([]*ua.MonitoredItemCreateRequest, 0, len(nodeIDs))
	for i, nid := range nodeIDs {
		parsed, err := ua.ParseNodeID(nid)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("invalid node id %s: %w", nid, err)
		}
		handle := uint32(i + 1)
		c.clientHandles[handle] = nid
		reqs = append(reqs, c.monitorRequest(parsed, handle, sc.SamplingInterval))
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.handleNotifications(c.notifyCh)

	res, err := sub.Monitor(ctx, ua.TimestampsToReturnNeither, reqs...)
	if err != nil {
		return fmt.Errorf("create monitored items: %w", err)
	}
	for i, r := range res.Results {
		if r.StatusCode != ua.StatusOK && i < len(nodeIDs) {
			return fmt.Errorf("monitor %s: %s", nodeIDs[i], r.StatusCode)
		}
	}

	if sc.HeartbeatInterval > 0 {
		hb := c.monitorRequest(ua.NewNumericNodeID(0, id.Server_ServerStatus_CurrentTime), HeartbeatHandle, sc.HeartbeatInterval)
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnNeither, hb)
		switch {
		case err != nil:
			c.logger.Warn("heartbeat item not created", "error", err)
		case len(res.Results) > 0 && res.Results[0].StatusCode != ua.StatusOK:
			c.logger.Warn("heartbeat item rejected", "status", res.Results[0].StatusCode)
		}
	}
	return nil
}

func (c *Client) monitorRequest(nodeID *ua.NodeID, handle uint32, sampling time.Duration) *ua.MonitoredItemCreateRequest {
	sc := c.cfg.Subscription
	return &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:      nodeID,
			AttributeID: ua.AttributeIDValue,
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     handle,
			SamplingInterval: float64(sampling / time.Millisecond),
			QueueSize:        sc.QueueSize,
			DiscardOldest:    sc.DiscardOldest,
		},
	}
}

// Close cancels the subscription and closes the session. No close event is
// reported for a deliberate Close.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		sub := c.sub
		c.sub = nil
		c.mu.Unlock()
		if sub != nil {
			_ = sub.Cancel(ctx)
		}
		err = c.client.Close(ctx)
		c.wg.Wait()
	})
	return err
}

func (c *Client) handleNotifications(ch <-chan *opcua.PublishNotificationData) {
	defer c.wg.Done()
	for {
		var ntf *opcua.PublishNotificationData
		select {
		case <-c.ctx.Done():
			return
		case ntf = <-ch:
		}
		if ntf == nil {
			continue
		}
		if ntf.Error != nil {
			if isSubscriptionGone(ntf.Error) {
				c.handler.HandleTerminated(ntf.Error)
				continue
			}
			c.logger.Warn("subscription error", "error", ntf.Error)
			continue
		}
		switch v := ntf.Value.(type) {
		case *ua.DataChangeNotification:
			for _, item := range v.MonitoredItems {
				if item == nil || item.Value == nil {
					continue
				}
				if item.ClientHandle == HeartbeatHandle {
					c.handler.HandleKeepAlive()
					continue
				}
				c.mu.RLock()
				nodeID, ok := c.clientHandles[item.ClientHandle]
				c.mu.RUnlock()
				if ok {
					c.handler.HandleDataChange(nodeID, item.Value)
				}
			}
		case *ua.StatusChangeNotification:
			if v.Status != ua.StatusOK {
				c.handler.HandleTerminated(v.Status)
			}
		}
	}
}

// watchState samples the connection state and reports reconnect attempts and
// an unexpected close.
func (c *Client) watchState() {
	defer c.wg.Done()
	interval := c.cfg.StatePollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	prev := opcua.Connected
	attempt := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		st := c.state()
		if st == prev {
			continue
		}
		switch st {
		case opcua.Disconnected, opcua.Reconnecting:
			attempt++
			c.logger.Warn("connection lost, client is reconnecting", "state", st, "attempt", attempt)
			c.handler.HandleReconnecting(attempt)
		case opcua.Connected:
			c.logger.Info("connection restored", "attempts", attempt)
			attempt = 0
		case opcua.Closed:
			c.logger.Warn("connection closed by client library")
			c.handler.HandleClosed()
			return
		}
		prev = st
	}
}

func isSubscriptionGone(err error) bool {
	return errors.Is(err, ua.StatusBadSubscriptionIDInvalid) || errors.Is(err, ua.StatusBadNoSubscription)
}
