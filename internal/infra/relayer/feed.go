package relayer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/zkwallet/internal/observability"
)

const (
	feedReadLimit         = 1 << 20
	feedWriteTimeout      = 5 * time.Second
	feedMaxReconnectDelay = 20 * time.Second
)

// LiquidationEvent reports a trader order closed by the relayer.
type LiquidationEvent struct {
	RequestID string `json:"request_id"`
	OrderID   string `json:"order_id"`
	Address   string `json:"account_address"`
}

// LiquidationHandler reacts to one liquidation event.
type LiquidationHandler func(ctx context.Context, ev LiquidationEvent) error

type feedEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type feedSubscribe struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Args    []string `json:"args,omitempty"`
}

// Feed streams liquidation events for a set of account addresses.
type Feed struct {
	url         string
	addresses   func() []string
	handler     LiquidationHandler
	logger      observability.Logger
	resubscribe chan struct{}
}

// NewFeed constructs a Feed. addresses is consulted on every (re)connect and
// after each Resubscribe.
func NewFeed(url string, addresses func() []string, handler LiquidationHandler, logger observability.Logger) (*Feed, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("relayer feed: url required")
	}
	if handler == nil {
		return nil, fmt.Errorf("relayer feed: handler required")
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &Feed{
		url:         url,
		addresses:   addresses,
		handler:     handler,
		logger:      logger,
		resubscribe: make(chan struct{}, 1),
	}, nil
}

// Resubscribe asks the live session to reconcile its subscription with the
// current address set. It never blocks; signals coalesce.
func (f *Feed) Resubscribe() {
	select {
	case f.resubscribe <- struct{}{}:
	default:
	}
}

// Run connects and dispatches events until ctx ends, reconnecting with
// exponential backoff after failures.
func (f *Feed) Run(ctx context.Context) error {
	schedule := backoff.NewExponentialBackOff()
	schedule.MaxInterval = feedMaxReconnectDelay

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		connected, err := f.session(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Error("liquidation feed disconnected",
				observability.F("url", f.url),
				observability.F("error", err))
		}
		if connected {
			schedule.Reset()
		}
		sleep := schedule.NextBackOff()
		if sleep == backoff.Stop {
			sleep = feedMaxReconnectDelay
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (f *Feed) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", f.url, err)
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	conn.SetReadLimit(feedReadLimit)

	current := f.currentAddresses()
	if err := f.send(ctx, conn, feedSubscribe{Op: "subscribe", Channel: "liquidations", Args: current}); err != nil {
		return true, err
	}
	subscribed := make(map[string]struct{}, len(current))
	for _, addr := range current {
		subscribed[addr] = struct{}{}
	}
	f.logger.Info("liquidation feed connected",
		observability.F("url", f.url),
		observability.F("addresses", len(current)))

	readCtx, stop := context.WithCancel(ctx)
	defer stop()
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-readErr:
			return true, err
		case data := <-frames:
			f.dispatch(ctx, data)
		case <-f.resubscribe:
			if err := f.reconcile(ctx, conn, subscribed); err != nil {
				return true, err
			}
		}
	}
}

// reconcile subscribes newly outstanding addresses and drops retired ones.
func (f *Feed) reconcile(ctx context.Context, conn *websocket.Conn, subscribed map[string]struct{}) error {
	current := f.currentAddresses()
	want := make(map[string]struct{}, len(current))
	var added []string
	for _, addr := range current {
		want[addr] = struct{}{}
		if _, ok := subscribed[addr]; !ok {
			added = append(added, addr)
		}
	}
	var removed []string
	for addr := range subscribed {
		if _, ok := want[addr]; !ok {
			removed = append(removed, addr)
		}
	}
	sort.Strings(removed)

	if len(added) > 0 {
		if err := f.send(ctx, conn, feedSubscribe{Op: "subscribe", Channel: "liquidations", Args: added}); err != nil {
			return err
		}
		for _, addr := range added {
			subscribed[addr] = struct{}{}
		}
	}
	if len(removed) > 0 {
		if err := f.send(ctx, conn, feedSubscribe{Op: "unsubscribe", Channel: "liquidations", Args: removed}); err != nil {
			return err
		}
		for _, addr := range removed {
			delete(subscribed, addr)
		}
	}
	if len(added)+len(removed) > 0 {
		f.logger.Debug("liquidation feed resubscribed",
			observability.F("added", len(added)),
			observability.F("removed", len(removed)))
	}
	return nil
}

func (f *Feed) currentAddresses() []string {
	if f.addresses == nil {
		return nil
	}
	return f.addresses()
}

func (f *Feed) send(ctx context.Context, conn *websocket.Conn, msg feedSubscribe) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Op, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write %s: %w", msg.Op, err)
	}
	return nil
}

func (f *Feed) dispatch(ctx context.Context, data []byte) {
	var env feedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Error("liquidation feed decode", observability.F("error", err))
		return
	}
	if !strings.EqualFold(env.Event, "liquidation") {
		return
	}
	var ev LiquidationEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		f.logger.Error("liquidation feed decode event", observability.F("error", err))
		return
	}
	if err := f.handler(ctx, ev); err != nil {
		f.logger.Error("liquidation handler failed",
			observability.F("request_id", ev.RequestID),
			observability.F("error", err))
	}
}
