package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"maunium.net/go/mautrix/id"

	"github.com/element-hq/element-android-sub012/internal/echostore"
	"github.com/element-hq/element-android-sub012/internal/observability"
	"github.com/element-hq/element-android-sub012/internal/schema"
)

const (
	confirmerReadLimit            = 1 * 1024 * 1024
	confirmerMaxReconnectInterval = 20 * time.Second
	confirmerPingInterval         = 30 * time.Second
	confirmerPingTimeout          = 5 * time.Second
	confirmerStartTimeout         = 10 * time.Second
)

// syncAck is one acknowledgement from the sync stream: the server echoes the
// transaction id of events sent by this client.
type syncAck struct {
	RoomID        id.RoomID  `json:"roomId"`
	TransactionID string     `json:"transactionId"`
	EventID       id.EventID `json:"eventId"`
}

// SyncConfirmer consumes server acknowledgements over a websocket stream and
// promotes SENT echoes to SYNCED. It reconnects with exponential backoff and
// survives malformed frames; missing an ack only delays confirmation, it
// never loses the event.
type SyncConfirmer struct {
	streamURL string
	store     echostore.Store
	logger    observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// NewSyncConfirmer creates a confirmer for the given stream URL.
func NewSyncConfirmer(ctx context.Context, streamURL string, store echostore.Store, logger observability.Logger) *SyncConfirmer {
	confirmerCtx, cancel := context.WithCancel(ctx)
	c := new(SyncConfirmer)
	c.streamURL = streamURL
	c.store = store
	c.logger = observability.OrNop(logger)
	c.ctx = confirmerCtx
	c.cancel = cancel
	c.ready = make(chan struct{})
	c.done = make(chan struct{})
	return c
}

// Start launches the connection loop and waits for the first connection.
func (c *SyncConfirmer) Start() error {
	go func() {
		defer close(c.done)
		if err := c.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("sync confirmer stopped", observability.F("error", err.Error()))
		}
	}()

	select {
	case <-c.ready:
		return nil
	case <-time.After(confirmerStartTimeout):
		return errors.New("timeout waiting for sync stream connection")
	case <-c.ctx.Done():
		return fmt.Errorf("sync stream context done: %w", c.ctx.Err())
	}
}

// Stop closes the stream and waits for the connection loop to exit.
func (c *SyncConfirmer) Stop() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
	<-c.done
}

func (c *SyncConfirmer) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = confirmerMaxReconnectInterval

	for {
		select {
		case <-c.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.streamURL, nil)
		if err != nil {
			c.logger.Error("dial sync stream",
				observability.F("url", c.streamURL),
				observability.F("error", err.Error()))
			if sleepErr := c.sleep(backoffCfg); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		conn.SetReadLimit(confirmerReadLimit)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()

		c.readyOnce.Do(func() { close(c.ready) })
		backoffCfg.Reset()

		connCtx, connCancel := context.WithCancel(c.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- c.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- c.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			c.logger.Error("sync stream disconnected", observability.F("error", firstErr.Error()))
		}
		if err := c.sleep(backoffCfg); err != nil {
			return err
		}
	}
}

func (c *SyncConfirmer) sleep(backoffCfg *backoff.ExponentialBackOff) error {
	sleep := backoffCfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = confirmerMaxReconnectInterval
	}
	select {
	case <-c.ctx.Done():
		return context.Canceled
	case <-time.After(sleep):
		return nil
	}
}

func (c *SyncConfirmer) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read sync stream: %w", err)
		}
		trimmed := strings.TrimSpace(string(data))
		if trimmed == "" || trimmed == "pong" {
			continue
		}
		var ack syncAck
		if err := json.Unmarshal(data, &ack); err != nil {
			c.logger.Debug("skip malformed sync frame", observability.F("error", err.Error()))
			continue
		}
		c.confirm(ctx, ack)
	}
}

// confirm promotes the acknowledged echo to SYNCED. An ack for an unknown
// transaction id is normal: the echo may have been cancelled, cleared, or
// sent by another session.
func (c *SyncConfirmer) confirm(ctx context.Context, ack syncAck) {
	if ack.TransactionID == "" || ack.RoomID == "" {
		return
	}
	if err := c.store.UpdateSendState(ctx, ack.TransactionID, ack.RoomID, schema.SendStateSynced, ""); err != nil {
		c.logger.Debug("ack for unknown echo",
			observability.F("txn_id", ack.TransactionID),
			observability.F("room_id", ack.RoomID))
		return
	}
	c.logger.Info("echo confirmed by sync",
		observability.F("txn_id", ack.TransactionID),
		observability.F("event_id", ack.EventID))
}

func (c *SyncConfirmer) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(confirmerPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, confirmerPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping sync stream: %w", err)
			}
		}
	}
}
