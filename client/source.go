package client

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/abdelmounim-dev/chatsync/websocket"
)

// source keeps one channel's message list fed. While the realtime
// connection is up, events arrive through the synchronizer; otherwise the
// channel is polled over REST. Only one of the two runs at a time.
type source struct {
	channelID string
	cancel    context.CancelFunc
	done      chan struct{}
}

func (s *source) stop() {
	s.cancel()
	<-s.done
}

// startSource starts the channel's source unless one is running.
func (c *Client) startSource(channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return errDisposed
	}
	if _, ok := c.sources[channelID]; ok {
		return nil
	}

	states, unsubscribe, err := c.realtime.WatchState(channelID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	src := &source{channelID: channelID, cancel: cancel, done: make(chan struct{})}
	c.sources[channelID] = src

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(src.done)
		defer unsubscribe()
		c.runSource(ctx, src, states)
		c.forgetSource(src)
	}()
	return nil
}

// forgetSource removes src if it is still the channel's registered source,
// as when the channel was closed underneath it by the idle sweep.
func (c *Client) forgetSource(src *source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sources[src.channelID] == src {
		delete(c.sources, src.channelID)
	}
}

func (c *Client) runSource(ctx context.Context, src *source, states <-chan websocket.State) {
	logger := c.logger.With("channel_id", src.channelID)
	c.poll(ctx, src.channelID)

	var (
		ticker clockwork.Ticker
		tick   <-chan time.Time
	)
	stopPolling := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stopPolling()

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			switch state {
			case websocket.StateConnecting:
				continue
			case websocket.StateConnected:
				if ticker != nil {
					logger.Info("realtime restored, polling stopped")
					stopPolling()
					// Catch up on anything sent while polling was between ticks.
					c.poll(ctx, src.channelID)
				}
				continue
			}
			if ticker == nil && c.cfg.Realtime.PollInterval > 0 {
				logger.Info("realtime unavailable, polling", "state", state, "interval", c.cfg.Realtime.PollInterval)
				ticker = c.clock.NewTicker(c.cfg.Realtime.PollInterval)
				tick = ticker.Chan()
			}
		case <-tick:
			c.poll(ctx, src.channelID)
		}
	}
}

// poll fetches the latest page of history and merges it into the cache.
func (c *Client) poll(ctx context.Context, channelID string) {
	msgs, err := c.messages.List(ctx, channelID, c.cfg.Realtime.PollLimit)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("history fetch failed", "channel_id", channelID, "error", err)
		}
		return
	}
	if added := c.sync.Merge(channelID, msgs); added > 0 {
		c.logger.Debug("merged history", "channel_id", channelID, "added", added)
	}
}
