/*
package channel multiplexes named channels over one realtime connection. Each Channel runs its own
attach/detach state machine, decodes the messages the service delivers on it and keeps its presence
set. Channels is the registry the connection manager routes inbound traffic through.

Channels share the connection manager's loop: every piece of channel state is only touched from it,
and the exported blocking methods post their work there and wait for the outcome.
*/
package channel

import (
	"context"
	"net/url"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map"

	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection"
	"relaywire.io/realtime/connection/codec"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/protocol"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/events"
	"relaywire.io/realtime/logger"
	"relaywire.io/realtime/metrics"
	"relaywire.io/realtime/rest"
)

// Connection is what channels need from the connection manager. Every method
// is called on the loop.
type Connection interface {
	Send(pm *message.ProtocolMessage, queueable bool, callback protocol.Callback)
	CurrentState() connection.State
	StateError() *errorinfo.ErrorInfo
	ConnectionID() string
	ClientID() string
	MaxMessageSize() int
	Codec() codec.Codec
}

type HistoryRequester interface {
	History(ctx context.Context, channel string, params url.Values) (*rest.HistoryPage, error)
}

type Options struct {
	Config     *config.Options
	Connection Connection
	// optional; History fails without it
	History HistoryRequester
	// optional; channels fail when sent a delta without it
	Delta   message.DeltaDecoder
	Metrics *metrics.Metrics

	// Loop is the connection manager's loop. Callbacks runs application listeners.
	Loop      *events.Queue
	Callbacks *events.Queue
}

type Channels struct {
	logger *logger.Logger
	opts   Options

	mu  sync.Mutex
	all *orderedmap.OrderedMap
}

var _ connection.ChannelRouter = (*Channels)(nil)

func NewChannels(opts Options, logger *logger.Logger) *Channels {
	return &Channels{
		logger: logger,
		opts:   opts,
		all:    orderedmap.New(),
	}
}

// Get returns the named channel, creating it on first use
func (c *Channels) Get(name string) *Channel {
	return c.GetWithOptions(name, ChannelOptions{})
}

// GetWithOptions is Get with the options a new channel starts with. Options
// of an existing channel are changed with SetOptions instead.
func (c *Channels) GetWithOptions(name string, options ChannelOptions) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value, ok := c.all.Get(name); ok {
		return value.(*Channel)
	}

	ch := newChannel(name, options, c.opts, c.logger.GetComponentLogger("Channel").With("channel", name))
	c.all.Set(name, ch)
	return ch
}

func (c *Channels) Exists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.all.Get(name)
	return ok
}

// Names lists channels in the order they were created
func (c *Channels) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, c.all.Len())
	for pair := c.all.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key.(string))
	}
	return names
}

func (c *Channels) list() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	channels := make([]*Channel, 0, c.all.Len())
	for pair := c.all.Oldest(); pair != nil; pair = pair.Next() {
		channels = append(channels, pair.Value.(*Channel))
	}
	return channels
}

func (c *Channels) lookup(name string) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.all.Get(name)
	if !ok {
		return nil, false
	}
	return value.(*Channel), true
}

// Release forgets a channel so that its resources can be reclaimed. Only
// channels that are not attached, or trying to be, can be released.
func (c *Channels) Release(name string) error {
	ch, ok := c.lookup(name)
	if !ok {
		return nil
	}

	var err *errorinfo.ErrorInfo
	if !c.opts.Loop.Do(func() {
		switch ch.state {
		case StateInitialized, StateDetached, StateFailed:
			ch.dispose()
		default:
			err = errorinfo.New(errorinfo.CodeChannelInvalidState, 400,
				"unable to release channel %s while it is %s; detach it first", name, ch.state)
		}
	}) {
		return errorinfo.Closed()
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.all.Delete(name)
	c.mu.Unlock()
	return nil
}

// OnChannelMessage is loop-only
func (c *Channels) OnChannelMessage(pm *message.ProtocolMessage) {
	ch, ok := c.lookup(pm.Channel)
	if !ok {
		c.logger.Infof("received %s for unknown channel %s", pm.Action, pm.Channel)
		return
	}
	ch.processMessage(pm)
}

// OnTransportActive is loop-only. Pending requests are sent on the new
// transport, suspended channels retry and attached ones reattach so the
// service can tell them whether they kept continuity.
func (c *Channels) OnTransportActive() {
	for _, ch := range c.list() {
		switch ch.state {
		case StateAttaching, StateDetaching:
			ch.checkPendingState()
		case StateSuspended:
			ch.attach(false, nil, nil)
		case StateAttached:
			ch.requestState(StateAttaching, nil)
		}
	}
}

// PropagateConnectionInterruption is loop-only
func (c *Channels) PropagateConnectionInterruption(state connection.State, reason *errorinfo.ErrorInfo) {
	target, ok := interruptedState(state)
	if !ok {
		return
	}

	for _, ch := range c.list() {
		switch ch.state {
		case StateAttaching, StateAttached, StateDetaching, StateSuspended:
			ch.notifyState(target, reason, false, false, false)
		}
	}
}

// ChannelSerials is loop-only. Only attached channels are included.
func (c *Channels) ChannelSerials() map[string]string {
	serials := make(map[string]string)
	for _, ch := range c.list() {
		if ch.state == StateAttached && ch.channelSerial != "" {
			serials[ch.name] = ch.channelSerial
		}
	}
	return serials
}

// SetChannelSerials is loop-only. It creates any channel named that does not
// exist yet so that attaching it resumes from the recovered serial.
func (c *Channels) SetChannelSerials(serials map[string]string) {
	for name, serial := range serials {
		c.Get(name).channelSerial = serial
	}
}
