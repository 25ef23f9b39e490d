package channel

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/events"
	"relaywire.io/realtime/logger"
	"relaywire.io/realtime/rest"
)

func TestChannel(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Channel Suite")
}

type mockHistory struct {
	mu      sync.Mutex
	channel string
	params  url.Values
}

func (m *mockHistory) History(ctx context.Context, channel string, params url.Values) (*rest.HistoryPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channel, m.params = channel, params
	return &rest.HistoryPage{Items: []*message.Message{{ID: "h1"}}}, nil
}

func (m *mockHistory) lastParams() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// appendDecoder treats a delta as bytes to append to the previous payload
type appendDecoder struct{}

func (appendDecoder) Decode(delta []byte, base []byte) ([]byte, error) {
	return append(append([]byte{}, base...), delta...), nil
}

type harness struct {
	loop      *events.Queue
	callbacks *events.Queue
	conn      *MockConnection
	history   *mockHistory
	channels  *Channels
}

func testConfig() *config.Options {
	cfg := config.Default()
	cfg.Timeouts.RealtimeRequest = 200 * time.Millisecond
	cfg.Timeouts.ChannelRetry = 100 * time.Millisecond
	return cfg
}

func newHarness(cfg *config.Options, delta message.DeltaDecoder) *harness {
	log := logger.MockLogger(GinkgoWriter)
	h := &harness{
		loop:      events.NewQueue(log),
		callbacks: events.NewQueue(log),
		conn:      NewMockConnection(),
		history:   &mockHistory{},
	}
	h.channels = NewChannels(Options{
		Config:     cfg,
		Connection: h.conn,
		History:    h.history,
		Delta:      delta,
		Loop:       h.loop,
		Callbacks:  h.callbacks,
	}, log)
	return h
}

func (h *harness) dispose() {
	h.loop.Stop()
	h.callbacks.Stop()
}

func (h *harness) onLoop(fn func()) {
	ExpectWithOffset(1, h.loop.Do(fn)).To(BeTrue())
}

func (h *harness) deliver(pm *message.ProtocolMessage) {
	h.onLoop(func() { h.channels.OnChannelMessage(pm) })
}

func (h *harness) nextSent() *message.ProtocolMessage {
	var pm *message.ProtocolMessage
	EventuallyWithOffset(1, h.conn.Sent).Should(Receive(&pm))
	return pm
}

func (h *harness) noneSent() {
	ConsistentlyWithOffset(1, h.conn.Sent, 150*time.Millisecond).ShouldNot(Receive())
}

func (h *harness) ack() {
	h.onLoop(h.conn.Ack)
}

// attach attaches ch, answering its ATTACH with an ATTACHED carrying flags
func (h *harness) attach(ch *Channel, flags message.Flag) {
	result := async(func() error { return ch.Attach(context.Background()) })

	pm := h.nextSent()
	ExpectWithOffset(1, pm.Action).To(Equal(message.ActionAttach))
	h.deliver(&message.ProtocolMessage{
		Action:        message.ActionAttached,
		Channel:       ch.Name(),
		ChannelSerial: "s0",
		Flags:         flags,
	})
	EventuallyWithOffset(1, result).Should(Receive(BeNil()))
}

func (h *harness) serials() map[string]string {
	var serials map[string]string
	h.onLoop(func() { serials = h.channels.ChannelSerials() })
	return serials
}

func async(fn func() error) chan error {
	result := make(chan error, 1)
	go func() {
		defer GinkgoRecover()
		result <- fn()
	}()
	return result
}

func record(ch *Channel, states ...State) chan StateChange {
	changes := make(chan StateChange, 32)
	ch.On(func(change StateChange) { changes <- change }, states...)
	return changes
}

func currents(changes chan StateChange) func() []State {
	var seen []State
	return func() []State {
		for {
			select {
			case change := <-changes:
				seen = append(seen, change.Current)
			default:
				return seen
			}
		}
	}
}

var _ = Describe("Channel", func() {
	var h *harness
	var ch *Channel
	ctx := context.Background()

	BeforeEach(func() {
		h = newHarness(testConfig(), appendDecoder{})
		ch = h.channels.Get("lobby")
	})

	AfterEach(func() {
		h.dispose()
	})

	Context("Attach", func() {
		It("sends ATTACH and returns once the service has attached the channel", func() {
			changes := record(ch)
			h.attach(ch, 0)

			Expect(ch.State()).To(Equal(StateAttached))
			Eventually(currents(changes)).Should(Equal([]State{StateAttaching, StateAttached}))
		})

		It("returns at once when already attached", func() {
			h.attach(ch, 0)

			Expect(ch.Attach(ctx)).To(Succeed())
			h.noneSent()
		})

		It("waits for the connection before sending ATTACH", func() {
			h.conn.SetState(connection.StateConnecting)
			result := async(func() error { return ch.Attach(ctx) })

			Eventually(ch.State).Should(Equal(StateAttaching))
			h.noneSent()

			h.conn.SetState(connection.StateConnected)
			h.onLoop(h.channels.OnTransportActive)

			Expect(h.nextSent().Action).To(Equal(message.ActionAttach))
			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby"})
			Eventually(result).Should(Receive(BeNil()))
		})

		It("fails when the connection cannot carry channel operations", func() {
			h.conn.SetState(connection.StateSuspended)

			err := ch.Attach(ctx)
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeConnectionSuspended))
			Expect(ch.State()).To(Equal(StateInitialized))
		})

		It("is superseded by a detach", func() {
			attached := async(func() error { return ch.Attach(ctx) })
			Expect(h.nextSent().Action).To(Equal(message.ActionAttach))

			detached := async(func() error { return ch.Detach(ctx) })
			Expect(h.nextSent().Action).To(Equal(message.ActionDetach))

			var err error
			Eventually(attached).Should(Receive(&err))
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeChannelOperationFailed))
			Expect(errorinfo.StatusCode(err)).To(Equal(409))

			h.deliver(&message.ProtocolMessage{Action: message.ActionDetached, Channel: "lobby"})
			Eventually(detached).Should(Receive(BeNil()))
			Expect(ch.State()).To(Equal(StateDetached))
		})

		It("times out into suspended and retries later", func() {
			result := async(func() error { return ch.Attach(ctx) })
			Expect(h.nextSent().Action).To(Equal(message.ActionAttach))

			var err error
			Eventually(result).Should(Receive(&err))
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeChannelOperationTimeout))
			Expect(errorinfo.StatusCode(err)).To(Equal(408))
			Expect(ch.State()).To(Equal(StateSuspended))

			Expect(h.nextSent().Action).To(Equal(message.ActionAttach))
			Eventually(ch.State).Should(Equal(StateAttaching))
		})

		It("goes to suspended when the service detaches it while attaching", func() {
			result := async(func() error { return ch.Attach(ctx) })
			h.nextSent()

			h.deliver(&message.ProtocolMessage{
				Action:  message.ActionDetached,
				Channel: "lobby",
				Error:   errorinfo.New(40160, 401, "not permitted"),
			})

			var err error
			Eventually(result).Should(Receive(&err))
			Expect(errorinfo.Code(err)).To(Equal(40160))
			Expect(ch.State()).To(Equal(StateSuspended))
		})

		It("reattaches when the service detaches an attached channel", func() {
			h.attach(ch, 0)

			h.deliver(&message.ProtocolMessage{Action: message.ActionDetached, Channel: "lobby"})

			Expect(h.nextSent().Action).To(Equal(message.ActionAttach))
			Expect(ch.State()).To(Equal(StateAttaching))
			Expect(ch.ErrorReason().Code).To(Equal(errorinfo.CodeChannelInvalidState))
		})

		It("reattaches with ATTACH_RESUME from its channelSerial when a new transport is active", func() {
			h.attach(ch, 0)
			updates := record(ch, EventUpdate)

			h.onLoop(h.channels.OnTransportActive)

			pm := h.nextSent()
			Expect(pm.Action).To(Equal(message.ActionAttach))
			Expect(pm.HasFlag(message.FlagAttachResume)).To(BeTrue())
			Expect(pm.ChannelSerial).To(Equal("s0"))

			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby", Flags: message.FlagResumed})
			Eventually(ch.State).Should(Equal(StateAttached))
			Consistently(updates, 100*time.Millisecond).ShouldNot(Receive())
		})
	})

	Context("Attached without continuity", func() {
		It("emits an update instead of a state change and resyncs presence", func() {
			h.attach(ch, message.FlagHasPresence)
			h.deliver(&message.ProtocolMessage{
				Action:        message.ActionSync,
				Channel:       "lobby",
				ChannelSerial: "sync1:",
				Presence: []*message.PresenceMessage{
					{Action: message.PresencePresent, ClientID: "a", ConnectionID: "connA", ID: "connA:0:0", Timestamp: 1},
				},
			})
			Expect(ch.Presence().SyncComplete()).To(BeTrue())

			changes := record(ch)
			h.deliver(&message.ProtocolMessage{
				Action:  message.ActionAttached,
				Channel: "lobby",
				Flags:   message.FlagHasPresence,
			})

			var change StateChange
			Eventually(changes).Should(Receive(&change))
			Expect(change.Previous).To(Equal(StateAttached))
			Expect(change.Current).To(Equal(StateAttached))
			Expect(change.Resumed).To(BeFalse())
			Expect(ch.State()).To(Equal(StateAttached))
			Expect(ch.Presence().SyncComplete()).To(BeFalse())

			h.deliver(&message.ProtocolMessage{Action: message.ActionSync, Channel: "lobby", ChannelSerial: "sync2:"})
			Expect(ch.Presence().SyncComplete()).To(BeTrue())

			members, err := ch.Presence().Get(ctx, GetParams{})
			Expect(err).ToNot(HaveOccurred())
			Expect(members).To(BeEmpty())
		})

		It("stays quiet when the service resumed the channel", func() {
			h.attach(ch, 0)
			changes := record(ch)

			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby", Flags: message.FlagResumed})
			Consistently(changes, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("sends DETACH again when attached while detaching", func() {
			h.attach(ch, 0)
			async(func() error { return ch.Detach(ctx) })
			Expect(h.nextSent().Action).To(Equal(message.ActionDetach))

			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby"})
			Expect(h.nextSent().Action).To(Equal(message.ActionDetach))
			Expect(ch.State()).To(Equal(StateDetaching))
		})
	})

	Context("Channel serials", func() {
		It("follows ATTACHED and MESSAGE and is cleared on detach", func() {
			h.attach(ch, 0)
			Expect(h.serials()).To(Equal(map[string]string{"lobby": "s0"}))

			h.deliver(&message.ProtocolMessage{
				Action:        message.ActionMessage,
				Channel:       "lobby",
				ChannelSerial: "s1",
				ID:            "pm1",
				Messages:      []*message.Message{{Name: "greeting"}},
			})
			Expect(h.serials()).To(Equal(map[string]string{"lobby": "s1"}))

			result := async(func() error { return ch.Detach(ctx) })
			h.nextSent()
			h.deliver(&message.ProtocolMessage{Action: message.ActionDetached, Channel: "lobby"})
			Eventually(result).Should(Receive(BeNil()))

			Expect(h.serials()).To(BeEmpty())
		})

		It("only reports serials of attached channels", func() {
			h.attach(ch, 0)
			h.onLoop(func() { h.channels.SetChannelSerials(map[string]string{"chat": "r1", "news": "r2"}) })

			async(func() error { return h.channels.Get("chat").Attach(ctx) })
			Expect(h.nextSent().Channel).To(Equal("chat"))
			Expect(h.channels.Get("chat").State()).To(Equal(StateAttaching))

			Expect(h.serials()).To(Equal(map[string]string{"lobby": "s0"}))
		})

		It("attaches from a recovered serial", func() {
			h.onLoop(func() { h.channels.SetChannelSerials(map[string]string{"chat": "r1"}) })
			Expect(h.channels.Exists("chat")).To(BeTrue())

			async(func() error { return h.channels.Get("chat").Attach(ctx) })
			pm := h.nextSent()
			Expect(pm.Channel).To(Equal("chat"))
			Expect(pm.ChannelSerial).To(Equal("r1"))
		})
	})

	Context("Errors", func() {
		It("fails the channel on a channel error", func() {
			h.attach(ch, 0)
			h.deliver(&message.ProtocolMessage{
				Action:  message.ActionError,
				Channel: "lobby",
				Error:   errorinfo.New(40160, 401, "capability revoked"),
			})

			Eventually(ch.State).Should(Equal(StateFailed))
			Expect(ch.ErrorReason().Code).To(Equal(40160))

			err := ch.Publish(ctx, "greeting", "hi")
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeChannelInvalidState))
		})

		It("resends the pending request when its transport was superseded", func() {
			async(func() error { return ch.Attach(ctx) })
			h.nextSent()

			h.deliver(&message.ProtocolMessage{
				Action:  message.ActionError,
				Channel: "lobby",
				Error:   errorinfo.New(errorinfo.CodeSupersededTransport, 400, "superseded"),
			})

			Expect(h.nextSent().Action).To(Equal(message.ActionAttach))
			Expect(ch.State()).To(Equal(StateAttaching))
		})
	})

	Context("Messages", func() {
		It("delivers decoded messages to subscribers of their name", func() {
			received := make(chan *message.Message, 8)
			result := async(func() error {
				_, err := ch.Subscribe(ctx, func(msg *message.Message) { received <- msg }, "greeting")
				return err
			})
			h.nextSent()
			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby"})
			Eventually(result).Should(Receive(BeNil()))

			h.deliver(&message.ProtocolMessage{
				Action:       message.ActionMessage,
				Channel:      "lobby",
				ID:           "pm1",
				ConnectionID: "connB",
				Timestamp:    42,
				Messages: []*message.Message{
					{Name: "greeting", Data: `{"text":"hi"}`, Encoding: "json"},
					{Name: "other", Data: "ignored"},
				},
			})

			var msg *message.Message
			Eventually(received).Should(Receive(&msg))
			Expect(msg.ID).To(Equal("pm1:0"))
			Expect(msg.ConnectionID).To(Equal("connB"))
			Expect(msg.Timestamp).To(Equal(int64(42)))
			Expect(msg.Data).To(Equal(map[string]interface{}{"text": "hi"}))
			Expect(msg.Encoding).To(BeEmpty())
			Consistently(received, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("drops messages while not attached", func() {
			received := make(chan *message.Message, 8)
			ch.subscribers.On(func(msg *message.Message) { received <- msg })

			h.deliver(&message.ProtocolMessage{
				Action:   message.ActionMessage,
				Channel:  "lobby",
				Messages: []*message.Message{{Name: "greeting"}},
			})
			Consistently(received, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("applies deltas against the previous message", func() {
			received := make(chan *message.Message, 8)
			h.attach(ch, 0)
			ch.subscribers.On(func(msg *message.Message) { received <- msg })

			h.deliver(&message.ProtocolMessage{
				Action: message.ActionMessage, Channel: "lobby", ChannelSerial: "s1",
				Messages: []*message.Message{{ID: "m1", Data: "base"}},
			})
			h.deliver(&message.ProtocolMessage{
				Action: message.ActionMessage, Channel: "lobby", ChannelSerial: "s2",
				Messages: []*message.Message{{
					ID:       "m2",
					Data:     "+delta",
					Encoding: "vcdiff",
					Extras:   map[string]interface{}{"delta": map[string]interface{}{"from": "m1"}},
				}},
			})

			var msg *message.Message
			Eventually(received).Should(Receive(&msg))
			Eventually(received).Should(Receive(&msg))
			Expect(msg.Data).To(Equal([]byte("base+delta")))
		})

		It("reattaches once from the last decoded message when a delta base is missing", func() {
			h.attach(ch, 0)
			h.deliver(&message.ProtocolMessage{
				Action: message.ActionMessage, Channel: "lobby", ChannelSerial: "s1",
				Messages: []*message.Message{{ID: "m1", Data: "base"}},
			})

			h.deliver(&message.ProtocolMessage{
				Action: message.ActionMessage, Channel: "lobby", ChannelSerial: "s3",
				Messages: []*message.Message{{
					ID:       "m3",
					Data:     "+delta",
					Encoding: "vcdiff",
					Extras:   map[string]interface{}{"delta": map[string]interface{}{"from": "m2"}},
				}},
			})

			pm := h.nextSent()
			Expect(pm.Action).To(Equal(message.ActionAttach))
			Expect(pm.ChannelSerial).To(Equal("s1"))
			Expect(ch.State()).To(Equal(StateAttaching))
			Expect(ch.ErrorReason().Code).To(Equal(errorinfo.CodeDeltaDecodeFailed))

			h.onLoop(func() {
				ch.startDecodeFailureRecovery(errorinfo.New(errorinfo.CodeDeltaDecodeFailed, 400, "again"))
			})
			h.noneSent()

			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby", ChannelSerial: "s1"})
			Eventually(ch.State).Should(Equal(StateAttached))

			var recovering bool
			h.onLoop(func() { recovering = ch.decodeRecovery })
			Expect(recovering).To(BeFalse())
		})
	})

	Context("Deltas without a decoder", func() {
		BeforeEach(func() {
			h.dispose()
			h = newHarness(testConfig(), nil)
			ch = h.channels.Get("lobby")
		})

		It("fails the channel", func() {
			h.attach(ch, 0)
			h.deliver(&message.ProtocolMessage{
				Action: message.ActionMessage, Channel: "lobby",
				Messages: []*message.Message{{ID: "m1", Data: "base"}},
			})
			h.deliver(&message.ProtocolMessage{
				Action: message.ActionMessage, Channel: "lobby",
				Messages: []*message.Message{{
					ID:       "m2",
					Data:     "+delta",
					Encoding: "vcdiff",
					Extras:   map[string]interface{}{"delta": map[string]interface{}{"from": "m1"}},
				}},
			})

			Eventually(ch.State).Should(Equal(StateFailed))
			Expect(ch.ErrorReason().Code).To(Equal(errorinfo.CodeNotConfigured))
		})
	})

	Context("Publish", func() {
		It("sends the encoded messages and returns once acknowledged", func() {
			result := async(func() error { return ch.Publish(ctx, "greeting", []byte("hi")) })

			pm := h.nextSent()
			Expect(pm.Action).To(Equal(message.ActionMessage))
			Expect(pm.Channel).To(Equal("lobby"))
			Expect(pm.Messages).To(HaveLen(1))
			Expect(pm.Messages[0].Name).To(Equal("greeting"))
			Expect(pm.Messages[0].Data).To(Equal("aGk="))
			Expect(pm.Messages[0].Encoding).To(Equal("base64"))
			Consistently(result, 100*time.Millisecond).ShouldNot(Receive())

			h.ack()
			Eventually(result).Should(Receive(BeNil()))
		})

		It("returns the reason a message was rejected", func() {
			result := async(func() error { return ch.Publish(ctx, "greeting", "hi") })
			h.nextSent()

			h.onLoop(func() { h.conn.Nack(errorinfo.New(40160, 401, "not permitted")) })

			var err error
			Eventually(result).Should(Receive(&err))
			Expect(errorinfo.Code(err)).To(Equal(40160))
		})

		It("rejects batches over the maximum message size", func() {
			h.conn.SetMaxMessageSize(10)

			err := ch.Publish(ctx, "greeting", "a payload of more than ten bytes")
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeMaxMessageSizeExceeded))
			h.noneSent()
		})

		It("rejects messages for another client id", func() {
			h.conn.SetClientID("alice")

			err := ch.PublishMessages(ctx, &message.Message{Name: "greeting", ClientID: "bob"})
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeInvalidClientID))
			h.noneSent()
		})

		It("fails when the connection is suspended", func() {
			h.conn.SetState(connection.StateSuspended)

			err := ch.Publish(ctx, "greeting", "hi")
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeConnectionSuspended))
		})

		It("does not change the caller's messages", func() {
			msg := &message.Message{Name: "greeting", Data: map[string]interface{}{"a": 1}}
			async(func() error { return ch.PublishMessages(ctx, msg) })

			pm := h.nextSent()
			Expect(pm.Messages[0].Encoding).To(Equal("json"))
			Expect(msg.Encoding).To(BeEmpty())
			Expect(msg.Data).To(Equal(map[string]interface{}{"a": 1}))
		})
	})

	Context("Idempotent publishing", func() {
		BeforeEach(func() {
			h.dispose()
			cfg := testConfig()
			cfg.IdempotentPublishing = true
			h = newHarness(cfg, nil)
			ch = h.channels.Get("lobby")
		})

		It("gives a batch ids sharing one base", func() {
			async(func() error {
				return ch.PublishMessages(ctx, &message.Message{Name: "a"}, &message.Message{Name: "b"})
			})

			pm := h.nextSent()
			Expect(pm.Messages[0].ID).To(HaveSuffix(":0"))
			Expect(pm.Messages[1].ID).To(HaveSuffix(":1"))
			Expect(pm.Messages[0].ID[:len(pm.Messages[0].ID)-2]).To(Equal(pm.Messages[1].ID[:len(pm.Messages[1].ID)-2]))
		})
	})

	Context("Options", func() {
		It("reattaches with new params and reports what the service granted", func() {
			h.attach(ch, 0)

			result := async(func() error {
				return ch.SetOptions(ctx, ChannelOptions{
					Params: map[string]string{"rewind": "1"},
					Modes:  []message.ChannelMode{message.ModeSubscribe},
				})
			})

			pm := h.nextSent()
			Expect(pm.Action).To(Equal(message.ActionAttach))
			Expect(pm.Params).To(Equal(map[string]string{"rewind": "1"}))
			Expect(pm.HasFlag(message.FlagSubscribe)).To(BeTrue())
			Expect(pm.HasFlag(message.FlagPublish)).To(BeFalse())

			h.deliver(&message.ProtocolMessage{
				Action:  message.ActionAttached,
				Channel: "lobby",
				Params:  map[string]string{"rewind": "1"},
				Flags:   message.FlagSubscribe,
			})
			Eventually(result).Should(Receive(BeNil()))

			Expect(ch.Params()).To(Equal(map[string]string{"rewind": "1"}))
			Expect(ch.Modes()).To(Equal([]message.ChannelMode{message.ModeSubscribe}))
		})

		It("does not reattach when nothing changed", func() {
			h.attach(ch, 0)
			Expect(ch.SetOptions(ctx, ChannelOptions{})).To(Succeed())
			h.noneSent()
		})
	})

	Context("History", func() {
		It("passes the query to the rest client", func() {
			page, err := ch.History(ctx, HistoryParams{
				Start:     time.UnixMilli(1000),
				Direction: "forwards",
				Limit:     10,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(page.Items).To(HaveLen(1))

			params := h.history.lastParams()
			Expect(params.Get("start")).To(Equal("1000"))
			Expect(params.Get("direction")).To(Equal("forwards"))
			Expect(params.Get("limit")).To(Equal("10"))
			Expect(params.Has("end")).To(BeFalse())
		})

		It("requires an attached channel for untilAttach", func() {
			_, err := ch.History(ctx, HistoryParams{UntilAttach: true})
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeBadRequest))
		})

		It("asks for messages up to the attach serial", func() {
			h.attach(ch, 0)

			_, err := ch.History(ctx, HistoryParams{UntilAttach: true})
			Expect(err).ToNot(HaveOccurred())
			Expect(h.history.lastParams().Get("fromSerial")).To(Equal("s0"))
		})

		It("is unavailable without a rest client", func() {
			log := logger.MockLogger(GinkgoWriter)
			channels := NewChannels(Options{
				Config:     testConfig(),
				Connection: h.conn,
				Loop:       h.loop,
				Callbacks:  h.callbacks,
			}, log)

			_, err := channels.Get("lobby").History(ctx, HistoryParams{})
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeNotConfigured))
		})
	})
})
