package channel

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"relaywire.io/realtime/connection"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
)

func clientIDs(members []*message.PresenceMessage) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ClientID)
	}
	return ids
}

func member(action message.PresenceAction, clientID string, connectionID string, serial int) *message.PresenceMessage {
	return &message.PresenceMessage{
		Action:       action,
		ClientID:     clientID,
		ConnectionID: connectionID,
		ID:           connectionID + ":" + string(rune('0'+serial)) + ":0",
		Timestamp:    int64(1000 + serial),
	}
}

var _ = Describe("Presence", func() {
	var h *harness
	var ch *Channel
	ctx := context.Background()

	BeforeEach(func() {
		h = newHarness(testConfig(), nil)
		ch = h.channels.Get("lobby")
	})

	AfterEach(func() {
		h.dispose()
	})

	Context("Enter", func() {
		It("attaches the channel and sends the enter once attached", func() {
			h.conn.SetClientID("alice")
			result := async(func() error { return ch.Presence().Enter(ctx, "hi") })

			Expect(h.nextSent().Action).To(Equal(message.ActionAttach))
			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby"})

			pm := h.nextSent()
			Expect(pm.Action).To(Equal(message.ActionPresence))
			Expect(pm.Presence).To(HaveLen(1))
			Expect(pm.Presence[0].Action).To(Equal(message.PresenceEnter))
			Expect(pm.Presence[0].Data).To(Equal("hi"))
			Consistently(result, 100*time.Millisecond).ShouldNot(Receive())

			h.ack()
			Eventually(result).Should(Receive(BeNil()))
		})

		It("sends queued operations together", func() {
			h.conn.SetClientID("*")
			first := async(func() error { return ch.Presence().EnterClient(ctx, "a", nil) })
			h.nextSent()
			second := async(func() error { return ch.Presence().EnterClient(ctx, "b", nil) })
			Eventually(func() int {
				var n int
				h.onLoop(func() { n = len(ch.presence.pending) })
				return n
			}).Should(Equal(2))

			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby"})

			pm := h.nextSent()
			Expect(clientIDs(pm.Presence)).To(Equal([]string{"a", "b"}))

			h.ack()
			Eventually(first).Should(Receive(BeNil()))
			Eventually(second).Should(Receive(BeNil()))
		})

		It("requires a client id", func() {
			err := ch.Presence().Enter(ctx, nil)
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeInvalidClientID))
			h.noneSent()
		})

		It("fails queued operations when the attach fails", func() {
			h.conn.SetClientID("alice")
			result := async(func() error { return ch.Presence().Enter(ctx, nil) })
			h.nextSent()

			h.deliver(&message.ProtocolMessage{
				Action:  message.ActionDetached,
				Channel: "lobby",
				Error:   errorinfo.New(40160, 401, "not permitted"),
			})

			var err error
			Eventually(result).Should(Receive(&err))
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodePresenceInvalidState))
		})

		It("is refused on a failed channel", func() {
			h.conn.SetClientID("alice")
			h.attach(ch, 0)
			h.deliver(&message.ProtocolMessage{Action: message.ActionError, Channel: "lobby", Error: errorinfo.New(90000, 500, "boom")})
			Eventually(ch.State).Should(Equal(StateFailed))

			err := ch.Presence().Enter(ctx, nil)
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeChannelInvalidState))
		})
	})

	Context("Leave", func() {
		It("is refused before the channel was ever attached", func() {
			h.conn.SetClientID("alice")

			err := ch.Presence().Leave(ctx, nil)
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeChannelInvalidState))
			h.noneSent()
		})

		It("sends a leave while attached", func() {
			h.conn.SetClientID("alice")
			h.attach(ch, 0)

			result := async(func() error { return ch.Presence().Leave(ctx, "bye") })
			pm := h.nextSent()
			Expect(pm.Presence[0].Action).To(Equal(message.PresenceLeave))

			h.ack()
			Eventually(result).Should(Receive(BeNil()))
		})
	})

	Context("Get", func() {
		It("waits for the sync to complete", func() {
			h.attach(ch, message.FlagHasPresence)

			type result struct {
				members []*message.PresenceMessage
				err     error
			}
			results := make(chan result, 1)
			go func() {
				defer GinkgoRecover()
				members, err := ch.Presence().Get(ctx, GetParams{})
				results <- result{members, err}
			}()

			h.deliver(&message.ProtocolMessage{
				Action: message.ActionSync, Channel: "lobby", ChannelSerial: "sync1:cursor",
				Presence: []*message.PresenceMessage{member(message.PresencePresent, "a", "connA", 0)},
			})
			Consistently(results, 100*time.Millisecond).ShouldNot(Receive())

			h.deliver(&message.ProtocolMessage{
				Action: message.ActionSync, Channel: "lobby", ChannelSerial: "sync1:",
				Presence: []*message.PresenceMessage{member(message.PresencePresent, "b", "connB", 0)},
			})

			var r result
			Eventually(results).Should(Receive(&r))
			Expect(r.err).ToNot(HaveOccurred())
			Expect(clientIDs(r.members)).To(ConsistOf("a", "b"))
		})

		It("filters by client id", func() {
			h.attach(ch, 0)
			h.deliver(&message.ProtocolMessage{
				Action:  message.ActionPresence,
				Channel: "lobby",
				Presence: []*message.PresenceMessage{
					member(message.PresenceEnter, "a", "connA", 0),
					member(message.PresenceEnter, "b", "connB", 0),
				},
			})

			members, err := ch.Presence().Get(ctx, GetParams{ClientID: "b"})
			Expect(err).ToNot(HaveOccurred())
			Expect(clientIDs(members)).To(Equal([]string{"b"}))
		})

		It("is out of sync while the channel is suspended unless stale members are allowed", func() {
			h.attach(ch, 0)
			h.deliver(&message.ProtocolMessage{
				Action:   message.ActionPresence,
				Channel:  "lobby",
				Presence: []*message.PresenceMessage{member(message.PresenceEnter, "a", "connA", 0)},
			})

			h.conn.SetState(connection.StateSuspended)
			h.onLoop(func() {
				h.channels.PropagateConnectionInterruption(connection.StateSuspended, errorinfo.Suspended())
			})
			Expect(ch.State()).To(Equal(StateSuspended))

			_, err := ch.Presence().Get(ctx, GetParams{})
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodePresenceOutOfSync))

			members, err := ch.Presence().Get(ctx, GetParams{AllowStale: true})
			Expect(err).ToNot(HaveOccurred())
			Expect(clientIDs(members)).To(Equal([]string{"a"}))
		})
	})

	Context("Membership", func() {
		It("broadcasts changes and residual leaves after a resync", func() {
			h.attach(ch, message.FlagHasPresence)
			h.deliver(&message.ProtocolMessage{
				Action: message.ActionSync, Channel: "lobby", ChannelSerial: "sync1:",
				Presence: []*message.PresenceMessage{
					member(message.PresencePresent, "a", "connA", 0),
					member(message.PresencePresent, "b", "connB", 0),
					member(message.PresencePresent, "c", "connC", 0),
				},
			})

			leaves := make(chan *message.PresenceMessage, 8)
			off, err := ch.Presence().Subscribe(ctx, func(m *message.PresenceMessage) { leaves <- m }, message.PresenceLeave)
			Expect(err).ToNot(HaveOccurred())
			defer off()

			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby", Flags: message.FlagHasPresence})
			h.deliver(&message.ProtocolMessage{
				Action: message.ActionSync, Channel: "lobby", ChannelSerial: "sync2:",
				Presence: []*message.PresenceMessage{
					member(message.PresencePresent, "a", "connA", 1),
					member(message.PresencePresent, "c", "connC", 1),
				},
			})

			var leave *message.PresenceMessage
			Eventually(leaves).Should(Receive(&leave))
			Expect(leave.ClientID).To(Equal("b"))
			Expect(leave.Action).To(Equal(message.PresenceLeave))
			Consistently(leaves, 100*time.Millisecond).ShouldNot(Receive())

			members, err := ch.Presence().Get(ctx, GetParams{})
			Expect(err).ToNot(HaveOccurred())
			Expect(clientIDs(members)).To(ConsistOf("a", "c"))
		})

		It("only delivers the subscribed actions", func() {
			enters := make(chan *message.PresenceMessage, 8)
			result := async(func() error {
				_, err := ch.Presence().Subscribe(ctx, func(m *message.PresenceMessage) { enters <- m }, message.PresenceEnter)
				return err
			})
			h.nextSent()
			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby"})
			Eventually(result).Should(Receive(BeNil()))

			updated := member(message.PresenceUpdate, "a", "connA", 1)
			h.deliver(&message.ProtocolMessage{
				Action:  message.ActionPresence,
				Channel: "lobby",
				Presence: []*message.PresenceMessage{
					member(message.PresenceEnter, "a", "connA", 0),
					updated,
				},
			})

			var enter *message.PresenceMessage
			Eventually(enters).Should(Receive(&enter))
			Expect(enter.Action).To(Equal(message.PresenceEnter))
			Consistently(enters, 100*time.Millisecond).ShouldNot(Receive())
		})
	})

	Context("Own members", func() {
		BeforeEach(func() {
			h.conn.SetClientID("alice")
			h.attach(ch, 0)
			h.deliver(&message.ProtocolMessage{
				Action:  message.ActionPresence,
				Channel: "lobby",
				Presence: []*message.PresenceMessage{{
					Action:       message.PresenceEnter,
					ClientID:     "alice",
					ConnectionID: "conn1",
					ID:           "conn1:3:0",
					Data:         "hi",
					Timestamp:    1000,
				}},
			})
		})

		It("re-enters them when the channel attaches without continuity", func() {
			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby"})

			pm := h.nextSent()
			Expect(pm.Action).To(Equal(message.ActionPresence))
			Expect(pm.Presence[0].Action).To(Equal(message.PresenceEnter))
			Expect(pm.Presence[0].ID).To(Equal("conn1:3:0"))
			Expect(pm.Presence[0].ClientID).To(Equal("alice"))
			Expect(pm.Presence[0].Data).To(Equal("hi"))
		})

		It("drops the id when the connection changed", func() {
			h.conn.SetConnectionID("conn2")
			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby"})

			pm := h.nextSent()
			Expect(pm.Presence[0].ID).To(BeEmpty())
			Expect(pm.Presence[0].ClientID).To(Equal("alice"))
		})

		It("reports a failed re-enter as an update", func() {
			updates := record(ch, EventUpdate)
			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby"})
			h.nextSent()

			var change StateChange
			Eventually(updates).Should(Receive(&change))
			Expect(change.Reason).To(BeNil())

			h.onLoop(func() { h.conn.Nack(errorinfo.New(40160, 401, "not permitted")) })

			Eventually(updates).Should(Receive(&change))
			Expect(change.Current).To(Equal(StateAttached))
			Expect(change.Reason.Code).To(Equal(errorinfo.CodePresenceReenterFailed))
			Expect(errorinfo.Code(change.Reason.Cause)).To(Equal(40160))
		})

		It("forgets them once they leave", func() {
			h.deliver(&message.ProtocolMessage{
				Action:  message.ActionPresence,
				Channel: "lobby",
				Presence: []*message.PresenceMessage{{
					Action:       message.PresenceLeave,
					ClientID:     "alice",
					ConnectionID: "conn1",
					ID:           "conn1:4:0",
					Timestamp:    2000,
				}},
			})

			h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby"})
			h.noneSent()
		})
	})
})

var _ = Describe("Annotations", func() {
	var h *harness
	var ch *Channel
	ctx := context.Background()

	BeforeEach(func() {
		h = newHarness(testConfig(), nil)
		ch = h.channels.Get("lobby")
	})

	AfterEach(func() {
		h.dispose()
	})

	It("publishes an annotation for a message serial", func() {
		result := async(func() error {
			return ch.Annotations().Publish(ctx, "serial1", &message.Annotation{Type: "reaction:distinct.v1", Name: "like"})
		})

		pm := h.nextSent()
		Expect(pm.Action).To(Equal(message.ActionAnnotation))
		Expect(pm.Annotations).To(HaveLen(1))
		Expect(pm.Annotations[0].MessageSerial).To(Equal("serial1"))
		Expect(pm.Annotations[0].Action).To(Equal(message.AnnotationCreate))

		h.ack()
		Eventually(result).Should(Receive(BeNil()))
	})

	It("requires a type", func() {
		err := ch.Annotations().Delete(ctx, "serial1", &message.Annotation{Name: "like"})
		Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeBadRequest))
		h.noneSent()
	})

	It("delivers annotations of the subscribed types", func() {
		received := make(chan *message.Annotation, 8)
		result := async(func() error {
			_, err := ch.Annotations().Subscribe(ctx, func(a *message.Annotation) { received <- a }, "reaction")
			return err
		})
		h.nextSent()
		h.deliver(&message.ProtocolMessage{
			Action:  message.ActionAttached,
			Channel: "lobby",
			Flags:   message.ModesToFlags([]message.ChannelMode{message.ModeSubscribe, message.ModeAnnotationSubscribe}),
		})
		Eventually(result).Should(Receive(BeNil()))

		h.deliver(&message.ProtocolMessage{
			Action:  message.ActionAnnotation,
			Channel: "lobby",
			ID:      "pm1",
			Annotations: []*message.Annotation{
				{Type: "reaction", Name: "like", MessageSerial: "serial1"},
				{Type: "other", MessageSerial: "serial1"},
			},
		})

		var a *message.Annotation
		Eventually(received).Should(Receive(&a))
		Expect(a.ID).To(Equal("pm1:0"))
		Expect(a.Name).To(Equal("like"))
		Consistently(received, 100*time.Millisecond).ShouldNot(Receive())
	})

	It("refuses to subscribe without the annotation subscribe mode", func() {
		result := async(func() error {
			_, err := ch.Annotations().Subscribe(ctx, func(*message.Annotation) {})
			return err
		})
		h.nextSent()
		h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "lobby", Flags: message.FlagSubscribe})

		var err error
		Eventually(result).Should(Receive(&err))
		Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeOperationNotPermitted))
	})
})
