package channel

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"relaywire.io/realtime/connection"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
)

var _ = Describe("Channels", func() {
	var h *harness
	ctx := context.Background()

	BeforeEach(func() {
		h = newHarness(testConfig(), nil)
	})

	AfterEach(func() {
		h.dispose()
	})

	It("returns the same channel for a name", func() {
		ch := h.channels.Get("lobby")
		Expect(h.channels.Get("lobby")).To(BeIdenticalTo(ch))
		Expect(h.channels.Exists("lobby")).To(BeTrue())
		Expect(h.channels.Exists("other")).To(BeFalse())
	})

	It("lists channels in creation order", func() {
		h.channels.Get("b")
		h.channels.Get("a")
		h.channels.Get("c")

		Expect(h.channels.Names()).To(Equal([]string{"b", "a", "c"}))
	})

	It("only applies options when it creates the channel", func() {
		ch := h.channels.GetWithOptions("lobby", ChannelOptions{Params: map[string]string{"rewind": "1"}})
		h.channels.GetWithOptions("lobby", ChannelOptions{Params: map[string]string{"rewind": "5"}})

		async(func() error { return ch.Attach(ctx) })
		Expect(h.nextSent().Params).To(Equal(map[string]string{"rewind": "1"}))
	})

	It("ignores messages for channels it does not know", func() {
		h.deliver(&message.ProtocolMessage{Action: message.ActionAttached, Channel: "unknown"})
		Expect(h.channels.Exists("unknown")).To(BeFalse())
	})

	Context("Release", func() {
		It("refuses to release an attached channel", func() {
			ch := h.channels.Get("lobby")
			h.attach(ch, 0)

			err := h.channels.Release("lobby")
			Expect(errorinfo.Code(err)).To(Equal(errorinfo.CodeChannelInvalidState))
			Expect(h.channels.Exists("lobby")).To(BeTrue())
		})

		It("forgets a detached channel", func() {
			ch := h.channels.Get("lobby")
			h.attach(ch, 0)

			result := async(func() error { return ch.Detach(ctx) })
			h.nextSent()
			h.deliver(&message.ProtocolMessage{Action: message.ActionDetached, Channel: "lobby"})
			Eventually(result).Should(Receive(BeNil()))

			Expect(h.channels.Release("lobby")).To(Succeed())
			Expect(h.channels.Exists("lobby")).To(BeFalse())
			Expect(h.channels.Get("lobby")).ToNot(BeIdenticalTo(ch))
		})

		It("does nothing for an unknown channel", func() {
			Expect(h.channels.Release("unknown")).To(Succeed())
		})
	})

	Context("Connection interruptions", func() {
		var attached, fresh *Channel

		BeforeEach(func() {
			attached = h.channels.Get("attached")
			h.attach(attached, 0)
			fresh = h.channels.Get("fresh")
		})

		It("suspends active channels when the connection is suspended", func() {
			h.conn.SetState(connection.StateSuspended)
			h.onLoop(func() {
				h.channels.PropagateConnectionInterruption(connection.StateSuspended, errorinfo.Suspended())
			})

			Expect(attached.State()).To(Equal(StateSuspended))
			Expect(attached.ErrorReason().Code).To(Equal(errorinfo.CodeConnectionSuspended))
			Expect(fresh.State()).To(Equal(StateInitialized))
			Expect(h.serials()).To(BeEmpty())
		})

		It("detaches active channels when the connection closes", func() {
			h.conn.SetState(connection.StateClosed)
			h.onLoop(func() {
				h.channels.PropagateConnectionInterruption(connection.StateClosed, errorinfo.Closed())
			})

			Expect(attached.State()).To(Equal(StateDetached))
			Expect(fresh.State()).To(Equal(StateInitialized))
		})

		It("fails active channels when the connection fails", func() {
			h.conn.SetState(connection.StateFailed)
			h.onLoop(func() {
				h.channels.PropagateConnectionInterruption(connection.StateFailed, errorinfo.ConnectionFailed())
			})

			Expect(attached.State()).To(Equal(StateFailed))
			Expect(attached.ErrorReason().Code).To(Equal(errorinfo.CodeConnectionFailed))
		})

		It("leaves channels alone while the connection is only disconnected", func() {
			h.conn.SetState(connection.StateDisconnected)
			h.onLoop(func() {
				h.channels.PropagateConnectionInterruption(connection.StateDisconnected, errorinfo.Disconnected())
			})

			Expect(attached.State()).To(Equal(StateAttached))
		})

		It("reattaches suspended channels once a transport is active again", func() {
			h.conn.SetState(connection.StateSuspended)
			h.onLoop(func() {
				h.channels.PropagateConnectionInterruption(connection.StateSuspended, errorinfo.Suspended())
			})

			h.conn.SetState(connection.StateConnected)
			h.onLoop(h.channels.OnTransportActive)

			pm := h.nextSent()
			Expect(pm.Action).To(Equal(message.ActionAttach))
			Expect(pm.Channel).To(Equal("attached"))
			h.noneSent()
		})
	})
})
