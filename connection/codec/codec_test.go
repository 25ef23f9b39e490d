package codec

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
)

func TestCodec(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Codec Suite")
}

var _ = Describe("Codec", func() {
	frame := func() *message.ProtocolMessage {
		return &message.ProtocolMessage{
			Action:    message.ActionMessage,
			Channel:   "rooms:lobby",
			MsgSerial: 7,
			Messages: []*message.Message{
				{Name: "greeting", Data: "hi", ClientID: "alice"},
			},
		}
	}

	for _, format := range []config.Format{config.FormatJSON, config.FormatMsgpack} {
		format := format

		Context(string(format), func() {
			var c Codec

			BeforeEach(func() {
				var err error
				c, err = ForFormat(format)
				Expect(err).ToNot(HaveOccurred())
			})

			It("carries protocol frames across", func() {
				data, err := c.Marshal(frame())
				Expect(err).ToNot(HaveOccurred())

				var decoded message.ProtocolMessage
				Expect(c.Unmarshal(data, &decoded)).To(Succeed())
				Expect(decoded.Action).To(Equal(message.ActionMessage))
				Expect(decoded.Channel).To(Equal("rooms:lobby"))
				Expect(decoded.MsgSerial).To(BeEquivalentTo(7))
				Expect(decoded.Messages).To(HaveLen(1))
				Expect(decoded.Messages[0].Data).To(Equal("hi"))
			})

			It("carries errors using their wire field names", func() {
				pm := &message.ProtocolMessage{
					Action: message.ActionError,
					Error:  errorinfo.New(40100, 401, "unauthorized"),
				}
				data, err := c.Marshal(pm)
				Expect(err).ToNot(HaveOccurred())

				var decoded message.ProtocolMessage
				Expect(c.Unmarshal(data, &decoded)).To(Succeed())
				Expect(decoded.Error.Code).To(Equal(40100))
				Expect(decoded.Error.StatusCode).To(Equal(401))
			})
		})
	}

	It("rejects unknown formats", func() {
		_, err := ForFormat("xml")
		Expect(err).To(HaveOccurred())
	})

	It("marks msgpack as binary", func() {
		Expect(Msgpack{}.Binary()).To(BeTrue())
		Expect(JSON{}.Binary()).To(BeFalse())
	})
})
