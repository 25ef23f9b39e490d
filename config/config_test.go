package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"relaywire.io/realtime/config"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestConfig(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Config", func() {
	var path string

	BeforeEach(func() {
		dir, err := os.MkdirTemp("", "config")
		Expect(err).ToNot(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)

		path = filepath.Join(dir, "realtime.yaml")
	})

	writeConfig := func(contents string) {
		Expect(os.WriteFile(path, []byte(contents), 0600)).To(Succeed())
	}

	When("no file exists", func() {
		It("returns the defaults", func() {
			opts, err := config.Load(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.RealtimeHost).To(Equal(config.DefaultRealtimeHost))
			Expect(opts.Timeouts.DisconnectedRetry).To(Equal(15 * time.Second))
			Expect(opts.Transports).To(Equal([]config.TransportKind{config.TransportWebSocket, config.TransportComet}))
		})
	})

	When("a file is present", func() {
		It("overlays file values on the defaults", func() {
			writeConfig(`
key: "app.key:secret"
format: msgpack
fallbackHosts: ["one.example.com"]
timeouts:
  realtimeRequest: 2s
`)
			opts, err := config.Load(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.Key).To(Equal("app.key:secret"))
			Expect(opts.Format).To(Equal(config.FormatMsgpack))
			Expect(opts.FallbackHosts).To(Equal([]string{"one.example.com"}))
			Expect(opts.Timeouts.RealtimeRequest).To(Equal(2 * time.Second))
			Expect(opts.Timeouts.SuspendedRetry).To(Equal(30 * time.Second))
		})

		It("lets environment variables win over the file", func() {
			writeConfig(`realtimeHost: file.example.com`)
			os.Setenv("REALTIME_REALTIME_HOST", "env.example.com")
			os.Setenv("REALTIME_TRANSPORTS", "comet")
			DeferCleanup(os.Unsetenv, "REALTIME_REALTIME_HOST")
			DeferCleanup(os.Unsetenv, "REALTIME_TRANSPORTS")

			opts, err := config.Load(path)
			Expect(err).ToNot(HaveOccurred())
			Expect(opts.RealtimeHost).To(Equal("env.example.com"))
			Expect(opts.Transports).To(Equal([]config.TransportKind{config.TransportComet}))
		})

		It("reports malformed yaml as a file error", func() {
			writeConfig("key: [unterminated")
			_, err := config.Load(path)

			var fileErr *config.FileError
			Expect(errors.As(err, &fileErr)).To(BeTrue())
		})
	})

	Context("Validation", func() {
		It("rejects unknown formats and transports", func() {
			opts := config.Default()
			opts.Format = "xml"
			Expect(opts.Validate()).To(HaveOccurred())

			opts = config.Default()
			opts.Transports = []config.TransportKind{"carrier_pigeon"}
			Expect(opts.Validate()).To(HaveOccurred())
		})

		It("rejects a wildcard client id", func() {
			opts := config.Default()
			opts.ClientID = "*"

			var validationErr *config.ValidationError
			Expect(errors.As(opts.Validate(), &validationErr)).To(BeTrue())
			Expect(validationErr.Field).To(Equal("clientId"))
		})
	})
})
