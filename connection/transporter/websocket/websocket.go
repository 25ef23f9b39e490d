/*
The websocket package carries protocol messages over a single websocket connection. Each websocket
message holds exactly one encoded ProtocolMessage, as text for json and as binary for msgpack. It is
the preferred transport; the connection manager falls back to comet when websockets cannot get
through.
*/

package websocket

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"gopkg.in/tomb.v2"

	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/connection/transporter"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/logger"
)

const (
	HttpsOnlyWebsocketScheme = "wss"
	HttpWebsocketScheme      = "ws"

	maxErrorBody = 64 * 1024
)

type Websocket struct {
	*transporter.Lifecycle

	tmb    tomb.Tomb
	logger *logger.Logger
	params transporter.Params
	dialer *gorilla.Dialer

	sendLock  sync.Mutex
	client    *gorilla.Conn
	closeOnce sync.Once
}

func New(params transporter.Params, sink transporter.Sink, logger *logger.Logger) transporter.Transport {
	w := &Websocket{
		logger: logger,
		params: params,
		dialer: &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: params.Timeouts.WebSocketConnect,
		},
	}
	w.Lifecycle = transporter.NewLifecycle(w, sink, params.Timeouts.RealtimeRequest, w.teardown, logger)
	return w
}

func (w *Websocket) Kind() config.TransportKind {
	return config.TransportWebSocket
}

func (w *Websocket) Host() string {
	return w.params.Host
}

func (w *Websocket) Connect() {
	w.tmb.Go(w.run)
}

func (w *Websocket) run() error {
	connUrl := w.params.URL(HttpsOnlyWebsocketScheme, HttpWebsocketScheme, "/")
	w.logger.Infof("Connecting to %s://%s", connUrl.Scheme, connUrl.Host)

	ctx, cancel := context.WithCancel(w.tmb.Context(context.Background()))
	defer cancel()

	client, response, err := w.dialer.DialContext(ctx, connUrl.String(), w.params.Headers)
	if err != nil {
		if !w.tmb.Alive() {
			return nil
		}

		dialErr := w.dialError(err, response)
		if errorinfo.IsFatal(dialErr) {
			w.Finish(transporter.EventFailed, dialErr)
		} else {
			w.Finish(transporter.EventDisconnected, dialErr)
		}
		return nil
	}

	w.sendLock.Lock()
	w.client = client
	w.sendLock.Unlock()

	// Dispose may have run while we were dialing
	if !w.tmb.Alive() || w.IsFinished() {
		client.Close()
		return nil
	}

	w.Preconnect()
	return w.receive()
}

// dialError prefers the error the service put in a rejected handshake's body
func (w *Websocket) dialError(err error, response *http.Response) *errorinfo.ErrorInfo {
	if response == nil {
		return errorinfo.Wrap(fmt.Errorf("error dialing websocket: %w", err), errorinfo.CodeDisconnected, 0)
	}
	defer response.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	var wrapper struct {
		Error *errorinfo.ErrorInfo `json:"error"`
	}
	if len(data) > 0 && w.params.Codec.Unmarshal(data, &wrapper) == nil && wrapper.Error != nil {
		if wrapper.Error.StatusCode == 0 {
			wrapper.Error.StatusCode = response.StatusCode
		}
		return wrapper.Error
	}

	return errorinfo.New(response.StatusCode*100, response.StatusCode, "websocket handshake failed with status %s", response.Status)
}

func (w *Websocket) receive() error {
	defer w.logger.Infof("Websocket connection closed")
	w.logger.Infof("Websocket connection started")

	for {
		// Read incoming message
		if _, rawMessage, err := w.client.ReadMessage(); !w.tmb.Alive() || w.IsFinished() {
			return nil
		} else if err != nil {
			// Check if it's a clean exit
			if gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
				w.logger.Info("Websocket connection closed normally")
			} else {
				w.logger.Error(err)
			}
			w.Finish(transporter.EventDisconnected, errorinfo.Wrap(err, errorinfo.CodeDisconnected, 0))
			return nil
		} else {
			var pm message.ProtocolMessage
			if err := w.params.Codec.Unmarshal(rawMessage, &pm); err != nil {
				w.logger.Errorf("dropping undecodable frame: %s", err)
				continue
			}
			if err := pm.Validate(); err != nil {
				w.logger.Errorf("dropping invalid frame: %s", err)
				continue
			}

			w.logger.Tracef("received %s", &pm)
			w.OnProtocolMessage(&pm)
		}
	}
}

func (w *Websocket) Send(pm *message.ProtocolMessage) error {
	data, err := w.params.Codec.Marshal(pm)
	if err != nil {
		return errorinfo.Wrap(fmt.Errorf("failed to encode %s: %w", pm.Action, err), errorinfo.CodeBadRequest, 400)
	}

	messageType := gorilla.TextMessage
	if w.params.Codec.Binary() {
		messageType = gorilla.BinaryMessage
	}

	w.sendLock.Lock()
	defer w.sendLock.Unlock()

	if w.client == nil {
		return errorinfo.New(errorinfo.CodeDisconnected, 0, "cannot send message because websocket is not open")
	}

	w.logger.Tracef("sending %s", pm)
	if err := w.client.WriteMessage(messageType, data); err != nil {
		return errorinfo.Wrap(err, errorinfo.CodeDisconnected, 0)
	}
	return nil
}

// Close asks the service to close the connection. The service answers with
// CLOSED, which finishes the transport; if it cannot be asked, we finish here.
func (w *Websocket) Close() {
	if err := w.Send(&message.ProtocolMessage{Action: message.ActionClose}); err != nil {
		w.Finish(transporter.EventClosed, nil)
	}
}

func (w *Websocket) Disconnect(err *errorinfo.ErrorInfo) {
	w.Send(&message.ProtocolMessage{Action: message.ActionDisconnect})
	if err == nil {
		err = errorinfo.Disconnected()
	}
	w.Finish(transporter.EventDisconnected, err)
}

func (w *Websocket) Dispose() {
	w.Detach()
	w.teardown()
}

func (w *Websocket) teardown() {
	w.closeOnce.Do(func() {
		w.tmb.Kill(nil)

		w.sendLock.Lock()
		client := w.client
		w.sendLock.Unlock()

		if client != nil {
			closing := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
			client.WriteControl(gorilla.CloseMessage, closing, time.Now().Add(time.Second))
			client.Close()
		}
	})
}
