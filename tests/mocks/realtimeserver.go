package mocks

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"relaywire.io/realtime/config"
	"relaywire.io/realtime/connection/codec"
	"relaywire.io/realtime/connection/message"
	"relaywire.io/realtime/errorinfo"
	"relaywire.io/realtime/logger"
)

// Responder lets a test script the server's answer to one inbound message.
// It returns false to fall back to the default answer.
type Responder func(conn *ServerConn, pm *message.ProtocolMessage) bool

// RealtimeServer speaks just enough of the realtime protocol over websockets
// for transport and end-to-end tests. Unless told otherwise it answers
// CONNECT with CONNECTED, ATTACH with ATTACHED, DETACH with DETACHED, acks
// everything that needs an ack, echoes heartbeats and closes on CLOSE.
type RealtimeServer struct {
	logger   *logger.Logger
	listener net.Listener

	Host string
	Port int

	// Connections receives every accepted connection
	Connections chan *ServerConn

	mu              sync.Mutex
	reject          *errorinfo.ErrorInfo
	responder       Responder
	maxIdleInterval int64
	nextID          int
	known           map[string]string
	conns           []*ServerConn
}

// Adapted from: https://golangdocs.com/golang-gorilla-websockets
func NewRealtimeServer(logger *logger.Logger) *RealtimeServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Errorf("failed to setup listener: %s", err)
		return nil
	}

	server := &RealtimeServer{
		logger:      logger,
		listener:    listener,
		Host:        "127.0.0.1",
		Port:        listener.Addr().(*net.TCPAddr).Port,
		Connections: make(chan *ServerConn, 16),
		known:       make(map[string]string),
	}

	go func() {
		http.Serve(server.listener, server)
	}()

	return server
}

// Reject refuses every following upgrade with err, or accepts again when nil
func (s *RealtimeServer) Reject(err *errorinfo.ErrorInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = err
}

func (s *RealtimeServer) Respond(responder Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responder = responder
}

// SetMaxIdleInterval is advertised in the connection details of CONNECTED
func (s *RealtimeServer) SetMaxIdleInterval(millis int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxIdleInterval = millis
}

func (s *RealtimeServer) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s *RealtimeServer) Shutdown() {
	s.listener.Close()

	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Drop()
	}
}

func (s *RealtimeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	s.mu.Lock()
	reject := s.reject
	s.mu.Unlock()

	if reject != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(reject.StatusCode)
		data, _ := codec.JSON{}.Marshal(map[string]interface{}{"error": reject})
		w.Write(data)
		return
	}

	wireCodec, err := codec.ForFormat(config.Format(query.Get("format")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{}

	// Upgrade our raw HTTP connection to a websocket based one
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Error during connection upgradation: %s", err)
		return
	}

	conn := s.accept(ws, query, wireCodec)
	defer conn.Drop()

	// The event loop
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var pm message.ProtocolMessage
		if err := wireCodec.Unmarshal(data, &pm); err != nil {
			s.logger.Errorf("Error during message decoding: %s", err)
			continue
		}

		select {
		case conn.Received <- &pm:
		default:
			s.logger.Errorf("dropping %s because nobody is reading", &pm)
		}

		s.mu.Lock()
		responder := s.responder
		s.mu.Unlock()

		if responder != nil && responder(conn, &pm) {
			continue
		}
		s.respond(conn, &pm)
	}
}

func (s *RealtimeServer) accept(ws *websocket.Conn, query url.Values, wireCodec codec.Codec) *ServerConn {
	s.mu.Lock()
	conn := &ServerConn{
		ws:       ws,
		codec:    wireCodec,
		Query:    query,
		Received: make(chan *message.ProtocolMessage, 256),
	}

	// resuming a known connection keeps its id
	resumed := false
	for _, key := range []string{query.Get("resume"), query.Get("recover")} {
		if id, ok := s.known[key]; ok && key != "" {
			conn.ConnectionID = id
			resumed = true
			break
		}
	}
	if !resumed {
		s.nextID++
		conn.ConnectionID = fmt.Sprintf("conn%d", s.nextID)
	}
	conn.ConnectionKey = "key-" + conn.ConnectionID
	s.known[conn.ConnectionKey] = conn.ConnectionID
	s.conns = append(s.conns, conn)

	connected := &message.ProtocolMessage{
		Action:       message.ActionConnected,
		ConnectionID: conn.ConnectionID,
		ConnectionDetails: &message.ConnectionDetails{
			ClientID:           query.Get("clientId"),
			ConnectionKey:      conn.ConnectionKey,
			MaxIdleInterval:    s.maxIdleInterval,
			ConnectionStateTTL: 120000,
			MaxMessageSize:     65536,
		},
	}
	if resumed {
		connected.SetFlag(message.FlagResumed)
	}
	s.mu.Unlock()

	select {
	case s.Connections <- conn:
	default:
	}

	conn.Send(connected)
	return conn
}

func (s *RealtimeServer) respond(conn *ServerConn, pm *message.ProtocolMessage) {
	switch pm.Action {
	case message.ActionHeartbeat:
		conn.Send(&message.ProtocolMessage{Action: message.ActionHeartbeat, ID: pm.ID})

	case message.ActionAttach:
		attached := &message.ProtocolMessage{
			Action:        message.ActionAttached,
			Channel:       pm.Channel,
			ChannelSerial: pm.Channel + ":0",
			Flags:         pm.Flags &^ message.FlagAttachResume,
		}
		if pm.HasFlag(message.FlagAttachResume) {
			attached.SetFlag(message.FlagResumed)
		}
		conn.Send(attached)

	case message.ActionDetach:
		conn.Send(&message.ProtocolMessage{Action: message.ActionDetached, Channel: pm.Channel})

	case message.ActionMessage, message.ActionPresence, message.ActionAnnotation:
		conn.Send(&message.ProtocolMessage{Action: message.ActionAck, MsgSerial: pm.MsgSerial, Count: 1})

	case message.ActionClose:
		conn.Send(&message.ProtocolMessage{Action: message.ActionClosed})
		conn.Drop()

	case message.ActionDisconnect:
		conn.Drop()
	}
}

// ServerConn is the server's end of one accepted websocket
type ServerConn struct {
	ws    *websocket.Conn
	codec codec.Codec

	Query         url.Values
	ConnectionID  string
	ConnectionKey string
	Received      chan *message.ProtocolMessage

	writeLock sync.Mutex
	dropOnce  sync.Once
}

func (c *ServerConn) Send(pm *message.ProtocolMessage) error {
	data, err := c.codec.Marshal(pm)
	if err != nil {
		return err
	}

	messageType := websocket.TextMessage
	if c.codec.Binary() {
		messageType = websocket.BinaryMessage
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.ws.WriteMessage(messageType, data)
}

// Drop closes the socket without any protocol goodbye
func (c *ServerConn) Drop() {
	c.dropOnce.Do(func() {
		c.ws.Close()
	})
}
