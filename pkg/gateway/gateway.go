// Package gateway terminates the signaling WebSockets. It owns the sockets
// and their join bindings, translates wire requests into conference messages
// and carries conference events back out. It is the only package that touches
// a connection.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/riverbed-media/estuary/pkg/conference"
	"github.com/riverbed-media/estuary/pkg/conference/participant"
	"github.com/riverbed-media/estuary/pkg/registry"
	"github.com/riverbed-media/estuary/pkg/sfuerr"
	"github.com/riverbed-media/estuary/pkg/signaling"
	"github.com/riverbed-media/estuary/pkg/telemetry"
)

// SocketMetrics receives socket lifecycle ticks. Implemented by the metrics
// package; nil disables it.
type SocketMetrics interface {
	SocketConnected()
	SocketDisconnected()
}

type nopSocketMetrics struct{}

func (nopSocketMetrics) SocketConnected() {}

func (nopSocketMetrics) SocketDisconnected() {}

// Gateway upgrades signaling connections and dispatches their requests.
type Gateway struct {
	registry *registry.Registry
	metrics  SocketMetrics
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	// replyTimeout bounds the wait for a conference reply. Slightly above the
	// conference's own operation timeout so its OperationTimeout wins.
	replyTimeout time.Duration

	mu      sync.Mutex
	sockets map[string]*socket
}

func New(reg *registry.Registry, operationTimeout time.Duration, metrics SocketMetrics, logger *logrus.Entry) *Gateway {
	if metrics == nil {
		metrics = nopSocketMetrics{}
	}
	if operationTimeout <= 0 {
		operationTimeout = conference.DefaultOperationTimeout
	}
	return &Gateway{
		registry: reg,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		replyTimeout: operationTimeout + 5*time.Second,
		sockets:      make(map[string]*socket),
	}
}

// SetRegistry wires in the conference registry. The gateway and the registry
// reference each other, so the gateway is constructed first and completed
// here before serving.
func (g *Gateway) SetRegistry(reg *registry.Registry) {
	g.registry = reg
}

// ServeHTTP upgrades the connection and runs its read loop until the socket
// dies. A socket that drops while joined leaves its conference implicitly.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	s := &socket{
		id:     uuid.NewString(),
		conn:   conn,
		out:    make(chan []byte, outboundBuffer),
		closed: make(chan struct{}),
	}
	s.logger = g.logger.WithField("socket_id", s.id)

	g.mu.Lock()
	g.sockets[s.id] = s
	g.mu.Unlock()
	g.metrics.SocketConnected()
	s.logger.Info("socket connected")

	go s.writeLoop()
	g.readLoop(s)

	g.mu.Lock()
	delete(g.sockets, s.id)
	g.mu.Unlock()
	g.metrics.SocketDisconnected()

	if s.bound() {
		_ = g.registry.Send(s.conferenceID, conference.Message{
			Content: conference.Disconnect{ParticipantID: s.participantID, SocketID: s.id},
		})
	}
	s.close()
	s.logger.Info("socket disconnected")
}

func (g *Gateway) readLoop(s *socket) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.WithError(err).Debug("socket read failed")
			}
			return
		}

		var request signaling.Request
		if err := json.Unmarshal(frame, &request); err != nil {
			g.respondError(s, 0, sfuerr.ProtocolError.With("malformed request envelope"))
			continue
		}
		g.handleRequest(s, &request)
	}
}

// Notify implements signaling.Notifier.
func (g *Gateway) Notify(socketID string, event signaling.Event) {
	g.mu.Lock()
	s := g.sockets[socketID]
	g.mu.Unlock()
	if s == nil {
		return
	}

	frame, err := json.Marshal(signaling.Notification{Event: event.EventName(), Payload: event})
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal notification")
		return
	}
	s.enqueue(frame)
}

// Disconnect implements signaling.Notifier.
func (g *Gateway) Disconnect(socketID string) {
	g.mu.Lock()
	s := g.sockets[socketID]
	g.mu.Unlock()
	if s == nil {
		return
	}

	// The read loop notices the closed connection and runs the usual cleanup;
	// the binding is already gone conference-side.
	s.close()
}

// CloseAll drops every socket, for server shutdown.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	sockets := make([]*socket, 0, len(g.sockets))
	for _, s := range g.sockets {
		sockets = append(sockets, s)
	}
	g.mu.Unlock()

	for _, s := range sockets {
		s.close()
	}
}

func (g *Gateway) handleRequest(s *socket, request *signaling.Request) {
	span := telemetry.StartSpan(context.Background(), request.Event, attribute.String("socket_id", s.id))
	defer span.End()

	data, err := g.dispatch(s, request)
	if err != nil {
		span.Fail(err)
		g.respondError(s, request.ID, err)
		return
	}
	g.respondOK(s, request.ID, data)
}

func (g *Gateway) dispatch(s *socket, request *signaling.Request) (any, error) {
	switch request.Event {
	case signaling.RequestJoinConference:
		return g.handleJoin(s, request.Payload)
	case signaling.RequestCreateTransport:
		payload, err := decode[signaling.CreateTransportRequest](request.Payload)
		if err != nil {
			return nil, err
		}
		if err := g.checkBinding(s, payload.ConferenceID, payload.ParticipantID); err != nil {
			return nil, err
		}
		return g.roundTrip(s, conference.CreateTransport{
			ParticipantID: payload.ParticipantID,
			Direction:     payload.Direction,
		})
	case signaling.RequestConnectTransport:
		payload, err := decode[signaling.ConnectTransportRequest](request.Payload)
		if err != nil {
			return nil, err
		}
		if err := g.checkBinding(s, payload.ConferenceID, payload.ParticipantID); err != nil {
			return nil, err
		}
		return g.roundTrip(s, conference.ConnectTransport{
			ParticipantID:  payload.ParticipantID,
			Direction:      payload.Direction,
			DTLSParameters: payload.DTLSParameters,
		})
	case signaling.RequestProduce:
		payload, err := decode[signaling.ProduceRequest](request.Payload)
		if err != nil {
			return nil, err
		}
		if err := g.checkBinding(s, payload.ConferenceID, payload.ParticipantID); err != nil {
			return nil, err
		}
		return g.roundTrip(s, conference.Produce{
			ParticipantID: payload.ParticipantID,
			TransportID:   payload.TransportID,
			Kind:          payload.Kind,
			RTPParameters: payload.RTPParameters,
			StreamType:    payload.StreamType,
		})
	case signaling.RequestConsumeMedia:
		payload, err := decode[signaling.ConsumeMediaRequest](request.Payload)
		if err != nil {
			return nil, err
		}
		if err := g.checkBinding(s, payload.ConferenceID, payload.ParticipantID); err != nil {
			return nil, err
		}
		return g.roundTrip(s, conference.ConsumeMedia{
			ParticipantID:       payload.ParticipantID,
			TargetParticipantID: payload.TargetParticipantID,
			RTPCapabilities:     payload.RTPCapabilities,
		})
	case signaling.RequestUnpauseConsumer:
		payload, err := decode[signaling.UnpauseConsumerRequest](request.Payload)
		if err != nil {
			return nil, err
		}
		if err := g.checkBinding(s, payload.ConferenceID, payload.ParticipantID); err != nil {
			return nil, err
		}
		return g.roundTrip(s, conference.UnpauseConsumer{
			ParticipantID: payload.ParticipantID,
			ConsumerID:    payload.ConsumerID,
		})
	case signaling.RequestCloseProducer:
		payload, err := decode[signaling.CloseProducerRequest](request.Payload)
		if err != nil {
			return nil, err
		}
		if err := g.checkBinding(s, payload.ConferenceID, payload.ParticipantID); err != nil {
			return nil, err
		}
		return g.roundTrip(s, conference.CloseProducer{
			ParticipantID: payload.ParticipantID,
			ProducerID:    payload.ExtraData.ProducerID,
		})
	case signaling.RequestCloseConsumer:
		payload, err := decode[signaling.CloseConsumerRequest](request.Payload)
		if err != nil {
			return nil, err
		}
		if err := g.checkBinding(s, payload.ConferenceID, payload.ParticipantID); err != nil {
			return nil, err
		}
		return g.roundTrip(s, conference.CloseConsumer{
			ParticipantID: payload.ParticipantID,
			ConsumerID:    payload.ExtraData.ConsumerID,
		})
	case signaling.RequestMuteAudio, signaling.RequestUnmuteAudio, signaling.RequestMuteVideo, signaling.RequestUnmuteVideo:
		payload, err := decode[signaling.MediaStateRequest](request.Payload)
		if err != nil {
			return nil, err
		}
		if err := g.checkBinding(s, payload.ConferenceID, payload.ParticipantID); err != nil {
			return nil, err
		}
		stream := participant.StreamAudio
		if request.Event == signaling.RequestMuteVideo || request.Event == signaling.RequestUnmuteVideo {
			stream = participant.StreamVideo
		}
		muted := request.Event == signaling.RequestMuteAudio || request.Event == signaling.RequestMuteVideo
		return g.roundTrip(s, conference.SetMediaState{
			ParticipantID: payload.ParticipantID,
			Stream:        stream,
			Muted:         muted,
		})
	case signaling.RequestGetParticipants:
		payload, err := decode[signaling.GetParticipantsRequest](request.Payload)
		if err != nil {
			return nil, err
		}
		if err := g.checkBinding(s, payload.ConferenceID, s.participantID); err != nil {
			return nil, err
		}
		return g.roundTrip(s, conference.GetParticipants{})
	case signaling.RequestLeaveConference:
		payload, err := decode[signaling.LeaveRequest](request.Payload)
		if err != nil {
			return nil, err
		}
		if err := g.checkBinding(s, payload.ConferenceID, payload.ParticipantID); err != nil {
			return nil, err
		}
		data, err := g.roundTrip(s, conference.Leave{ParticipantID: payload.ParticipantID})
		if err == nil {
			s.unbind()
		}
		return data, err
	default:
		return nil, sfuerr.ProtocolError.With("unknown event %q", request.Event)
	}
}

func (g *Gateway) handleJoin(s *socket, raw json.RawMessage) (any, error) {
	if s.bound() {
		return nil, sfuerr.InvalidState.With("socket already joined conference %s", s.conferenceID)
	}

	payload, err := decode[signaling.JoinRequest](raw)
	if err != nil {
		return nil, err
	}
	if payload.ConferenceID == "" || payload.ParticipantID == "" {
		return nil, sfuerr.ProtocolError.With("conferenceId and participantId are required")
	}

	reply := make(chan conference.Response, 1)
	ctx, cancel := context.WithTimeout(context.Background(), g.replyTimeout)
	defer cancel()

	err = g.registry.SendJoin(ctx, payload.ConferenceID, payload.ConferenceName, conference.Message{
		Content: conference.Join{
			ParticipantID:   payload.ParticipantID,
			SocketID:        s.id,
			ParticipantName: payload.ParticipantName,
			ParticipantInfo: payload.ParticipantInfo,
		},
		Reply: reply,
	})
	if err != nil {
		return nil, err
	}

	response, err := g.await(reply)
	if err != nil {
		return nil, err
	}

	s.bind(payload.ConferenceID, payload.ParticipantID)
	s.logger.WithFields(logrus.Fields{
		"conf_id":        payload.ConferenceID,
		"participant_id": payload.ParticipantID,
	}).Info("socket joined conference")
	return response, nil
}

// checkBinding enforces the join binding: every post-join request must name
// the conference and participant this socket joined as.
func (g *Gateway) checkBinding(s *socket, conferenceID, participantID string) error {
	if !s.bound() {
		return sfuerr.Unauthorized.With("socket has not joined a conference")
	}
	if conferenceID != s.conferenceID || participantID != s.participantID {
		return sfuerr.Unauthorized.With("request does not match the socket's join")
	}
	return nil
}

// roundTrip sends one message to the socket's conference and waits for the
// reply.
func (g *Gateway) roundTrip(s *socket, content any) (any, error) {
	reply := make(chan conference.Response, 1)
	if err := g.registry.Send(s.conferenceID, conference.Message{Content: content, Reply: reply}); err != nil {
		return nil, err
	}
	return g.await(reply)
}

func (g *Gateway) await(reply <-chan conference.Response) (any, error) {
	select {
	case response := <-reply:
		return response.Data, response.Err
	case <-time.After(g.replyTimeout):
		return nil, sfuerr.OperationTimeout.With("conference did not reply in time")
	}
}

func decode[T any](raw json.RawMessage) (T, error) {
	var payload T
	if len(raw) == 0 {
		return payload, sfuerr.ProtocolError.With("missing payload")
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, sfuerr.ProtocolError.With("malformed payload: %s", err)
	}
	return payload, nil
}

func (g *Gateway) respondOK(s *socket, id int64, data any) {
	response := signaling.Response{ID: id, Status: signaling.StatusOK}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			s.logger.WithError(err).Error("failed to marshal response data")
			g.respondError(s, id, sfuerr.EngineError.With("unencodable response"))
			return
		}
		response.Data = raw
	}
	g.writeResponse(s, response)
}

func (g *Gateway) respondError(s *socket, id int64, err error) {
	response := signaling.Response{
		ID:     id,
		Status: signaling.StatusError,
		Error:  sfuerr.CodeOf(err),
	}
	if msg := err.Error(); msg != response.Error {
		response.Message = msg
	}
	g.writeResponse(s, response)
}

func (g *Gateway) writeResponse(s *socket, response signaling.Response) {
	frame, err := json.Marshal(response)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal response")
		return
	}
	s.enqueue(frame)
}
