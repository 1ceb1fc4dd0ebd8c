package gateway_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbed-media/estuary/pkg/conference"
	"github.com/riverbed-media/estuary/pkg/gateway"
	"github.com/riverbed-media/estuary/pkg/mediaengine"
	"github.com/riverbed-media/estuary/pkg/mediaengine/mockengine"
	"github.com/riverbed-media/estuary/pkg/registry"
	"github.com/riverbed-media/estuary/pkg/signaling"
	"github.com/riverbed-media/estuary/pkg/worker"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()

	engine := mockengine.New()
	pool, err := worker.NewPool(
		context.Background(),
		engine,
		1,
		mediaengine.WorkerSettings{RTCMinPort: 40000},
		mediaengine.DefaultCodecs(),
		worker.Options{},
		logrus.WithField("test", t.Name()),
	)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	g := gateway.New(nil, 0, nil, logrus.WithField("test", t.Name()))
	reg := registry.New(pool, conference.Config{}, g, nil, logrus.WithField("test", t.Name()))
	g.SetRegistry(reg)

	server := httptest.NewServer(g)
	t.Cleanup(server.Close)
	return server
}

type client struct {
	t             *testing.T
	conn          *websocket.Conn
	nextID        int64
	notifications []signaling.Notification
}

func dial(t *testing.T, server *httptest.Server) *client {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

// request sends one request and reads until its response arrives, buffering
// any notifications that come in between.
func (c *client) request(event string, payload any) signaling.Response {
	c.t.Helper()

	c.nextID++
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	frame, err := json.Marshal(signaling.Request{ID: c.nextID, Event: event, Payload: raw})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))

	for {
		data := c.readFrame()
		var response signaling.Response
		require.NoError(c.t, json.Unmarshal(data, &response))
		if response.Status != "" {
			require.Equal(c.t, c.nextID, response.ID, "response correlation")
			return response
		}

		var notification signaling.Notification
		require.NoError(c.t, json.Unmarshal(data, &notification))
		c.notifications = append(c.notifications, notification)
	}
}

func (c *client) ok(event string, payload any) json.RawMessage {
	c.t.Helper()

	response := c.request(event, payload)
	require.Equal(c.t, signaling.StatusOK, response.Status, "error: %s %s", response.Error, response.Message)
	return response.Data
}

// waitNotification returns the next notification with the given event name,
// reading from the socket as needed.
func (c *client) waitNotification(event string) signaling.Notification {
	c.t.Helper()

	for i, notification := range c.notifications {
		if notification.Event == event {
			c.notifications = append(c.notifications[:i], c.notifications[i+1:]...)
			return notification
		}
	}

	for {
		data := c.readFrame()
		var notification signaling.Notification
		require.NoError(c.t, json.Unmarshal(data, &notification))
		if notification.Event == event {
			return notification
		}
		if notification.Event != "" {
			c.notifications = append(c.notifications, notification)
		}
	}
}

func (c *client) readFrame() []byte {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	return data
}

func (c *client) join(conferenceID, participantID string) {
	c.t.Helper()

	data := c.ok(signaling.RequestJoinConference, signaling.JoinRequest{
		ConferenceID:    conferenceID,
		ParticipantID:   participantID,
		ParticipantName: participantID,
	})
	var join signaling.JoinResponse
	require.NoError(c.t, json.Unmarshal(data, &join))
	require.NotEmpty(c.t, join.RouterRTPCapabilities)
}

func payloadField(t *testing.T, notification signaling.Notification, field string) any {
	t.Helper()

	payload, ok := notification.Payload.(map[string]any)
	require.True(t, ok, "notification payload is not an object")
	return payload[field]
}

func TestCallFlowOverWebSocket(t *testing.T) {
	server := newServer(t)

	alice := dial(t, server)
	alice.join("conf-1", "alice")

	var transport mediaengine.TransportInfo
	data := alice.ok(signaling.RequestCreateTransport, signaling.CreateTransportRequest{
		ConferenceID:  "conf-1",
		ParticipantID: "alice",
		Direction:     "producer",
	})
	require.NoError(t, json.Unmarshal(data, &transport))
	require.NotEmpty(t, transport.ID)
	require.NotEmpty(t, transport.ICEParameters.UsernameFragment)

	alice.ok(signaling.RequestConnectTransport, signaling.ConnectTransportRequest{
		ConferenceID:   "conf-1",
		ParticipantID:  "alice",
		Direction:      "producer",
		DTLSParameters: json.RawMessage(`{"role":"client"}`),
	})

	bob := dial(t, server)
	bob.join("conf-1", "bob")

	joined := alice.waitNotification(signaling.EventParticipantJoined)
	assert.Equal(t, "bob", payloadField(t, joined, "participantId"))

	var produced signaling.ProduceResponse
	data = alice.ok(signaling.RequestProduce, signaling.ProduceRequest{
		ConferenceID:  "conf-1",
		ParticipantID: "alice",
		TransportID:   transport.ID,
		Kind:          mediaengine.KindAudio,
		RTPParameters: json.RawMessage(`{}`),
	})
	require.NoError(t, json.Unmarshal(data, &produced))

	newProducer := bob.waitNotification(signaling.EventNewProducer)
	assert.Equal(t, produced.ProducerID, payloadField(t, newProducer, "producerId"))
	assert.Equal(t, "alice", payloadField(t, newProducer, "participantId"))

	bob.ok(signaling.RequestCreateTransport, signaling.CreateTransportRequest{
		ConferenceID:  "conf-1",
		ParticipantID: "bob",
		Direction:     "consumer",
	})

	data = bob.ok(signaling.RequestConsumeMedia, signaling.ConsumeMediaRequest{
		ConferenceID:        "conf-1",
		ParticipantID:       "bob",
		TargetParticipantID: "alice",
		RTPCapabilities:     json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"}]}`),
	})
	var descriptors []signaling.ConsumerDescriptor
	require.NoError(t, json.Unmarshal(data, &descriptors))
	require.Len(t, descriptors, 1)
	assert.Equal(t, produced.ProducerID, descriptors[0].ProducerID)

	bob.ok(signaling.RequestUnpauseConsumer, signaling.UnpauseConsumerRequest{
		ConferenceID:  "conf-1",
		ParticipantID: "bob",
		ConsumerID:    descriptors[0].ID,
	})

	// Roster reflects both members.
	data = bob.ok(signaling.RequestGetParticipants, signaling.GetParticipantsRequest{ConferenceID: "conf-1"})
	var roster []signaling.ParticipantSummary
	require.NoError(t, json.Unmarshal(data, &roster))
	assert.Len(t, roster, 2)
}

func TestRequestsRequireJoin(t *testing.T) {
	server := newServer(t)

	c := dial(t, server)
	response := c.request(signaling.RequestCreateTransport, signaling.CreateTransportRequest{
		ConferenceID:  "conf-1",
		ParticipantID: "alice",
		Direction:     "producer",
	})
	assert.Equal(t, signaling.StatusError, response.Status)
	assert.Equal(t, "AuthorizationError", response.Error)
}

func TestBindingMismatchRejected(t *testing.T) {
	server := newServer(t)

	c := dial(t, server)
	c.join("conf-1", "alice")

	response := c.request(signaling.RequestCreateTransport, signaling.CreateTransportRequest{
		ConferenceID:  "conf-1",
		ParticipantID: "bob",
		Direction:     "producer",
	})
	assert.Equal(t, signaling.StatusError, response.Status)
	assert.Equal(t, "AuthorizationError", response.Error)

	// A second join on a bound socket is refused too.
	response = c.request(signaling.RequestJoinConference, signaling.JoinRequest{
		ConferenceID:  "conf-2",
		ParticipantID: "alice2",
	})
	assert.Equal(t, signaling.StatusError, response.Status)
	assert.Equal(t, "InvalidState", response.Error)
}

func TestDisconnectLeavesImplicitly(t *testing.T) {
	server := newServer(t)

	alice := dial(t, server)
	alice.join("conf-1", "alice")
	bob := dial(t, server)
	bob.join("conf-1", "bob")

	require.NoError(t, bob.conn.Close())

	left := alice.waitNotification(signaling.EventParticipantLeft)
	assert.Equal(t, "bob", payloadField(t, left, "participantId"))
}

func TestLeaveUnbindsSocket(t *testing.T) {
	server := newServer(t)

	c := dial(t, server)
	c.join("conf-1", "alice")
	c.ok(signaling.RequestLeaveConference, signaling.LeaveRequest{
		ConferenceID:  "conf-1",
		ParticipantID: "alice",
	})

	// The socket can join again after leaving.
	c.join("conf-2", "alice")
}

func TestMalformedEnvelope(t *testing.T) {
	server := newServer(t)

	c := dial(t, server)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	data := c.readFrame()
	var response signaling.Response
	require.NoError(t, json.Unmarshal(data, &response))
	assert.Equal(t, signaling.StatusError, response.Status)
	assert.Equal(t, "ProtocolError", response.Error)
}

func TestUnknownEventRejected(t *testing.T) {
	server := newServer(t)

	c := dial(t, server)
	response := c.request("teleport", map[string]any{})
	assert.Equal(t, signaling.StatusError, response.Status)
	assert.Equal(t, "ProtocolError", response.Error)
}
