package participant

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbed-media/estuary/pkg/mediaengine"
	"github.com/riverbed-media/estuary/pkg/mediaengine/mockengine"
	"github.com/riverbed-media/estuary/pkg/sfuerr"
)

func newTransport(t *testing.T) mediaengine.Transport {
	t.Helper()
	return newTransportOn(t, mockengine.New())
}

func newTransportOn(t *testing.T, engine *mockengine.Engine) mediaengine.Transport {
	t.Helper()

	worker, err := engine.NewWorker(context.Background(), mediaengine.WorkerSettings{RTCMinPort: 40000})
	require.NoError(t, err)
	router, err := worker.NewRouter(context.Background(), mediaengine.DefaultCodecs())
	require.NoError(t, err)
	transport, err := router.NewTransport(context.Background(), mediaengine.TransportOptions{EnableUDP: true})
	require.NoError(t, err)
	return transport
}

func newParticipant(t *testing.T) *Participant {
	t.Helper()
	return New("alice", "sock-1", "Alice", nil, logrus.WithField("test", t.Name()))
}

func produceOn(t *testing.T, transport mediaengine.Transport, kind mediaengine.MediaKind) mediaengine.Producer {
	t.Helper()

	producer, err := transport.Produce(context.Background(), kind, json.RawMessage(`{}`))
	require.NoError(t, err)
	return producer
}

func TestAttachTransportOncePerDirection(t *testing.T) {
	p := newParticipant(t)

	_, err := p.AttachTransport(DirectionProducer, newTransport(t))
	require.NoError(t, err)

	_, err = p.AttachTransport(DirectionProducer, newTransport(t))
	assert.ErrorIs(t, err, sfuerr.AlreadyExists)

	_, err = p.AttachTransport(DirectionConsumer, newTransport(t))
	require.NoError(t, err)
}

func TestConnectTransportIdempotentRetry(t *testing.T) {
	p := newParticipant(t)
	_, err := p.AttachTransport(DirectionProducer, newTransport(t))
	require.NoError(t, err)

	dtls := json.RawMessage(`{"role":"client"}`)
	require.NoError(t, p.ConnectTransport(context.Background(), DirectionProducer, dtls))
	assert.Equal(t, TransportConnected, p.Transport(DirectionProducer).State)

	// Identical retry succeeds without a state change.
	require.NoError(t, p.ConnectTransport(context.Background(), DirectionProducer, dtls))

	// Different parameters on a connected transport are an error.
	err = p.ConnectTransport(context.Background(), DirectionProducer, json.RawMessage(`{"role":"server"}`))
	assert.ErrorIs(t, err, sfuerr.InvalidState)
}

func TestConnectTransportMissing(t *testing.T) {
	p := newParticipant(t)

	err := p.ConnectTransport(context.Background(), DirectionConsumer, nil)
	assert.ErrorIs(t, err, sfuerr.TransportNotFound)
}

func TestAddConsumerRejectsDuplicateProducer(t *testing.T) {
	p := newParticipant(t)
	transport := newTransport(t)

	producer := produceOn(t, transport, mediaengine.KindAudio)
	first, err := transport.Consume(context.Background(), producer.ID(), capsFor("audio/opus"), true)
	require.NoError(t, err)

	require.NoError(t, p.AddConsumer(&Consumer{
		Handle:                first,
		ProducerID:            producer.ID(),
		ProducerParticipantID: "bob",
		StreamType:            StreamAudio,
	}))

	second, err := transport.Consume(context.Background(), producer.ID(), capsFor("audio/opus"), true)
	require.NoError(t, err)

	err = p.AddConsumer(&Consumer{
		Handle:                second,
		ProducerID:            producer.ID(),
		ProducerParticipantID: "bob",
		StreamType:            StreamAudio,
	})
	assert.ErrorIs(t, err, sfuerr.AlreadyConsuming)
}

func TestSetMediaStateFiltersByStreamType(t *testing.T) {
	p := newParticipant(t)
	transport := newTransport(t)

	audio := produceOn(t, transport, mediaengine.KindAudio)
	video := produceOn(t, transport, mediaengine.KindVideo)
	screen := produceOn(t, transport, mediaengine.KindVideo)

	p.AddProducer(&Producer{Handle: audio, StreamType: StreamAudio})
	p.AddProducer(&Producer{Handle: video, StreamType: StreamVideo})
	p.AddProducer(&Producer{Handle: screen, StreamType: StreamScreenshare})

	muted := p.SetMediaState(context.Background(), StreamAudio, true)
	assert.Equal(t, []string{audio.ID()}, muted)
	assert.True(t, p.AudioMuted)
	assert.True(t, audio.Paused())
	assert.False(t, video.Paused())

	// Video mute affects the camera track only, not the screen share.
	muted = p.SetMediaState(context.Background(), StreamVideo, true)
	assert.Equal(t, []string{video.ID()}, muted)
	assert.True(t, p.VideoMuted)
	assert.False(t, screen.Paused())

	unmuted := p.SetMediaState(context.Background(), StreamAudio, false)
	assert.Equal(t, []string{audio.ID()}, unmuted)
	assert.False(t, p.AudioMuted)
	assert.False(t, audio.Paused())
}

func TestCloseTearsDownEverythingOnce(t *testing.T) {
	p := newParticipant(t)
	engine := mockengine.New()
	sendTransport := newTransportOn(t, engine)
	recvTransport := newTransportOn(t, engine)

	_, err := p.AttachTransport(DirectionProducer, sendTransport)
	require.NoError(t, err)
	_, err = p.AttachTransport(DirectionConsumer, recvTransport)
	require.NoError(t, err)

	producer := produceOn(t, sendTransport, mediaengine.KindAudio)
	p.AddProducer(&Producer{Handle: producer, StreamType: StreamAudio})

	remote := produceOn(t, sendTransport, mediaengine.KindVideo)
	consumer, err := recvTransport.Consume(context.Background(), remote.ID(), capsFor("video/VP8"), true)
	require.NoError(t, err)
	require.NoError(t, p.AddConsumer(&Consumer{
		Handle:                consumer,
		ProducerID:            remote.ID(),
		ProducerParticipantID: "bob",
		StreamType:            StreamVideo,
	}))

	report := p.Close()
	assert.Equal(t, []string{producer.ID()}, report.ProducerIDs)
	assert.Equal(t, []string{consumer.ID()}, report.ConsumerIDs)
	assert.True(t, p.Closed())
	assert.True(t, sendTransport.(*mockengine.Transport).Closed())
	assert.True(t, recvTransport.(*mockengine.Transport).Closed())

	// Second close reports nothing.
	again := p.Close()
	assert.Empty(t, again.ProducerIDs)
	assert.Empty(t, again.ConsumerIDs)
}

func capsFor(mimeTypes ...string) json.RawMessage {
	type codec struct {
		MimeType string `json:"mimeType"`
	}
	codecs := make([]codec, 0, len(mimeTypes))
	for _, m := range mimeTypes {
		codecs = append(codecs, codec{MimeType: m})
	}
	raw, _ := json.Marshal(struct {
		Codecs []codec `json:"codecs"`
	}{codecs})
	return raw
}
