package conference

import (
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/riverbed-media/estuary/pkg/conference/participant"
	"github.com/riverbed-media/estuary/pkg/mediaengine"
	"github.com/riverbed-media/estuary/pkg/sfuerr"
	"github.com/riverbed-media/estuary/pkg/signaling"
)

func (c *Conference) handleJoin(m Join) (any, error) {
	if c.config.MaxParticipants > 0 && len(c.participants) >= c.config.MaxParticipants {
		return nil, sfuerr.CapacityExceeded.With("conference is full (%d participants)", c.config.MaxParticipants)
	}
	if _, ok := c.participants[m.ParticipantID]; ok {
		return nil, sfuerr.DuplicateParticipant.With("participant %s is already present", m.ParticipantID)
	}

	p := participant.New(
		m.ParticipantID,
		m.SocketID,
		m.ParticipantName,
		m.ParticipantInfo,
		c.logger.WithField("participant_id", m.ParticipantID),
	)
	c.participants[p.ID] = p
	c.count.Store(int64(len(c.participants)))

	p.Logger.Info("participant joined")
	c.broadcast(p.ID, signaling.ParticipantJoined{
		ConferenceID:    c.id,
		ParticipantID:   p.ID,
		ParticipantName: p.Name,
	})

	return signaling.JoinResponse{RouterRTPCapabilities: c.router.RTPCapabilities()}, nil
}

func (c *Conference) handleCreateTransport(m CreateTransport) (any, error) {
	p := c.participants[m.ParticipantID]
	if p == nil {
		return nil, sfuerr.ParticipantNotFound.With("no participant %s", m.ParticipantID)
	}
	if !m.Direction.Valid() {
		return nil, sfuerr.ProtocolError.With("unknown direction %q", m.Direction)
	}
	if p.Transport(m.Direction) != nil {
		return nil, sfuerr.AlreadyExists.With("%s transport already created", m.Direction)
	}

	ctx, cancel := c.opCtx()
	defer cancel()

	handle, err := c.router.NewTransport(ctx, c.config.Transport)
	if err != nil {
		return nil, sfuerr.FromEngine(err)
	}
	if _, err := p.AttachTransport(m.Direction, handle); err != nil {
		_ = handle.Close()
		return nil, err
	}

	info := handle.Info()
	return &info, nil
}

func (c *Conference) handleConnectTransport(m ConnectTransport) (any, error) {
	p := c.participants[m.ParticipantID]
	if p == nil {
		return nil, sfuerr.ParticipantNotFound.With("no participant %s", m.ParticipantID)
	}
	if !m.Direction.Valid() {
		return nil, sfuerr.ProtocolError.With("unknown direction %q", m.Direction)
	}

	ctx, cancel := c.opCtx()
	defer cancel()

	if err := p.ConnectTransport(ctx, m.Direction, m.DTLSParameters); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (c *Conference) handleProduce(m Produce) (any, error) {
	p := c.participants[m.ParticipantID]
	if p == nil {
		return nil, sfuerr.ParticipantNotFound.With("no participant %s", m.ParticipantID)
	}
	transport := p.TransportByID(m.TransportID)
	if transport == nil {
		return nil, sfuerr.TransportNotFound.With("no transport %s", m.TransportID)
	}
	if transport.Direction != participant.DirectionProducer {
		return nil, sfuerr.InvalidState.With("produce requires the producer transport")
	}
	if transport.State != participant.TransportConnected {
		return nil, sfuerr.TransportNotConnected.With("producer transport is %s", transport.State)
	}
	if !m.Kind.Valid() {
		return nil, sfuerr.ProtocolError.With("unknown media kind %q", m.Kind)
	}

	stream := m.StreamType
	if stream == "" {
		stream = participant.DefaultStreamType(m.Kind)
	}
	if !streamMatchesKind(stream, m.Kind) {
		return nil, sfuerr.ProtocolError.With("stream type %q does not match kind %q", stream, m.Kind)
	}

	ctx, cancel := c.opCtx()
	defer cancel()

	handle, err := transport.Handle.Produce(ctx, m.Kind, m.RTPParameters)
	if err != nil {
		return nil, sfuerr.FromEngine(err)
	}

	record := &participant.Producer{Handle: handle, StreamType: stream}
	p.AddProducer(record)

	// Spontaneous engine-side closure re-enters through the mailbox so the
	// cascade runs on the conference goroutine like any other operation.
	participantID, producerID := p.ID, handle.ID()
	handle.OnClose(func() {
		_ = c.Send(Message{Content: producerVanished{ParticipantID: participantID, ProducerID: producerID}})
	})

	p.Logger.WithFields(logrus.Fields{
		"producer_id": producerID,
		"kind":        m.Kind,
		"stream_type": stream,
	}).Info("producer created")

	c.broadcast(p.ID, signaling.NewProducer{
		ProducerID:      producerID,
		ParticipantID:   p.ID,
		ParticipantName: p.Name,
		Kind:            m.Kind,
		StreamType:      stream,
	})

	return signaling.ProduceResponse{ProducerID: producerID}, nil
}

func streamMatchesKind(stream participant.StreamType, kind mediaengine.MediaKind) bool {
	switch stream {
	case participant.StreamAudio:
		return kind == mediaengine.KindAudio
	case participant.StreamVideo, participant.StreamScreenshare:
		return kind == mediaengine.KindVideo
	default:
		return false
	}
}

func (c *Conference) handleConsumeMedia(m ConsumeMedia) (any, error) {
	p := c.participants[m.ParticipantID]
	if p == nil {
		return nil, sfuerr.ParticipantNotFound.With("no participant %s", m.ParticipantID)
	}
	transport := p.Transport(participant.DirectionConsumer)
	if transport == nil {
		return nil, sfuerr.TransportNotReady.With("consumer transport not created yet")
	}
	target := c.participants[m.TargetParticipantID]
	if target == nil {
		return nil, sfuerr.TargetNotFound.With("no participant %s", m.TargetParticipantID)
	}
	if target.ID == p.ID {
		return nil, sfuerr.InvalidTarget.With("cannot consume own media")
	}

	// Stable order so repeated calls return descriptors in the same sequence.
	var producers []*participant.Producer
	target.ForEachProducer(func(producer *participant.Producer) {
		producers = append(producers, producer)
	})
	slices.SortFunc(producers, func(a, b *participant.Producer) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		default:
			return 0
		}
	})

	ctx, cancel := c.opCtx()
	defer cancel()

	descriptors := []signaling.ConsumerDescriptor{}
	var created []*participant.Consumer
	compatible := 0
	for _, producer := range producers {
		// A producer we already consume is reported again rather than
		// duplicated, so retried requests are harmless.
		if existing := p.ConsumerForProducer(producer.ID()); existing != nil {
			descriptors = append(descriptors, consumerDescriptor(existing))
			compatible++
			continue
		}

		if !c.router.CanConsume(producer.ID(), m.RTPCapabilities) {
			continue
		}
		compatible++

		handle, err := transport.Handle.Consume(ctx, producer.ID(), m.RTPCapabilities, true)
		if err != nil {
			c.rollbackConsumers(p, created)
			return nil, sfuerr.FromEngine(err)
		}

		record := &participant.Consumer{
			Handle:                handle,
			ProducerID:            producer.ID(),
			ProducerParticipantID: target.ID,
			StreamType:            producer.StreamType,
			Paused:                true,
		}
		if err := p.AddConsumer(record); err != nil {
			_ = handle.Close()
			c.rollbackConsumers(p, created)
			return nil, err
		}
		created = append(created, record)
		descriptors = append(descriptors, consumerDescriptor(record))
	}

	if compatible == 0 && target.ProducerCount() > 0 {
		return nil, sfuerr.IncompatibleCodecs.With("none of %s's producers match the given capabilities", target.ID)
	}

	p.Logger.WithFields(logrus.Fields{
		"target_id": target.ID,
		"consumers": len(descriptors),
	}).Info("consuming participant media")

	return descriptors, nil
}

// rollbackConsumers undoes the consumers created so far by a failed
// consumeParticipantMedia, leaving the participant as it was before the call.
func (c *Conference) rollbackConsumers(p *participant.Participant, created []*participant.Consumer) {
	for _, record := range created {
		if err := record.Handle.Close(); err != nil {
			p.Logger.WithError(err).WithField("consumer_id", record.ID()).Warn("rollback failed to close consumer")
		}
		p.RemoveConsumer(record.ID())
	}
}

func consumerDescriptor(record *participant.Consumer) signaling.ConsumerDescriptor {
	return signaling.ConsumerDescriptor{
		ID:                    record.ID(),
		ProducerID:            record.ProducerID,
		Kind:                  record.Handle.Kind(),
		RTPParameters:         record.Handle.RTPParameters(),
		StreamType:            record.StreamType,
		ProducerParticipantID: record.ProducerParticipantID,
	}
}

func (c *Conference) handleUnpauseConsumer(m UnpauseConsumer) (any, error) {
	p := c.participants[m.ParticipantID]
	if p == nil {
		return nil, sfuerr.ParticipantNotFound.With("no participant %s", m.ParticipantID)
	}
	record := p.Consumer(m.ConsumerID)
	if record == nil {
		return nil, sfuerr.ConsumerNotFound.With("no consumer %s", m.ConsumerID)
	}
	if !record.Paused {
		return struct{}{}, nil
	}

	ctx, cancel := c.opCtx()
	defer cancel()

	if err := record.Handle.Resume(ctx); err != nil {
		return nil, sfuerr.FromEngine(err)
	}
	record.Paused = false
	return struct{}{}, nil
}

func (c *Conference) handleCloseProducer(m CloseProducer) (any, error) {
	p := c.participants[m.ParticipantID]
	if p == nil {
		return nil, sfuerr.ParticipantNotFound.With("no participant %s", m.ParticipantID)
	}
	record := p.Producer(m.ProducerID)
	if record == nil {
		return nil, sfuerr.ProducerNotFound.With("no producer %s", m.ProducerID)
	}

	c.closeProducerCascade(p, record, false)
	return struct{}{}, nil
}

// closeProducerCascade closes a producer and everything hanging off it, in the
// order clients rely on: each bound consumer is closed and its owner told
// before the producerClosed broadcast goes out. notifyOwner includes the
// producer's owner in the broadcast, which is wanted only when the closure was
// not the owner's own request.
func (c *Conference) closeProducerCascade(owner *participant.Participant, record *participant.Producer, notifyOwner bool) {
	producerID := record.ID()

	for _, other := range c.participants {
		if other.ID == owner.ID {
			continue
		}
		for _, consumer := range other.ConsumersOf(producerID) {
			if err := consumer.Handle.Close(); err != nil {
				other.Logger.WithError(err).WithField("consumer_id", consumer.ID()).Warn("failed to close consumer")
			}
			c.notifier.Notify(other.SocketID, signaling.ConsumerClosed{
				ConsumerID:    consumer.ID(),
				ParticipantID: owner.ID,
			})
		}
	}

	if err := record.Handle.Close(); err != nil {
		owner.Logger.WithError(err).WithField("producer_id", producerID).Warn("failed to close producer")
	}
	owner.RemoveProducer(producerID)

	except := owner.ID
	if notifyOwner {
		except = ""
	}
	c.broadcast(except, signaling.ProducerClosed{
		ProducerID:    producerID,
		ParticipantID: owner.ID,
		Kind:          record.Kind(),
	})
}

func (c *Conference) handleCloseConsumer(m CloseConsumer) (any, error) {
	p := c.participants[m.ParticipantID]
	if p == nil {
		return nil, sfuerr.ParticipantNotFound.With("no participant %s", m.ParticipantID)
	}
	record := p.Consumer(m.ConsumerID)
	if record == nil {
		return nil, sfuerr.ConsumerNotFound.With("no consumer %s", m.ConsumerID)
	}

	if err := record.Handle.Close(); err != nil {
		p.Logger.WithError(err).WithField("consumer_id", m.ConsumerID).Warn("failed to close consumer")
	}
	p.RemoveConsumer(m.ConsumerID)
	c.notifier.Notify(p.SocketID, signaling.ConsumerClosed{
		ConsumerID:    m.ConsumerID,
		ParticipantID: record.ProducerParticipantID,
	})
	return struct{}{}, nil
}

func (c *Conference) handleSetMediaState(m SetMediaState) (any, error) {
	p := c.participants[m.ParticipantID]
	if p == nil {
		return nil, sfuerr.ParticipantNotFound.With("no participant %s", m.ParticipantID)
	}
	if m.Stream != participant.StreamAudio && m.Stream != participant.StreamVideo {
		return nil, sfuerr.ProtocolError.With("cannot toggle stream type %q", m.Stream)
	}

	ctx, cancel := c.opCtx()
	defer cancel()

	affected := p.SetMediaState(ctx, m.Stream, m.Muted)
	slices.Sort(affected)

	c.broadcast(p.ID, mediaStateEvent(p.ID, m.Stream, m.Muted, affected))

	if m.Muted {
		return signaling.MuteResponse{MutedProducerIDs: affected}, nil
	}
	return signaling.UnmuteResponse{UnmutedProducerIDs: affected}, nil
}

func mediaStateEvent(participantID string, stream participant.StreamType, muted bool, producerIDs []string) signaling.Event {
	switch {
	case stream == participant.StreamAudio && muted:
		return signaling.AudioMuted{ParticipantID: participantID, ProducerIDs: producerIDs}
	case stream == participant.StreamAudio:
		return signaling.AudioUnmuted{ParticipantID: participantID, ProducerIDs: producerIDs}
	case muted:
		return signaling.VideoMuted{ParticipantID: participantID, ProducerIDs: producerIDs}
	default:
		return signaling.VideoUnmuted{ParticipantID: participantID, ProducerIDs: producerIDs}
	}
}

func (c *Conference) handleGetParticipants(GetParticipants) (any, error) {
	summaries := make([]signaling.ParticipantSummary, 0, len(c.participants))
	for _, p := range c.participants {
		summaries = append(summaries, signaling.ParticipantSummary{
			ParticipantID:   p.ID,
			ParticipantName: p.Name,
			AudioMuted:      p.AudioMuted,
			VideoMuted:      p.VideoMuted,
		})
	}
	slices.SortFunc(summaries, func(a, b signaling.ParticipantSummary) int {
		switch {
		case a.ParticipantID < b.ParticipantID:
			return -1
		case a.ParticipantID > b.ParticipantID:
			return 1
		default:
			return 0
		}
	})
	return summaries, nil
}

func (c *Conference) handleLeave(m Leave) (any, error) {
	p := c.participants[m.ParticipantID]
	if p == nil {
		return nil, sfuerr.ParticipantNotFound.With("no participant %s", m.ParticipantID)
	}

	c.removeParticipant(p)
	return struct{}{}, nil
}

func (c *Conference) handleDisconnect(m Disconnect) {
	p := c.participants[m.ParticipantID]
	if p == nil || p.SocketID != m.SocketID {
		// Already left, or re-joined on a fresh socket.
		return
	}

	p.Logger.Info("socket dropped, removing participant")
	c.removeParticipant(p)
}

// removeParticipant is the shared tail of leave and disconnect. Consumers that
// other participants hold on this participant's producers are closed and
// announced first; the participantLeft broadcast is the last event that
// mentions the participant.
func (c *Conference) removeParticipant(p *participant.Participant) {
	p.ForEachProducer(func(producer *participant.Producer) {
		producerID := producer.ID()
		for _, other := range c.participants {
			if other.ID == p.ID {
				continue
			}
			for _, consumer := range other.ConsumersOf(producerID) {
				if err := consumer.Handle.Close(); err != nil {
					other.Logger.WithError(err).WithField("consumer_id", consumer.ID()).Warn("failed to close consumer")
				}
				c.notifier.Notify(other.SocketID, signaling.ConsumerClosed{
					ConsumerID:    consumer.ID(),
					ParticipantID: p.ID,
				})
			}
		}
	})

	report := p.Close()
	slices.Sort(report.ProducerIDs)
	slices.Sort(report.ConsumerIDs)

	delete(c.participants, p.ID)
	c.count.Store(int64(len(c.participants)))
	c.stats.RecordLeave()

	p.Logger.Info("participant left")
	c.broadcast("", signaling.ParticipantLeft{
		ParticipantID:     p.ID,
		ClosedProducerIDs: report.ProducerIDs,
		ClosedConsumerIDs: report.ConsumerIDs,
	})
}

func (c *Conference) handleTerminate(m Terminate) {
	c.logger.WithField("reason", m.Reason).Warn("terminating conference")

	for _, p := range c.participants {
		c.notifier.Notify(p.SocketID, signaling.ConferenceTerminated{
			ConferenceID: c.id,
			Reason:       m.Reason,
		})
	}

	for id, p := range c.participants {
		p.Close()
		c.notifier.Disconnect(p.SocketID)
		delete(c.participants, id)
		c.stats.RecordLeave()
	}
	c.count.Store(0)
}

func (c *Conference) handleProducerVanished(m producerVanished) {
	p := c.participants[m.ParticipantID]
	if p == nil {
		return
	}
	record := p.Producer(m.ProducerID)
	if record == nil {
		// Raced with an explicit closeProducer; nothing left to do.
		return
	}

	p.Logger.WithField("producer_id", m.ProducerID).Info("producer closed by engine")
	c.closeProducerCascade(p, record, true)
}
