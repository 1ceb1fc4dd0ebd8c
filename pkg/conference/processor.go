package conference

import (
	"time"

	"github.com/riverbed-media/estuary/pkg/sfuerr"
)

// processMessages is the conference's single processing goroutine. It owns the
// participant map and the router; every operation runs here, one at a time,
// which is what makes the per-operation ordering guarantees hold.
func (c *Conference) processMessages() {
	for msg := range c.mailbox {
		c.dispatch(msg)

		if len(c.participants) == 0 {
			c.shutdown()
			return
		}
	}
}

func (c *Conference) dispatch(msg Message) {
	var (
		data any
		err  error
	)

	started := time.Now()
	switch m := msg.Content.(type) {
	case Join:
		data, err = c.handleJoin(m)
		if err == nil {
			c.stats.RecordJoin(time.Since(started))
		}
	case CreateTransport:
		data, err = c.handleCreateTransport(m)
	case ConnectTransport:
		data, err = c.handleConnectTransport(m)
	case Produce:
		data, err = c.handleProduce(m)
		if err == nil {
			c.stats.RecordProduce(time.Since(started))
		}
	case ConsumeMedia:
		data, err = c.handleConsumeMedia(m)
	case UnpauseConsumer:
		data, err = c.handleUnpauseConsumer(m)
	case CloseProducer:
		data, err = c.handleCloseProducer(m)
	case CloseConsumer:
		data, err = c.handleCloseConsumer(m)
	case SetMediaState:
		data, err = c.handleSetMediaState(m)
	case GetParticipants:
		data, err = c.handleGetParticipants(m)
	case Leave:
		data, err = c.handleLeave(m)
	case Disconnect:
		c.handleDisconnect(m)
	case Terminate:
		c.handleTerminate(m)
	case producerVanished:
		c.handleProducerVanished(m)
	default:
		err = sfuerr.ProtocolError.With("unknown message %T", msg.Content)
	}

	if err != nil {
		c.logger.WithError(err).WithField("message", messageName(msg.Content)).Debug("operation failed")
	}
	reply(msg, data, err)
}

func messageName(content any) string {
	switch content.(type) {
	case Join:
		return "join"
	case CreateTransport:
		return "createTransport"
	case ConnectTransport:
		return "connectTransport"
	case Produce:
		return "produce"
	case ConsumeMedia:
		return "consumeParticipantMedia"
	case UnpauseConsumer:
		return "unpauseConsumer"
	case CloseProducer:
		return "closeProducer"
	case CloseConsumer:
		return "closeConsumer"
	case SetMediaState:
		return "setMediaState"
	case GetParticipants:
		return "getParticipants"
	case Leave:
		return "leave"
	case Disconnect:
		return "disconnect"
	case Terminate:
		return "terminate"
	case producerVanished:
		return "producerVanished"
	default:
		return "unknown"
	}
}

// shutdown ends the conference: it stops new senders, waits out the in-flight
// ones, fails whatever is still queued and releases the router. After the seal
// no message can be silently lost; a sender either got an error from Send or
// gets a ConferenceNotFound reply here.
func (c *Conference) shutdown() {
	// Seal and signal under the same lock: any sender that observes the seal
	// also observes the closed done channel, so a failed Send means Done() is
	// already closed and the registry can replace the conference immediately.
	c.sendMu.Lock()
	c.sealed = true
	close(c.done)
	c.sendMu.Unlock()

	c.inflight.Wait()

	for {
		select {
		case msg := <-c.mailbox:
			reply(msg, nil, sfuerr.ConferenceNotFound.With("conference %s has ended", c.id))
		default:
			if err := c.router.Close(); err != nil {
				c.logger.WithError(err).Warn("failed to release router")
			}
			c.logger.Info("conference ended")
			return
		}
	}
}
