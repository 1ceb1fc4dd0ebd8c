// Package conference implements the per-conference coordination core. Each
// conference owns one media router and is driven by a single goroutine that
// consumes a mailbox of typed messages, so participant state needs no locks.
package conference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riverbed-media/estuary/pkg/conference/participant"
	"github.com/riverbed-media/estuary/pkg/mediaengine"
	"github.com/riverbed-media/estuary/pkg/sfuerr"
	"github.com/riverbed-media/estuary/pkg/signaling"
)

// Mailbox capacity. Senders block once the conference falls this far behind,
// which is the backpressure we want on a runaway client.
const mailboxSize = 128

// DefaultOperationTimeout bounds every engine call made on the conference
// goroutine, so one stuck call cannot freeze the whole conference for longer.
const DefaultOperationTimeout = 10 * time.Second

// Config is the per-conference slice of the server configuration.
type Config struct {
	// MaxParticipants caps the member count. Zero means unlimited.
	MaxParticipants int

	// OperationTimeout bounds each engine call. Zero selects the default.
	OperationTimeout time.Duration

	// Transport is passed through to every transport created on the router.
	Transport mediaengine.TransportOptions
}

// StatsRecorder receives the conference's contribution to server metrics.
type StatsRecorder interface {
	RecordJoin(latency time.Duration)
	RecordLeave()
	RecordProduce(latency time.Duration)
}

type nopStats struct{}

func (nopStats) RecordJoin(time.Duration) {}

func (nopStats) RecordLeave() {}

func (nopStats) RecordProduce(time.Duration) {}

// Conference is one live conference. All fields below the mailbox are owned by
// the processing goroutine and must not be touched from outside it.
type Conference struct {
	id     string
	name   string
	config Config

	mailbox chan Message
	done    chan struct{}

	// Send/seal handshake: sealed stops new senders, inflight lets the
	// processor wait out the ones already committed to the mailbox.
	sendMu   sync.Mutex
	sealed   bool
	inflight sync.WaitGroup

	// Readable from any goroutine, for /stats and gauges.
	count atomic.Int64

	router       mediaengine.Router
	participants map[string]*participant.Participant
	notifier     signaling.Notifier
	stats        StatsRecorder
	logger       *logrus.Entry
}

// Start creates the conference and launches its processing goroutine. The
// conference ends on its own once its last participant is gone; Done signals
// that, and no message is accepted afterwards.
func Start(
	id string,
	name string,
	config Config,
	router mediaengine.Router,
	notifier signaling.Notifier,
	stats StatsRecorder,
	logger *logrus.Entry,
) *Conference {
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = DefaultOperationTimeout
	}
	if stats == nil {
		stats = nopStats{}
	}

	c := &Conference{
		id:           id,
		name:         name,
		config:       config,
		mailbox:      make(chan Message, mailboxSize),
		done:         make(chan struct{}),
		router:       router,
		participants: make(map[string]*participant.Participant),
		notifier:     notifier,
		stats:        stats,
		logger:       logger.WithField("conf_id", id),
	}

	c.logger.Info("conference started")
	go c.processMessages()
	return c
}

func (c *Conference) ID() string { return c.id }

func (c *Conference) Name() string { return c.name }

// ParticipantCount reports the member count. Safe from any goroutine; the
// value may lag the processing goroutine by a message.
func (c *Conference) ParticipantCount() int {
	return int(c.count.Load())
}

// Done is closed once the conference has ended and released its router.
func (c *Conference) Done() <-chan struct{} {
	return c.done
}

// Send queues a message for the processing goroutine, blocking when the
// mailbox is full. Returns ConferenceNotFound once the conference has ended;
// a message accepted by Send is guaranteed a Response on its Reply channel.
func (c *Conference) Send(msg Message) error {
	c.sendMu.Lock()
	if c.sealed {
		c.sendMu.Unlock()
		return sfuerr.ConferenceNotFound.With("conference %s has ended", c.id)
	}
	c.inflight.Add(1)
	c.sendMu.Unlock()
	defer c.inflight.Done()

	select {
	case c.mailbox <- msg:
		return nil
	case <-c.done:
		return sfuerr.ConferenceNotFound.With("conference %s has ended", c.id)
	}
}

// reply delivers the outcome to the message's reply channel, if any. Reply
// channels are buffered by the senders, so this never blocks the processor.
func reply(msg Message, data any, err error) {
	if msg.Reply == nil {
		return
	}
	msg.Reply <- Response{Data: data, Err: err}
}

// opCtx returns the context bounding one engine operation.
func (c *Conference) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.config.OperationTimeout)
}

// broadcast sends the event to every participant except the named one. Pass an
// empty string to reach everyone.
func (c *Conference) broadcast(exceptID string, event signaling.Event) {
	for id, p := range c.participants {
		if id == exceptID {
			continue
		}
		c.notifier.Notify(p.SocketID, event)
	}
}
