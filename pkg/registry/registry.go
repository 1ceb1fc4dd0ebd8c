// Package registry tracks the live conferences of the server. It is the only
// component that creates and removes conferences; everything else reaches a
// conference through its id here.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/riverbed-media/estuary/pkg/conference"
	"github.com/riverbed-media/estuary/pkg/sfuerr"
	"github.com/riverbed-media/estuary/pkg/signaling"
	"github.com/riverbed-media/estuary/pkg/worker"
)

type entry struct {
	conf     *conference.Conference
	workerID int
}

// Registry maps conference ids to running conferences. The mutex guards the
// map only; conference state lives behind each conference's mailbox.
type Registry struct {
	mu          sync.Mutex
	conferences map[string]*entry

	pool     *worker.Pool
	template conference.Config
	notifier signaling.Notifier
	stats    conference.StatsRecorder
	logger   *logrus.Entry
}

// New creates the registry and wires it to the pool's worker-death signal, so
// conferences stranded on a dead worker are terminated instead of limping on.
func New(
	pool *worker.Pool,
	template conference.Config,
	notifier signaling.Notifier,
	stats conference.StatsRecorder,
	logger *logrus.Entry,
) *Registry {
	r := &Registry{
		conferences: make(map[string]*entry),
		pool:        pool,
		template:    template,
		notifier:    notifier,
		stats:       stats,
		logger:      logger,
	}
	pool.OnWorkerDown(r.handleWorkerDown)
	return r
}

// SendJoin routes a join to the named conference, creating it on the least
// loaded worker if it does not exist. A join racing a conference that is just
// ending is retried against a fresh one, whether the race surfaced as a failed
// Send or as a ConferenceNotFound reply from the ended conference's drain; the
// reply is relayed here so the retry can intercept it.
func (r *Registry) SendJoin(ctx context.Context, conferenceID, conferenceName string, msg conference.Message) error {
	const attempts = 2
	for attempt := 1; attempt <= attempts; attempt++ {
		conf, err := r.getOrCreate(ctx, conferenceID, conferenceName)
		if err != nil {
			return err
		}

		relay := make(chan conference.Response, 1)
		relayed := msg
		relayed.Reply = relay
		if err := conf.Send(relayed); err != nil {
			if errors.Is(err, sfuerr.ConferenceNotFound) && attempt < attempts {
				continue
			}
			return err
		}

		select {
		case response := <-relay:
			if errors.Is(response.Err, sfuerr.ConferenceNotFound) && attempt < attempts {
				// The conference ended with the join still queued and its
				// drain answered for it. Done is closed by the time the drain
				// runs, so the next getOrCreate starts a fresh conference.
				continue
			}
			if msg.Reply != nil {
				msg.Reply <- response
			}
			return nil
		case <-ctx.Done():
			return sfuerr.OperationTimeout.With("join of conference %s timed out", conferenceID)
		}
	}
	return sfuerr.ConferenceNotFound.With("conference %s keeps ending", conferenceID)
}

// Send routes a message to an existing conference.
func (r *Registry) Send(conferenceID string, msg conference.Message) error {
	r.mu.Lock()
	e := r.conferences[conferenceID]
	r.mu.Unlock()

	if e == nil {
		return sfuerr.ConferenceNotFound.With("no conference %s", conferenceID)
	}
	return e.conf.Send(msg)
}

func (r *Registry) getOrCreate(ctx context.Context, conferenceID, conferenceName string) (*conference.Conference, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.conferences[conferenceID]; e != nil {
		select {
		case <-e.conf.Done():
			// Ended but not reaped by its watcher yet. Replace it here, under
			// the lock, so a join arriving right after the last leave lands on
			// a fresh conference instead of the sealed one.
			delete(r.conferences, conferenceID)
		default:
			return e.conf, nil
		}
	}

	w, router, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	conf := conference.Start(
		conferenceID,
		conferenceName,
		r.template,
		router,
		r.notifier,
		r.stats,
		r.logger,
	)
	r.conferences[conferenceID] = &entry{conf: conf, workerID: w.ID()}
	r.logger.WithFields(logrus.Fields{
		"conf_id":   conferenceID,
		"worker_id": w.ID(),
	}).Info("conference created")

	go func() {
		<-conf.Done()
		r.remove(conferenceID, conf)
	}()

	return conf, nil
}

// remove drops the entry once its conference has ended. The pointer compare
// keeps a re-created conference under the same id safe from the old watcher.
func (r *Registry) remove(conferenceID string, conf *conference.Conference) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.conferences[conferenceID]; e != nil && e.conf == conf {
		delete(r.conferences, conferenceID)
	}
}

func (r *Registry) handleWorkerDown(workerID int, cause error) {
	r.mu.Lock()
	var stranded []*conference.Conference
	for _, e := range r.conferences {
		if e.workerID == workerID {
			stranded = append(stranded, e.conf)
		}
	}
	r.mu.Unlock()

	r.logger.WithError(cause).WithFields(logrus.Fields{
		"worker_id":   workerID,
		"conferences": len(stranded),
	}).Error("terminating conferences of dead worker")

	for _, conf := range stranded {
		_ = conf.Send(conference.Message{Content: conference.Terminate{Reason: "media worker died"}})
	}
}

// TerminateAll tears down every conference, for graceful shutdown. Blocks
// until all of them have ended.
func (r *Registry) TerminateAll(reason string) {
	r.mu.Lock()
	running := make([]*conference.Conference, 0, len(r.conferences))
	for _, e := range r.conferences {
		running = append(running, e.conf)
	}
	r.mu.Unlock()

	for _, conf := range running {
		_ = conf.Send(conference.Message{Content: conference.Terminate{Reason: reason}})
	}
	for _, conf := range running {
		<-conf.Done()
	}
}

// ConferenceCount reports the number of live conferences.
func (r *Registry) ConferenceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conferences)
}

// ParticipantCount reports the number of participants across all conferences.
func (r *Registry) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, e := range r.conferences {
		total += e.conf.ParticipantCount()
	}
	return total
}

// ConferenceInfo is one row of the /stats snapshot.
type ConferenceInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name,omitempty"`
	Participants int    `json:"participants"`
	WorkerID     int    `json:"workerId"`
}

// Snapshot lists the live conferences for the stats endpoint.
func (r *Registry) Snapshot() []ConferenceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]ConferenceInfo, 0, len(r.conferences))
	for _, e := range r.conferences {
		infos = append(infos, ConferenceInfo{
			ID:           e.conf.ID(),
			Name:         e.conf.Name(),
			Participants: e.conf.ParticipantCount(),
			WorkerID:     e.workerID,
		})
	}
	return infos
}
