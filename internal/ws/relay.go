package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ahmedG3far44/DevPilot-server/internal/remote"
)

// Frames written around remote output.
const (
	SuccessMessage = "Deployment finished successfully"
	ErrorPrefix    = "ERROR: "
	StderrPrefix   = "[stderr] "
)

const (
	mirrorQueueSize    = 256
	mirrorFlushTimeout = 30 * time.Second
)

// ErrConsumerGone reports that the transport closed before the session ended.
var ErrConsumerGone = errors.New("client disconnected")

// Outcome is how a relayed session ended.
type Outcome int

// Relay outcomes.
const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Mirror receives a copy of everything a relay forwards.
type Mirror interface {
	Chunk(deploymentID string, stream remote.Stream, data []byte)
	Finished(deploymentID string, outcome Outcome, message string)
}

// Relay bridges one session onto one transport. A nil transport relays to the
// mirror only. The mirror is fed from a queue drained by its own goroutine,
// so a slow mirror never delays the transport; chunks that do not fit in the
// queue are dropped from the mirror.
type Relay struct {
	deploymentID string
	transport    Transport
	mirror       Mirror
	log          *slog.Logger

	queue     chan mirrorItem
	flushed   chan struct{}
	closeOnce sync.Once
	dropped   int
}

type mirrorItem struct {
	stream   remote.Stream
	data     []byte
	finished bool
	outcome  Outcome
	message  string
}

// NewRelay constructs a Relay.
func NewRelay(deploymentID string, transport Transport, mirror Mirror, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		deploymentID: deploymentID,
		transport:    transport,
		mirror:       mirror,
		log:          logger.With("component", "relay", "deployment_id", deploymentID),
	}
	if mirror != nil {
		r.queue = make(chan mirrorItem, mirrorQueueSize)
		r.flushed = make(chan struct{})
		go r.feedMirror()
	}
	return r
}

func (r *Relay) feedMirror() {
	defer close(r.flushed)
	for item := range r.queue {
		if item.finished {
			r.mirror.Finished(r.deploymentID, item.outcome, item.message)
			continue
		}
		r.mirror.Chunk(r.deploymentID, item.stream, item.data)
	}
}

func (r *Relay) mirrorChunk(ev remote.Event) {
	if r.queue == nil {
		return
	}
	select {
	case r.queue <- mirrorItem{stream: ev.Stream, data: ev.Data}:
	default:
		r.dropped++
	}
}

// closeMirror queues the finish notice and waits, bounded, for the mirror to
// catch up.
func (r *Relay) closeMirror(outcome Outcome, message string) {
	if r.queue == nil {
		return
	}
	r.closeOnce.Do(func() {
		r.queue <- mirrorItem{finished: true, outcome: outcome, message: message}
		close(r.queue)
	})
	if r.dropped > 0 {
		r.log.Warn("mirror fell behind, chunks dropped from history", "dropped", r.dropped)
	}
	timer := time.NewTimer(mirrorFlushTimeout)
	defer timer.Stop()
	select {
	case <-r.flushed:
	case <-timer.C:
		r.log.Warn("mirror still busy, not waiting further")
	}
}

// Forward relays chunks until the session ends or the consumer goes away. When
// the consumer closes first the session is cancelled and OutcomeCancelled is
// returned with ErrConsumerGone. A failed session yields its error.
func (r *Relay) Forward(session *remote.Session) (Outcome, error) {
	var gone <-chan struct{}
	if r.transport != nil {
		gone = r.transport.Done()
	}
	for {
		select {
		case ev, ok := <-session.Events():
			if !ok {
				return OutcomeCancelled, ErrConsumerGone
			}
			switch ev.Kind {
			case remote.EventChunk:
				if !r.forwardChunk(ev) {
					session.Cancel()
					return r.drain(session)
				}
			case remote.EventCompleted:
				return OutcomeCompleted, nil
			case remote.EventFailed:
				if ev.Err != nil {
					return OutcomeFailed, ev.Err
				}
				return OutcomeFailed, errors.New(ev.Message)
			}
		case <-gone:
			r.log.Info("consumer closed stream, cancelling session")
			session.Cancel()
			return r.drain(session)
		}
	}
}

// drain consumes what the session queued before it was cancelled. A terminal
// event that was already queued still decides the outcome.
func (r *Relay) drain(session *remote.Session) (Outcome, error) {
	for ev := range session.Events() {
		switch ev.Kind {
		case remote.EventChunk:
			r.mirrorChunk(ev)
		case remote.EventCompleted:
			return OutcomeCompleted, nil
		case remote.EventFailed:
			if ev.Err != nil {
				return OutcomeFailed, ev.Err
			}
			return OutcomeFailed, errors.New(ev.Message)
		}
	}
	return OutcomeCancelled, ErrConsumerGone
}

func (r *Relay) forwardChunk(ev remote.Event) bool {
	ok := true
	if r.transport != nil {
		payload := ev.Data
		if ev.Stream == remote.StreamErr {
			payload = append([]byte(StderrPrefix), ev.Data...)
		}
		if err := r.transport.Send(payload); err != nil {
			r.log.Info("stream write failed, cancelling session", "error", err)
			ok = false
		}
	}
	r.mirrorChunk(ev)
	return ok
}

// Finish writes the terminal frame for outcome and closes the transport, then
// lets the mirror catch up. err, when non-nil, turns the frame into an error
// frame. Cancelled relays only close.
func (r *Relay) Finish(outcome Outcome, err error) {
	message := SuccessMessage
	switch {
	case err != nil:
		message = err.Error()
	case outcome != OutcomeCompleted:
		message = "deployment failed"
	}
	defer r.closeMirror(outcome, message)
	if r.transport == nil {
		return
	}
	defer r.transport.Close()

	if outcome == OutcomeCancelled {
		return
	}
	frame := []byte(SuccessMessage)
	if outcome != OutcomeCompleted || err != nil {
		frame = []byte(ErrorPrefix + message)
	}
	if sendErr := r.transport.Send(frame); sendErr != nil {
		r.log.Debug("terminal frame not delivered", "error", sendErr)
	}
}
