package progress

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alvesdmateus/app-packager/internal/observability"
)

// Sink receives start/finish notifications for named workloads. Calls are
// fire-and-forget: a sink must not block the pipeline and has no way to fail
// it.
type Sink interface {
	StartEvent(name string)
	FinishEvent(name, outcome string)
}

// Outcome labels reported to FinishEvent in addition to the cache outcomes.
// Phase events finish with OutcomeOK, OutcomeFailed or OutcomeCancelled.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

const phaseSeparator = "/"

// PhaseEvent names the event of one phase of a workload ("api/build")
func PhaseEvent(workload, phase string) string {
	return workload + phaseSeparator + phase
}

// SplitEvent returns the workload and phase of an event name. Workload
// events have an empty phase.
func SplitEvent(name string) (workload, phase string) {
	workload, phase, _ = strings.Cut(name, phaseSeparator)
	return workload, phase
}

// Nop discards every event
type Nop struct{}

func (Nop) StartEvent(string)          {}
func (Nop) FinishEvent(string, string) {}

// LogSink writes events to a zerolog logger and reports how long each
// workload took
type LogSink struct {
	logger zerolog.Logger

	mu      sync.Mutex
	started map[string]time.Time
}

// NewLogSink creates a progress sink backed by logger
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{
		logger:  logger.With().Str("component", "progress").Logger(),
		started: make(map[string]time.Time),
	}
}

func (s *LogSink) StartEvent(name string) {
	s.mu.Lock()
	s.started[name] = time.Now()
	s.mu.Unlock()

	workload, phase := SplitEvent(name)
	if phase != "" {
		s.logger.Debug().Str("workload", workload).Str("phase", phase).Msg("Phase started")
		return
	}
	s.logger.Info().Str("workload", name).Msg("Packaging started")
}

func (s *LogSink) FinishEvent(name, outcome string) {
	s.mu.Lock()
	start, ok := s.started[name]
	delete(s.started, name)
	s.mu.Unlock()

	workload, phase := SplitEvent(name)
	event, msg := s.logger.Info(), "Packaging finished"
	if phase != "" {
		event, msg = s.logger.Debug().Str("phase", phase), "Phase finished"
	}
	if outcome == OutcomeFailed || outcome == OutcomeCancelled {
		event = s.logger.Warn()
		if phase != "" {
			event = event.Str("phase", phase)
		}
	}
	event = event.Str("workload", workload).Str("outcome", outcome)
	if ok {
		event = event.Dur("duration", time.Since(start))
	}
	event.Msg(msg)
}

// MetricsSink tracks active workloads on a gauge. Phase events are ignored.
type MetricsSink struct {
	metrics *observability.Metrics
}

// NewMetricsSink creates a progress sink backed by metrics
func NewMetricsSink(metrics *observability.Metrics) *MetricsSink {
	return &MetricsSink{metrics: metrics}
}

func (s *MetricsSink) StartEvent(name string) {
	if _, phase := SplitEvent(name); phase == "" {
		s.metrics.IncWorkloadsActive()
	}
}

func (s *MetricsSink) FinishEvent(name, _ string) {
	if _, phase := SplitEvent(name); phase == "" {
		s.metrics.DecWorkloadsActive()
	}
}

// Multi fans every event out to each sink in order
type Multi []Sink

// NewMulti combines sinks, dropping nil entries
func NewMulti(sinks ...Sink) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m Multi) StartEvent(name string) {
	for _, s := range m {
		s.StartEvent(name)
	}
}

func (m Multi) FinishEvent(name, outcome string) {
	for _, s := range m {
		s.FinishEvent(name, outcome)
	}
}

// Recorder keeps every event in memory, in the order received
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Event is one recorded notification
type Event struct {
	Name    string
	Started bool
	Outcome string
}

func (r *Recorder) StartEvent(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Started: true})
}

func (r *Recorder) FinishEvent(name, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Name: name, Outcome: outcome})
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Outcomes returns the last finish outcome recorded for each workload,
// leaving out phase events
func (r *Recorder) Outcomes() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string)
	for _, e := range r.events {
		if _, phase := SplitEvent(e.Name); !e.Started && phase == "" {
			out[e.Name] = e.Outcome
		}
	}
	return out
}

// Phases returns workload's phase events in order, formatted as
// "start <phase>" and "<phase> <outcome>"
func (r *Recorder) Phases(workload string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		w, phase := SplitEvent(e.Name)
		if w != workload || phase == "" {
			continue
		}
		if e.Started {
			out = append(out, "start "+phase)
		} else {
			out = append(out, phase+" "+e.Outcome)
		}
	}
	return out
}
