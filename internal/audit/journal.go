package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"command_center/internal/domain"
)

const defaultBuffer = 256

type EventSource interface {
	OnEvent(evt domain.EventType, fn domain.EventListener) func()
}

type Sink interface {
	AppendCommand(ctx context.Context, cmd domain.Command) error
	AppendEvent(ctx context.Context, rec domain.BusEventRecord) error
}

type entry struct {
	command *domain.Command
	event   *domain.BusEventRecord
}

// Journal mirrors bus traffic into a Sink from a single writer goroutine.
// Bus listeners never block on storage: when the buffer is full the entry is
// counted and discarded.
type Journal struct {
	source EventSource
	sink   Sink
	logger *slog.Logger

	queue   chan entry
	dropped atomic.Int64
	written atomic.Int64

	unsubs []func()
	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func New(source EventSource, sink Sink, buffer int, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Journal{
		source: source,
		sink:   sink,
		logger: logger.With("component", "audit"),
		queue:  make(chan entry, buffer),
		done:   make(chan struct{}),
	}
}

// Start subscribes to every bus event and runs the writer until ctx is done.
// Entries already queued are flushed before Wait returns.
func (j *Journal) Start(ctx context.Context) {
	for _, evt := range domain.EventTypes() {
		j.unsubs = append(j.unsubs, j.source.OnEvent(evt, j.observe))
	}
	go j.run(ctx)
}

func (j *Journal) Wait() {
	<-j.done
}

func (j *Journal) Written() int64 { return j.written.Load() }

func (j *Journal) Dropped() int64 { return j.dropped.Load() }

func (j *Journal) observe(evt domain.Event) {
	var item entry
	if evt.Type == domain.EventCommandSent && evt.Command != nil {
		cmd := *evt.Command
		item.command = &cmd
	} else {
		rec := record(evt)
		item.event = &rec
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- item:
	default:
		if j.dropped.Add(1) == 1 {
			j.logger.Warn("audit buffer full, dropping entries", "buffer", cap(j.queue))
		}
	}
}

func (j *Journal) run(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case <-ctx.Done():
			j.shutdown()
			return
		case item := <-j.queue:
			j.write(ctx, item)
		}
	}
}

func (j *Journal) shutdown() {
	for _, unsub := range j.unsubs {
		unsub()
	}
	j.mu.Lock()
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for item := range j.queue {
		j.write(flushCtx, item)
	}
	if n := j.dropped.Load(); n > 0 {
		j.logger.Warn("audit journal closed with dropped entries", "dropped", n)
	}
}

func (j *Journal) write(ctx context.Context, item entry) {
	var err error
	switch {
	case item.command != nil:
		err = j.sink.AppendCommand(ctx, *item.command)
	case item.event != nil:
		err = j.sink.AppendEvent(ctx, *item.event)
	}
	if err != nil {
		j.logger.Error("audit write failed", "error", err)
		return
	}
	j.written.Add(1)
}

type eventDetail struct {
	Agent     *domain.Agent        `json:"agent,omitempty"`
	Change    *domain.StatusChange `json:"change,omitempty"`
	Status    *domain.SystemStatus `json:"status,omitempty"`
	CommandID string               `json:"commandId,omitempty"`
	Command   domain.CommandType   `json:"commandType,omitempty"`
	Source    string               `json:"source,omitempty"`
	Reason    string               `json:"reason,omitempty"`
}

func record(evt domain.Event) domain.BusEventRecord {
	detail := eventDetail{
		Agent:  evt.Agent,
		Change: evt.Change,
		Status: evt.Status,
		Reason: evt.Reason,
	}
	if evt.Command != nil {
		detail.CommandID = evt.Command.ID
		detail.Command = evt.Command.Type
		detail.Source = evt.Command.Source
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		raw = []byte("{}")
	}
	return domain.BusEventRecord{
		Type:      evt.Type,
		AgentID:   evt.AgentID,
		Detail:    raw,
		CreatedAt: evt.Timestamp,
	}
}
