// Package audit persists relay lifecycle and security events as JSON lines.
package audit

import (
	"log/slog"
	"sync"

	"github.com/dgnsrekt/tabrelay/internal/relay"
)

// Recorder drains a broker subscription into a JSONLWriter.
type Recorder struct {
	broker *relay.Broker
	writer *JSONLWriter
	subID  int64
	events <-chan relay.Event
	wg     sync.WaitGroup
}

// NewRecorder subscribes to every relay event and starts writing them under dir.
func NewRecorder(broker *relay.Broker, dir string) *Recorder {
	id, ch := broker.Subscribe()
	rec := &Recorder{
		broker: broker,
		writer: NewJSONLWriter(dir, 1024, 25),
		subID:  id,
		events: ch,
	}
	rec.wg.Add(1)
	go rec.run()
	return rec
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for evt := range r.events {
		if err := r.writer.Write(evt); err != nil {
			slog.Debug("audit event dropped", "type", evt.Type, "error", err)
		}
	}
}

// Close unsubscribes, waits for queued events and closes the file.
func (r *Recorder) Close() error {
	r.broker.Unsubscribe(r.subID)
	r.wg.Wait()
	return r.writer.Close()
}
