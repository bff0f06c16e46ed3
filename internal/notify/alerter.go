package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/relay"
)

const sendTimeout = 5 * time.Second

// Alerter posts security-relevant relay events to a notification endpoint.
type Alerter struct {
	broker   *relay.Broker
	client   *http.Client
	endpoint string
	subID    int64
	events   <-chan relay.Event
	wg       sync.WaitGroup
}

// NewAlerter subscribes to failed handshakes and rejected channels.
func NewAlerter(broker *relay.Broker, client *http.Client, endpoint string) *Alerter {
	id, ch := broker.Subscribe(relay.EventHandshakeFailed, relay.EventChannelRejected)
	a := &Alerter{
		broker:   broker,
		client:   client,
		endpoint: endpoint,
		subID:    id,
		events:   ch,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Alerter) run() {
	defer a.wg.Done()
	for evt := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := Send(ctx, a.client, a.endpoint, FormatEvent(evt)); err != nil {
			slog.Debug("relay alert failed", "type", evt.Type, "error", err)
		}
		cancel()
	}
}

// Close stops the alerter once queued alerts have been sent.
func (a *Alerter) Close() {
	a.broker.Unsubscribe(a.subID)
	a.wg.Wait()
}

// FormatEvent renders an event as a one-line alert.
func FormatEvent(evt relay.Event) string {
	msg := fmt.Sprintf("tabrelay %s on %s from %s", evt.Type, evt.Channel, evt.Remote)
	if evt.Detail != "" {
		msg += ": " + evt.Detail
	}
	return msg
}
