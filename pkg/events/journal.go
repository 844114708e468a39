package events

import (
	"github.com/rs/zerolog"
)

// Journal subscribes to b and writes every event to logger until the
// returned stop function is called. Escalations, alerts and dead letters
// are logged at warn level, everything else at info.
func Journal(b *Broker, logger zerolog.Logger) (stop func()) {
	if b == nil {
		return func() {}
	}

	sub := b.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			entry := logger.Info()
			switch ev.Type {
			case EventAuthEscalation, EventAgentAlert, EventJobDeadLettered:
				entry = logger.Warn()
			}
			dict := zerolog.Dict()
			for k, v := range ev.Metadata {
				dict = dict.Str(k, v)
			}
			entry.Str("event_id", ev.ID).
				Str("event", string(ev.Type)).
				Time("at", ev.Timestamp).
				Dict("metadata", dict).
				Msg(messageOf(ev))
		}
	}()

	return func() {
		b.Unsubscribe(sub)
		<-done
	}
}

func messageOf(ev *Event) string {
	if ev.Message != "" {
		return ev.Message
	}
	return string(ev.Type)
}
