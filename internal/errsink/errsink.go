// Package errsink forwards unhandled/fatal errors to an optional
// external sink (spec.md section 6, SENTRY_URL), always routing the
// message through the shared xlog.Redactor first so the private key, DB
// password and the Sentry DSN itself never leak into a captured event
// (spec.md section 5).
package errsink

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/Coinversable/validana-processor/internal/xlog"
)

const flushTimeout = 2 * time.Second

// Sink reports errors to an external collector. A nil *url Sink is a
// no-op, matching the default empty SENTRY_URL.
type Sink struct {
	redactor *xlog.Redactor
	enabled  bool
}

// New initialises sentry-go against dsn. An empty dsn yields a disabled,
// no-op Sink.
func New(dsn string, redactor *xlog.Redactor) (*Sink, error) {
	if dsn == "" {
		return &Sink{redactor: redactor}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return nil, err
	}
	return &Sink{redactor: redactor, enabled: true}, nil
}

// Report forwards err (with redacted message text) plus redacted
// key-value context. Best-effort: failures to reach the sink are never
// fatal, matching the store gateway's NOTIFY semantics.
func (s *Sink) Report(err error, kv ...any) {
	if s == nil || !s.enabled || err == nil {
		return
	}
	redactedMsg := s.redactor.Redact(err.Error())

	sentry.WithScope(func(scope *sentry.Scope) {
		for i := 0; i+1 < len(kv); i += 2 {
			key, _ := kv[i].(string)
			scope.SetExtra(key, s.redactValue(kv[i+1]))
		}
		sentry.CaptureMessage(redactedMsg)
	})
}

func (s *Sink) redactValue(v any) any {
	if str, ok := v.(string); ok {
		return s.redactor.Redact(str)
	}
	return v
}

// Flush blocks up to the given budget waiting for queued events to send,
// called once during graceful shutdown.
func (s *Sink) Flush() {
	if s == nil || !s.enabled {
		return
	}
	sentry.Flush(flushTimeout)
}
