package errors

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
)

// SentryConfig configures the optional Sentry error reporter. DSN
// empty disables reporting entirely, so a device process that never
// sets SENTRY_DSN pays no cost for this.
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	ServerName  string
}

// SentryReporter forwards AppErrors and panics to Sentry, tagged by
// Kind for grouping.
type SentryReporter struct {
	enabled bool
}

func NewSentryReporter(cfg SentryConfig) (*SentryReporter, error) {
	if cfg.DSN == "" {
		return &SentryReporter{enabled: false}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		ServerName:       cfg.ServerName,
		AttachStacktrace: true,
	}); err != nil {
		return nil, err
	}
	return &SentryReporter{enabled: true}, nil
}

func (s *SentryReporter) Close(timeout time.Duration) {
	if s.enabled {
		sentry.Flush(timeout)
	}
}

// CaptureAppError reports err to Sentry, tagged by Kind for grouping.
// KindValidation is never reported: it is caller error, not a system
// fault worth paging on.
func (s *SentryReporter) CaptureAppError(err *AppError) {
	if !s.enabled || err == nil || err.Kind == KindValidation {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_kind", string(err.Kind))
		for k, v := range err.Fields {
			scope.SetExtra(k, v)
		}
		if err.Err != nil {
			sentry.CaptureException(err.Err)
		} else {
			sentry.CaptureMessage(err.Message)
		}
	})
}

// CapturePanic reports a recovered panic with its stack trace.
func (s *SentryReporter) CapturePanic(recovered interface{}, stack string) {
	if !s.enabled {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("panic", "true")
		scope.SetExtra("stack_trace", stack)
		if err, ok := recovered.(error); ok {
			sentry.CaptureException(err)
		} else {
			sentry.CaptureMessage("panic recovered")
		}
	})
}

// GinMiddleware recovers a panic in the handler chain, reports it to
// Sentry, and returns 500 instead of crashing the process: the same
// recovery contract as gin.Recovery, with Sentry attached.
func (s *SentryReporter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				s.CapturePanic(recovered, "")
				c.AbortWithStatus(500)
			}
		}()
		c.Next()
	}
}
