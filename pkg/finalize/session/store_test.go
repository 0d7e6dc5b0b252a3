package session

import (
	"testing"
	"time"

	"clinical-finalize-be/pkg/store"

	"github.com/redis/go-redis/v9"
)

type captureLogger struct {
	warns []string
}

func (l *captureLogger) Debug(module, message string, details map[string]interface{}) {}
func (l *captureLogger) Info(module, message string, details map[string]interface{})  {}
func (l *captureLogger) Warn(module, message string, details map[string]interface{}) {
	l.warns = append(l.warns, message)
}
func (l *captureLogger) Error(module, message string, details map[string]interface{}) {}
func (l *captureLogger) Sync() error                                                  { return nil }

// A snapshot the durable tier cannot serialize is reported, not silently
// dropped.
func TestRedisPutWarnsOnMarshalFailure(t *testing.T) {
	log := &captureLogger{}
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:0"}), time.Hour, log)

	s.Put(&store.StoredFinalizationSession{
		SessionId:       "sess-1",
		LastPreFinalize: map[string]interface{}{"bad": func() {}},
	})

	if len(log.warns) != 1 {
		t.Fatalf("warnings = %v, want exactly one marshal warning", log.warns)
	}
}

// A nil logger keeps the store usable; degraded writes just stay quiet.
func TestRedisPutNilLoggerSafe(t *testing.T) {
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:0"}), time.Hour, nil)

	s.Put(&store.StoredFinalizationSession{
		SessionId:       "sess-1",
		LastPreFinalize: map[string]interface{}{"bad": func() {}},
	})
}
