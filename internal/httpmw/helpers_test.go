package httpmw

import (
	"context"
	"sync"

	"github.com/keithlinneman/instancehub/internal/log"
)

type spyRecord struct {
	level string
	msg   string
	err   error
	kv    []any
}

// spyLogger records every call. With returns a child sharing the sink.
type spyLogger struct {
	mu      *sync.Mutex
	records *[]spyRecord
	fields  []any
}

func newSpyLogger() *spyLogger {
	return &spyLogger{mu: &sync.Mutex{}, records: &[]spyRecord{}}
}

func (s *spyLogger) add(level, msg string, err error, kv []any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := append(append([]any{}, s.fields...), kv...)
	*s.records = append(*s.records, spyRecord{level: level, msg: msg, err: err, kv: all})
}

func (s *spyLogger) With(kv ...any) log.Logger {
	return &spyLogger{mu: s.mu, records: s.records, fields: append(append([]any{}, s.fields...), kv...)}
}

func (s *spyLogger) Debug(_ context.Context, msg string, kv ...any) { s.add("debug", msg, nil, kv) }
func (s *spyLogger) Info(_ context.Context, msg string, kv ...any)  { s.add("info", msg, nil, kv) }
func (s *spyLogger) Warn(_ context.Context, msg string, kv ...any)  { s.add("warn", msg, nil, kv) }
func (s *spyLogger) Error(_ context.Context, err error, msg string, kv ...any) {
	s.add("error", msg, err, kv)
}
func (s *spyLogger) Sync() error { return nil }

func (s *spyLogger) all() []spyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spyRecord(nil), *s.records...)
}

// field returns the value for key in rec, later pairs winning.
func (rec spyRecord) field(key string) (any, bool) {
	var v any
	found := false
	for i := 0; i+1 < len(rec.kv); i += 2 {
		if k, ok := rec.kv[i].(string); ok && k == key {
			v, found = rec.kv[i+1], true
		}
	}
	return v, found
}
