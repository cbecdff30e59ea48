package cronsched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tickRecorder struct {
	mu    sync.Mutex
	ticks []string
	runs  []string
}

func (r *tickRecorder) onTick(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, id)
}

func (r *tickRecorder) run(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, id)
}

func (r *tickRecorder) count() (ticks, runs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks), len(r.runs)
}

func TestSchedulerFiresInstalledEntry(t *testing.T) {
	rec := &tickRecorder{}
	s := New(rec.run, rec.onTick, nil)
	require.NoError(t, s.Install("timed", "*/1 * * * * *"))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		ticks, runs := rec.count()
		return ticks >= 1 && runs >= 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s := New(func(string) {}, nil, nil)
	require.NoError(t, s.Install("timed", "*/5 * * * * *"))
	s.Start()
	s.Stop()
	assert.NotPanics(t, func() { s.Stop() })
	select {
	case <-s.Done():
	default:
		t.Fatal("expected Done channel to be closed after Stop")
	}
}

func TestSchedulerEntryCount(t *testing.T) {
	s := New(func(string) {}, nil, nil)
	require.NoError(t, s.Install("a", "*/5 * * * * *"))
	require.NoError(t, s.Install("b", "*/5 * * * * *"))
	assert.Equal(t, 2, s.EntryCount())
}

func TestSchedulerFireRecoversWorkerPanic(t *testing.T) {
	s := New(func(string) { panic("boom") }, nil, nil)
	require.NoError(t, s.Install("timed", "*/1 * * * * *"))
	s.Start()
	defer s.Stop()
	time.Sleep(1200 * time.Millisecond)
	// reaching here without crashing the test process is the assertion
}
