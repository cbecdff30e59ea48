// Package workerctx implements the per-session capability object handed
// to worker bodies: log/warn emission and throttled progress reporting.
// It is passed explicitly (never via an ambient global) so test harnesses
// can substitute their own.
package workerctx

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// defaultLogThrottle matches settings.logThrottle's documented default.
const defaultLogThrottle = 250 * time.Millisecond

// defaultProgressTTL is the 30-minute TTL progress records carry; it is
// load-bearing for stale-progress detection (§4.6).
const defaultProgressTTL = 30 * time.Minute

// Emitter is what the orchestrator supplies to receive log/warn events
// tagged with a session, and to persist throttled progress records.
type Emitter interface {
	// Log emits a log(session, ...) event.
	Log(sessionID string, args ...any)
	// Warn emits a warn(session, ...) event.
	Warn(sessionID string, args ...any)
	// WriteProgress durably stores a progress record under
	// "<cacheKey>-progress" with a 30-minute TTL, against the cache
	// backend resolved for sessionID.
	WriteProgress(ctx context.Context, sessionID, cacheKey string, record ProgressRecord) error
}

// ProgressRecord is the persisted shape of a progress update.
type ProgressRecord struct {
	Text    string `json:"text"`
	Percent int    `json:"current"`
}

// Context is the capability object handed to worker bodies.
type Context struct {
	sessionID string
	cacheKey  string
	emitter   Emitter
	throttle  time.Duration

	mu           sync.Mutex
	lastThrottle time.Time
	lastProgress time.Time
}

// New constructs a worker context for one session. throttle is
// settings.logThrottle, or 0 to use the 250ms default.
func New(sessionID, cacheKey string, emitter Emitter, throttle time.Duration) *Context {
	if throttle <= 0 {
		throttle = defaultLogThrottle
	}
	return &Context{sessionID: sessionID, cacheKey: cacheKey, emitter: emitter, throttle: throttle}
}

// Log emits an untamed log line tagged with the session.
func (c *Context) Log(args ...any) {
	if c.emitter == nil {
		return
	}
	c.emitter.Log(c.sessionID, args...)
}

// Warn emits a warning line tagged with the session.
func (c *Context) Warn(args ...any) {
	if c.emitter == nil {
		return
	}
	c.emitter.Warn(c.sessionID, args...)
}

// LogThrottled is leading-edge-then-throttled at c.throttle: the first
// call always fires; subsequent calls within the throttle window are
// dropped.
func (c *Context) LogThrottled(args ...any) {
	c.mu.Lock()
	now := time.Now()
	fire := c.lastThrottle.IsZero() || now.Sub(c.lastThrottle) >= c.throttle
	if fire {
		c.lastThrottle = now
	}
	c.mu.Unlock()
	if fire {
		c.Log(args...)
	}
}

// Progress updates the in-memory/log-visible progress state and,
// throttled, writes a progress record to the cache. It has the four
// effective shapes §4.6 names:
//
//   - text only, no numbers: reset progress, emit text via LogThrottled.
//   - max == 100: emit "<text|"Progress">: <floor(current)>%".
//   - current and max known (max != 100): emit
//     "<text>: <current> / <max> (<ceil(current/max*100)>%)".
//   - current only: emit "<text>: <current>".
func (c *Context) Progress(ctx context.Context, text string, current, max *float64) {
	var message string
	var percent int

	switch {
	case current == nil && max == nil:
		if text == "" {
			text = "Progress"
		}
		message = text
		percent = 0
	case max != nil && *max == 100:
		label := text
		if label == "" {
			label = "Progress"
		}
		percent = int(math.Floor(*current))
		message = fmt.Sprintf("%s: %d%%", label, percent)
	case current != nil && max != nil:
		percent = int(math.Ceil(*current / *max * 100))
		message = fmt.Sprintf("%s: %v / %v (%d%%)", text, fmtNum(*current), fmtNum(*max), percent)
	case current != nil:
		percent = int(math.Ceil(*current))
		message = fmt.Sprintf("%s: %v", text, fmtNum(*current))
	default:
		message = text
	}

	c.LogThrottled(message)
	c.writeProgressThrottled(ctx, message, percent)
}

func fmtNum(f float64) string {
	if f == math.Trunc(f) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

func (c *Context) writeProgressThrottled(ctx context.Context, text string, percent int) {
	if c.emitter == nil {
		return
	}
	c.mu.Lock()
	now := time.Now()
	fire := c.lastProgress.IsZero() || now.Sub(c.lastProgress) >= c.throttle
	if fire {
		c.lastProgress = now
	}
	c.mu.Unlock()
	if !fire {
		return
	}
	_ = c.emitter.WriteProgress(ctx, c.sessionID, c.cacheKey, ProgressRecord{Text: text, Percent: percent})
}

// ProgressTTL is exported so callers computing an expiry instant for the
// progress record use the same constant this package documents.
func ProgressTTL() time.Duration { return defaultProgressTTL }
