package runner

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"time"
)

// defaultTailSize is the default number of bytes read from the end of
// the supervisor's aggregate log file during post-mortem analysis.
const defaultTailSize = 2048

const timeLayout = "2006-01-02T15:04:05.000Z"

var (
	processKillRe   = regexp.MustCompile(`^(\S+): PM log: pid=(\d+) msg=(.*)$`)
	processSignalRe = regexp.MustCompile(`^(\S+): PM log: App \[([^:\]]+):(\d+)\] exited with code \[(-?\d+)\] via signal \[(SIGTERM|SIGKILL)\]$`)
	pmKillRe        = regexp.MustCompile(`^(\S+): PM log: PM successfully stopped$`)
)

// postMortemEvent is one classified log-tail line.
type postMortemEvent struct {
	kind      string // "processKill", "processSignal", "pmKill"
	pid       int
	name      string
	exitCode  int
	signal    string
	timestamp time.Time
	ok        bool // false if the timestamp failed to parse; treated as "no finding" rather than a hard error
}

// tailLines seeks tailSize bytes from the end of the file at path, reads
// to EOF, splits into lines, and returns at most the last 5 — §4.5.b's
// exact log post-mortem slice. There is no pack library specializing in
// tail-N-bytes-from-end reads (see DESIGN.md), so this is plain stdlib
// file I/O.
func tailLines(path string, tailSize int64) ([]string, error) {
	if tailSize <= 0 {
		tailSize = defaultTailSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("runner: open log %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("runner: stat log %q: %w", path, err)
	}

	offset := info.Size() - tailSize
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("runner: seek log %q: %w", path, err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("runner: read log %q: %w", path, err)
	}

	lines := splitLines(string(data))
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return lines, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			if line != "" {
				lines = append(lines, line)
			}
			start = i + 1
		}
	}
	if start < len(s) {
		if line := s[start:]; line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// classifyLine parses one log line against the three post-mortem
// patterns §4.5.b names. An unparseable line is not an error: per §9's
// design note, mismatches mean "no post-mortem finding," never a failure.
func classifyLine(line string) (postMortemEvent, bool) {
	if m := processKillRe.FindStringSubmatch(line); m != nil {
		pid, err := strconv.Atoi(m[2])
		if err != nil {
			return postMortemEvent{}, false
		}
		ts, tsErr := time.Parse(timeLayout, m[1])
		return postMortemEvent{kind: "processKill", pid: pid, timestamp: ts, ok: tsErr == nil}, true
	}
	if m := processSignalRe.FindStringSubmatch(line); m != nil {
		code, err := strconv.Atoi(m[4])
		if err != nil {
			return postMortemEvent{}, false
		}
		ts, tsErr := time.Parse(timeLayout, m[1])
		return postMortemEvent{kind: "processSignal", name: m[2], exitCode: code, signal: m[5], timestamp: ts, ok: tsErr == nil}, true
	}
	if pmKillRe.MatchString(line) {
		return postMortemEvent{kind: "pmKill", ok: true}, true
	}
	return postMortemEvent{}, false
}

// postMortemVerdict inspects lines for events relevant to this run (pid
// and process name, filtered to timestamp >= startedAt) and returns the
// decision in §4.5.b's priority order: nil means "succeed" (no adverse
// finding).
func postMortemVerdict(lines []string, procName string, pid int, startedAt time.Time) error {
	var sawPMKill bool
	var signalEvent *postMortemEvent

	for _, line := range lines {
		event, matched := classifyLine(line)
		if !matched {
			continue
		}
		switch event.kind {
		case "processKill":
			if event.pid == pid && event.ok && !event.timestamp.Before(startedAt) {
				return fmt.Errorf("Process killed by supervisor")
			}
		case "processSignal":
			if event.name == procName && event.ok && !event.timestamp.Before(startedAt) {
				e := event
				signalEvent = &e
			}
		case "pmKill":
			sawPMKill = true
		}
	}

	if signalEvent != nil {
		return fmt.Errorf("Process killed by system (%s exit code %d)", signalEvent.signal, signalEvent.exitCode)
	}
	if sawPMKill {
		return fmt.Errorf("Supervisor is dead")
	}
	return nil
}
