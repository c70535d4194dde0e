// Package stats holds the response-time ring buffer and per-unit counters
// the executor updates on every transaction response (§5, §7). The
// snapshot-struct idiom follows internal/machine/states.go's
// MachineStatus in the teacher.
package stats

import "time"

const ringCapacity = 100

// ring is a fixed-capacity circular buffer of recent response durations.
// Timeout responses are excluded by RecordResponse before it calls record.
type ring struct {
	buf   [ringCapacity]time.Duration
	count int
	next  int
}

func (r *ring) record(d time.Duration) {
	r.buf[r.next] = d
	r.next = (r.next + 1) % ringCapacity
	if r.count < ringCapacity {
		r.count++
	}
}

// average returns (avg, true) when more than 3 samples are present, else
// (0, false) per §5.
func (r *ring) average() (time.Duration, bool) {
	if r.count <= 3 {
		return 0, false
	}
	var sum time.Duration
	for i := 0; i < r.count; i++ {
		sum += r.buf[i]
	}
	return sum / time.Duration(r.count), true
}

// UnitStats is the live counters for one unit (§7). RequestsCount and
// ErrorsCount accumulate for the life of the instance; TimeoutsCount
// resets to 0 on any non-timeout response.
type UnitStats struct {
	RequestsCount int
	ErrorsCount   int
	TimeoutsCount int
	TimedOutTime  time.Time

	responseTimes ring
}

// RecordResponse updates counters for one finished transaction. isError
// covers both driver failures and timeouts; isTimeout narrows it further.
func (s *UnitStats) RecordResponse(isError, isTimeout bool, duration time.Duration, now time.Time) {
	s.RequestsCount++
	if isError {
		s.ErrorsCount++
	}
	if isTimeout {
		s.TimeoutsCount++
		s.TimedOutTime = now
	} else {
		s.TimeoutsCount = 0
		s.responseTimes.record(duration)
	}
}

// InBackoff reports whether a LOW-priority request to this unit should be
// skipped per the §4.6 cooldown predicate: more than 2 recent timeouts,
// and the last one was within 3*timeout ago.
func (s *UnitStats) InBackoff(timeout time.Duration, now time.Time) bool {
	if s.TimeoutsCount <= 2 {
		return false
	}
	return now.Sub(s.TimedOutTime) < 3*timeout
}

// AverageResponseTime returns (avg, true) when more than 3 non-timeout
// samples have been recorded in the last 100 responses.
func (s *UnitStats) AverageResponseTime() (time.Duration, bool) {
	return s.responseTimes.average()
}

// Snapshot is a read-only copy of a unit's stats, safe to hand to a
// caller outside the executor's single-writer goroutine.
type Snapshot struct {
	RequestsCount       int
	ErrorsCount         int
	TimeoutsCount       int
	TimedOutTime        time.Time
	AverageResponseTime time.Duration
	HasAverage          bool
}

// Snapshot copies s into an immutable Snapshot.
func (s *UnitStats) Snapshot() Snapshot {
	avg, ok := s.AverageResponseTime()
	return Snapshot{
		RequestsCount:       s.RequestsCount,
		ErrorsCount:         s.ErrorsCount,
		TimeoutsCount:       s.TimeoutsCount,
		TimedOutTime:        s.TimedOutTime,
		AverageResponseTime: avg,
		HasAverage:          ok,
	}
}
