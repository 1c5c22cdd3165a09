package main

import (
	"testing"
	"time"
)

func TestNextUTCMidnightAlwaysInFuture(t *testing.T) {
	cases := []time.Time{
		time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 7, 31, 23, 59, 59, 0, time.UTC),
		time.Date(2026, 12, 31, 12, 0, 0, 0, time.UTC),
	}
	for _, now := range cases {
		next := nextUTCMidnight(now)
		if !next.After(now) {
			t.Errorf("nextUTCMidnight(%v) = %v, want strictly after", now, next)
		}
		if next.Hour() != 0 || next.Minute() != 0 || next.Second() != 0 {
			t.Errorf("nextUTCMidnight(%v) = %v, want a midnight boundary", now, next)
		}
		if d := next.Sub(now); d > 24*time.Hour {
			t.Errorf("nextUTCMidnight(%v) = %v, gap %v exceeds 24h", now, next, d)
		}
	}
}
