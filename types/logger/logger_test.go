// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package logger

import (
	"fmt"
	"log"
	"testing"
	"time"
)

func TestFuncWriter(t *testing.T) {
	w := FuncWriter(t.Logf)
	lg := log.New(w, "prefix: ", 0)
	lg.Printf("plumbed through")
}

func TestStdLogger(t *testing.T) {
	lg := StdLogger(t.Logf)
	lg.Printf("plumbed through")
}

func logTester(t *testing.T, want []string) (Logf, func() int) {
	i := 0
	return func(format string, args ...any) {
		got := fmt.Sprintf(format, args...)
		if i >= len(want) {
			t.Fatalf("Logging continued past end of expected input: %s", got)
		}
		if got != want[i] {
			t.Fatalf("wanted: %s \n got: %s", want[i], got)
		}
		i++
	}, func() int { return i }
}

func TestRateLimiter(t *testing.T) {
	want := []string{
		"nsi: table 3 (constant)",
		"icmp: handle 0",
		"nsi: table 3 (constant)",
		"icmp: handle 1",
		`[RATE LIMITED] format string "nsi: table 3 %s" (example: "nsi: table 3 (constant)")`,
		`[RATE LIMITED] format string "icmp: handle %d" (example: "icmp: handle 2")`,
		"nsiproxy: starting 4",
		"4 shouldn't get filtered.",
	}

	logf, n := logTester(t, want)
	lg := RateLimitedFn(logf, time.Hour, 2, 50)
	for i := range 10 {
		lg("nsi: table 3 %s", "(constant)")
		lg("icmp: handle %d", i)
		if i == 4 {
			lg("nsiproxy: starting %d", i)
			prefixed := WithPrefix(lg, string(rune('0'+i)))
			prefixed(" shouldn't get filtered.")
		}
	}
	if got := n(); got != len(want) {
		t.Errorf("logged %d lines; want %d", got, len(want))
	}
}

func TestLogOnChange(t *testing.T) {
	now := time.Unix(1700000000, 0)
	timeNow := func() time.Time { return now }
	want := []string{"first", "second", "second"}
	logf, n := logTester(t, want)
	lg := LogOnChange(logf, time.Minute, timeNow)
	lg("first")
	lg("first")
	lg("second")
	lg("second")
	now = now.Add(2 * time.Minute)
	lg("second")
	if got := n(); got != len(want) {
		t.Errorf("logged %d lines; want %d", got, len(want))
	}
}

func TestOrDiscard(t *testing.T) {
	OrDiscard(nil)("dropped %d", 1)
	var called bool
	OrDiscard(func(string, ...any) { called = true })("kept")
	if !called {
		t.Error("OrDiscard replaced a non-nil logger")
	}
}
