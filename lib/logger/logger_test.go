// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package logger

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestAPI(t *testing.T) {
	l := New()
	l.SetFlags(0)
	l.SetPrefix("testing")

	debug := 0
	l.AddHandler(LevelDebug, checkFunc(t, LevelDebug, &debug))
	info := 0
	l.AddHandler(LevelInfo, checkFunc(t, LevelInfo, &info))
	warn := 0
	l.AddHandler(LevelWarn, checkFunc(t, LevelWarn, &warn))

	l.Debugf("test %d", 0)
	l.Debugln("test", 0)
	l.Infof("test %d", 1)
	l.Infoln("test", 1)
	l.Warnf("test %d", 2)
	l.Warnln("test", 2)

	if debug != 6 {
		t.Errorf("Debug handler called %d != 6 times", debug)
	}
	if info != 4 {
		t.Errorf("Info handler called %d != 4 times", info)
	}
	if warn != 2 {
		t.Errorf("Warn handler called %d != 2 times", warn)
	}
}

func checkFunc(t *testing.T, expectl LogLevel, counter *int) func(LogLevel, string) {
	return func(l LogLevel, msg string) {
		*counter++
		if l < expectl {
			t.Errorf("Incorrect message level %d < %d", l, expectl)
		}
	}
}

func TestFacilityDebugging(t *testing.T) {
	l := New()
	if l.ShouldDebug("api") {
		t.Error("facilities start out quiet")
	}
	l.SetDebug("api", true)
	if !l.ShouldDebug("api") {
		t.Error("debugging should be enabled")
	}
	l.SetDebug("api", false)
	if l.ShouldDebug("api") {
		t.Error("debugging should be disabled again")
	}
}

func TestNewFacility(t *testing.T) {
	l := New()
	fl := l.NewFacility("testfac", "A test facility")

	if desc, ok := l.Facilities()["testfac"]; !ok || desc != "A test facility" {
		t.Errorf("facility not registered: %q %v", desc, ok)
	}

	seen := 0
	l.AddHandler(LevelDebug, func(_ LogLevel, _ string) { seen++ })

	// Debug output is suppressed until the facility is enabled.
	fl.Debugln("nope")
	if seen != 0 {
		t.Error("debug line leaked through")
	}
	l.SetDebug("testfac", true)
	fl.Debugln("yep")
	if seen != 1 {
		t.Errorf("debug handler called %d != 1 times", seen)
	}
}

func TestControlStripper(t *testing.T) {
	var buf bytes.Buffer
	w := controlStripper{&buf}

	if _, err := io.WriteString(w, "test\x07true\ttest\n"); err != nil {
		t.Fatal(err)
	}
	res := buf.String()

	if !strings.Contains(res, "test true") {
		t.Errorf("%q should contain %q", res, "test true")
	}
	if strings.Contains(res, "\x07") {
		t.Errorf("%q should not contain control characters", res)
	}
	if !strings.HasSuffix(res, "\n") {
		t.Errorf("%q should end with a newline", res)
	}
}

func BenchmarkLog(b *testing.B) {
	l := newLogger(io.Discard)
	benchmarkLogger(b, l)
}

func benchmarkLogger(b *testing.B, l Logger) {
	for i := 0; i < b.N; i++ {
		l.Infof("test %d", i)
	}
	b.ReportAllocs()
}
