package logger

import (
	"bytes"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*Logger, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	l := NewWithOutput(&stdout, &stderr)
	l.SetLevel(LevelInfo)
	l.SetNamespaces("")
	return l, &stdout, &stderr
}

func TestParseNamespaces_Wildcards(t *testing.T) {
	tests := []struct {
		spec  string
		name  string
		match bool
	}{
		{"percy:*", "percy:core", true},
		{"percy:*", "percy", true},
		{"percy:core", "percy:core", true},
		{"percy:core", "percy:client", false},
		{"percy:*,-percy:client", "percy:client", false},
		{"percy:*,-percy:client", "percy:core", true},
		{"*", "anything", true},
		{"percy:core*", "percy:core:discovery", true},
	}
	for _, tt := range tests {
		ns := ParseNamespaces(tt.spec)
		if got := ns.Match(tt.name); got != tt.match {
			t.Errorf("ParseNamespaces(%q).Match(%q) = %v, want %v", tt.spec, tt.name, got, tt.match)
		}
	}
}

func TestParseNamespaces_EmptyMatchesAll(t *testing.T) {
	ns := ParseNamespaces("")
	if !ns.Match("percy:core") {
		t.Error("empty spec should match everything")
	}
}

func TestLog_LevelRouting(t *testing.T) {
	l, stdout, stderr := newTestLogger(t)
	g := l.Group("core")

	g.Info("hello stdout")
	g.Warn("hello stderr")
	g.Error("boom")

	if !strings.Contains(stdout.String(), "hello stdout") {
		t.Errorf("stdout = %q, missing info line", stdout.String())
	}
	if strings.Contains(stdout.String(), "hello stderr") {
		t.Error("warn line leaked to stdout")
	}
	if !strings.Contains(stderr.String(), "hello stderr") || !strings.Contains(stderr.String(), "boom") {
		t.Errorf("stderr = %q, missing warn/error lines", stderr.String())
	}
}

func TestLog_FilteredEntriesAreStillRetained(t *testing.T) {
	l, stdout, stderr := newTestLogger(t)
	l.SetLevel(LevelError)
	g := l.Group("core")

	g.Info("quiet")
	g.Debug("quieter")

	if stdout.Len() != 0 || stderr.Len() != 0 {
		t.Errorf("stdio received bytes (stdout=%q stderr=%q), want none", stdout.String(), stderr.String())
	}
	entries := l.Query(nil)
	if len(entries) != 2 {
		t.Fatalf("retained %d entries, want 2", len(entries))
	}
	if entries[0].Message != "quiet" || entries[0].Debug != "core" {
		t.Errorf("entry = %+v, want message=quiet debug=core", entries[0])
	}
}

func TestLog_NamespaceExclusion(t *testing.T) {
	l, stdout, _ := newTestLogger(t)
	l.SetNamespaces("percy:*,-percy:client")

	l.Group("client").Info("secret")
	l.Group("core").Info("visible")

	out := stdout.String()
	if strings.Contains(out, "secret") {
		t.Error("excluded namespace reached stdout")
	}
	if !strings.Contains(out, "visible") {
		t.Error("included namespace missing from stdout")
	}
	if got := len(l.Query(nil)); got != 2 {
		t.Errorf("retained %d entries, want 2 (store is unconditional)", got)
	}
}

func TestDeprecated_DedupesByMessage(t *testing.T) {
	l, _, stderr := newTestLogger(t)
	g := l.Group("core")

	g.Deprecated("old thing")
	g.Deprecated("old thing")
	g.Deprecated("other thing")

	out := stderr.String()
	if n := strings.Count(out, "Warning: old thing"); n != 1 {
		t.Errorf("%d warnings for same message, want 1", n)
	}
	if !strings.Contains(out, "Warning: other thing") {
		t.Error("distinct deprecation missing")
	}
}

func TestFormat_LabelAndDebugSuffix(t *testing.T) {
	l, _, _ := newTestLogger(t)
	g := l.Group("core")

	line := g.Format(LevelInfo, "message")
	if !strings.Contains(line, "[percy]") {
		t.Errorf("line = %q, want [percy] label at info level", line)
	}

	l.SetLevel(LevelDebug)
	line = g.Format(LevelInfo, "message")
	if !strings.Contains(line, "percy:core") {
		t.Errorf("line = %q, want percy:core label at debug level", line)
	}
}

func TestProgress_NonTTYSuppressesDuplicates(t *testing.T) {
	l, stdout, _ := newTestLogger(t)

	l.Progress("Processing 3 snapshots...", true)
	l.Progress("Processing 3 snapshots...", true)

	if n := strings.Count(stdout.String(), "Processing 3 snapshots..."); n != 1 {
		t.Errorf("progress written %d times, want 1", n)
	}
}

func TestProgress_PersistentSurvivesInterleavedWrite(t *testing.T) {
	l, stdout, _ := newTestLogger(t)

	l.Progress("Uploading 2 snapshots...", true)
	l.Group("core").Info("interleaved")
	l.Progress("Uploading 2 snapshots...", true)

	if n := strings.Count(stdout.String(), "Uploading 2 snapshots..."); n != 2 {
		t.Errorf("persistent progress written %d times, want 2 (re-rendered after write)", n)
	}
}

func TestShouldLog(t *testing.T) {
	l, _, _ := newTestLogger(t)
	l.SetLevel(LevelWarn)
	g := l.Group("core")

	if g.ShouldLog(LevelInfo) {
		t.Error("info should not log at warn level")
	}
	if !g.ShouldLog(LevelError) {
		t.Error("error should log at warn level")
	}
}

func TestQuery_Filter(t *testing.T) {
	l, _, _ := newTestLogger(t)
	l.Group("a").Info("one")
	l.Group("b").Info("two")

	got := l.Query(func(e Entry) bool { return e.Debug == "b" })
	if len(got) != 1 || got[0].Message != "two" {
		t.Errorf("Query = %+v, want single entry 'two'", got)
	}
}
