package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "datafarm/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned nil store for file driver")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v, want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "cassandra"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver accepted an empty path")
	}
}

func TestFileRunsJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st := openTestStore(t, dir)

	base := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		err := st.AppendRun(ctx, RunEntry{
			At:     base.Add(time.Duration(i) * time.Second),
			Agent:  fmt.Sprintf("agent-%d", i),
			Status: RunSuccess,
			TookMS: int64(100 + i),
		})
		if err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	runs, err := st.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].Agent != "agent-2" || runs[1].Agent != "agent-1" {
		t.Fatalf("RecentRuns(2) = %+v, want newest first", runs)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The tail reloads from the journal on reopen.
	st = openTestStore(t, dir)
	defer st.Close()
	runs, err = st.RecentRuns(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRuns after reopen: %v", err)
	}
	if len(runs) != 3 || runs[0].Agent != "agent-2" || runs[2].Agent != "agent-0" {
		t.Fatalf("RecentRuns after reopen = %+v", runs)
	}
	if !runs[2].At.Equal(base) {
		t.Fatalf("At = %v, want %v", runs[2].At, base)
	}
}

func TestFileRunsTailBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t, t.TempDir())
	defer st.Close()

	for i := 0; i < runsTailDefault+8; i++ {
		if err := st.AppendRun(ctx, RunEntry{Agent: fmt.Sprintf("a%d", i), Status: RunFailure}); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}
	runs, err := st.RecentRuns(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != runsTailDefault {
		t.Fatalf("tail = %d entries, want %d", len(runs), runsTailDefault)
	}
	if want := fmt.Sprintf("a%d", runsTailDefault+7); runs[0].Agent != want {
		t.Fatalf("newest = %s, want %s", runs[0].Agent, want)
	}
}

func TestFileRunsReloadSkipsTornLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	if err := st.AppendRun(ctx, RunEntry{Agent: "ok", Status: RunSuccess}); err != nil {
		t.Fatal(err)
	}
	st.Close()

	// Simulate a torn write at the end of the journal.
	path := filepath.Join(dir, "store.runs.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"at":"2026-08-25T10:`)
	f.Close()

	st = openTestStore(t, dir)
	defer st.Close()
	runs, err := st.RecentRuns(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Agent != "ok" {
		t.Fatalf("runs = %+v, want the one intact entry", runs)
	}
}

func TestFilePositionJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()

	err := st.AppendPositionEvent(ctx, PositionEntry{
		Event:   "evicted",
		Token:   "BONK",
		SizeUSD: 1.25,
		Reason:  "dust",
	})
	if err != nil {
		t.Fatalf("AppendPositionEvent: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "store.positions.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	line := strings.TrimSpace(string(raw))
	if !strings.Contains(line, `"token":"BONK"`) || !strings.Contains(line, `"event":"evicted"`) {
		t.Fatalf("journal line = %s", line)
	}
}

func TestFileDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st := openTestStore(t, dir)

	until := time.Now().Add(time.Hour)
	if err := st.PutDedup(ctx, "notice:backoff:sentinel", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.PutDedup(ctx, "expired", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "notice:backoff:sentinel")
	if err != nil || !ok {
		t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until = %v, want %v", got, until)
	}
	if _, ok, _ := st.GetDedup(ctx, "unknown"); ok {
		t.Fatal("GetDedup invented a key")
	}
	st.Close()

	// Reopen replays the journal and prunes expired keys.
	st = openTestStore(t, dir)
	defer st.Close()
	if _, ok, _ := st.GetDedup(ctx, "notice:backoff:sentinel"); !ok {
		t.Fatal("dedup key lost across reopen")
	}
	if _, ok, _ := st.GetDedup(ctx, "expired"); ok {
		t.Fatal("expired dedup key survived reopen")
	}
}
