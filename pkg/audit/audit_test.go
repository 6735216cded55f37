package audit

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/agenshield/agenshield/pkg/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setupLogger(t *testing.T) (*Logger, *store.Store, *fakeClock) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "agenshield.db"), store.Options{Logger: logger})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLogger(st.DB(), SourceCLI, Options{
		Dir:    DirFor(st.Path()),
		Logger: logger,
		Now:    clock.now,
	})
	return l, st, clock
}

func TestLogBuildsChain(t *testing.T) {
	l, _, clock := setupLogger(t)

	for _, op := range []string{OpVaultSetup, OpPolicyCreate, OpSecretCreate} {
		if err := l.LogSuccess(op, "subject"); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
		clock.advance(time.Second)
	}

	events, err := l.List(0, time.Time{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].PrevHash != GenesisHash {
		t.Errorf("expected first prev %q, got %q", GenesisHash, events[0].PrevHash)
	}
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, e.Sequence)
		}
		if e.Source != SourceCLI {
			t.Errorf("event %d: expected source cli, got %s", i, e.Source)
		}
		if e.Result != ResultSuccess {
			t.Errorf("event %d: expected success, got %s", i, e.Result)
		}
		if i > 0 && e.PrevHash != events[i-1].Hash {
			t.Errorf("event %d: prev hash does not link to event %d", i, i-1)
		}
	}
	if events[1].Operation != OpPolicyCreate {
		t.Errorf("expected %s, got %s", OpPolicyCreate, events[1].Operation)
	}
}

func TestGenerateULIDSortable(t *testing.T) {
	a := generateULID(time.UnixMilli(1000))
	b := generateULID(time.UnixMilli(2000))
	if len(a) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(a))
	}
	if a >= b {
		t.Errorf("expected %s < %s", a, b)
	}
}

func TestListLimitAndSince(t *testing.T) {
	l, _, clock := setupLogger(t)
	start := clock.t

	for i := 0; i < 5; i++ {
		if err := l.LogSuccess(OpSecretGet, "API_KEY"); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
		clock.advance(time.Minute)
	}

	recent, err := l.List(2, time.Time{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recent) != 2 || recent[0].Sequence != 4 || recent[1].Sequence != 5 {
		t.Errorf("expected seq 4,5 got %+v", recent)
	}

	since, err := l.List(0, start.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("expected 2 events after cutoff, got %d", len(since))
	}
}

func TestRecordResultAndContext(t *testing.T) {
	l, _, _ := setupLogger(t)

	err := l.Record(OpVaultUnlockFailed, "", map[string]any{ResultKey: ResultError, "attempts": 3})
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := l.LogDenied(OpSecretGet, "DB_PASSWORD", "vault locked"); err != nil {
		t.Fatalf("LogDenied failed: %v", err)
	}
	if err := l.LogError(OpBackupRestore, "", "E_CHECKSUM", "checksum mismatch"); err != nil {
		t.Fatalf("LogError failed: %v", err)
	}

	events, err := l.List(0, time.Time{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if events[0].Result != ResultError {
		t.Errorf("expected error result, got %s", events[0].Result)
	}
	if _, ok := events[0].Context[ResultKey]; ok {
		t.Error("result key should not be stored in context")
	}
	if events[0].Context["attempts"] != float64(3) {
		t.Errorf("expected attempts 3, got %v", events[0].Context["attempts"])
	}
	if events[1].Result != ResultDenied || events[1].Context["reason"] != "vault locked" {
		t.Errorf("unexpected denied event: %+v", events[1])
	}
	if events[2].Error == nil || events[2].Error.Code != "E_CHECKSUM" {
		t.Errorf("expected error info, got %+v", events[2].Error)
	}

	result, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid {
		t.Errorf("expected valid chain, got %v", result.Errors)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name       string
		tamper     string
		wantValid  bool
		wantBroken int64
	}{
		{"untouched", "", true, 0},
		{"edited op", "UPDATE activity_events SET op = 'secret.get' WHERE seq = 2", false, 2},
		{"edited context", `UPDATE activity_events SET context = '{"n":9}' WHERE seq = 3`, false, 3},
		{"deleted middle", "DELETE FROM activity_events WHERE seq = 2", false, 3},
		{"deleted head", "DELETE FROM activity_events WHERE seq = 1", true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, st, clock := setupLogger(t)
			for i := 0; i < 4; i++ {
				if err := l.Log(OpPolicyCreate, ResultSuccess, "p", nil, map[string]any{"n": i}); err != nil {
					t.Fatalf("Log failed: %v", err)
				}
				clock.advance(time.Second)
			}
			if tt.tamper != "" {
				if _, err := st.DB().Exec(tt.tamper); err != nil {
					t.Fatalf("tamper failed: %v", err)
				}
			}

			result, err := l.Verify()
			if err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if result.Valid != tt.wantValid {
				t.Errorf("expected valid=%v, got %v (%v)", tt.wantValid, result.Valid, result.Errors)
			}
			if result.FirstBrokenSeq != tt.wantBroken {
				t.Errorf("expected first broken seq %d, got %d", tt.wantBroken, result.FirstBrokenSeq)
			}
		})
	}
}

func TestPrune(t *testing.T) {
	l, _, clock := setupLogger(t)

	for i := 0; i < 3; i++ {
		if err := l.LogSuccess(OpSecretGet, "K"); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}
	clock.advance(48 * time.Hour)
	for i := 0; i < 2; i++ {
		if err := l.LogSuccess(OpSecretGet, "K"); err != nil {
			t.Fatalf("LogSuccess failed: %v", err)
		}
	}

	preview, err := l.PrunePreview(24 * time.Hour)
	if err != nil {
		t.Fatalf("PrunePreview failed: %v", err)
	}
	if preview != 3 {
		t.Errorf("expected preview 3, got %d", preview)
	}

	n, err := l.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 pruned, got %d", n)
	}

	result, err := l.Verify()
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !result.Valid || result.RecordsTotal != 2 {
		t.Errorf("expected 2 valid records after prune, got %+v", result)
	}

	if err := l.LogSuccess(OpSecretGet, "K"); err != nil {
		t.Fatalf("LogSuccess failed: %v", err)
	}
	events, err := l.List(1, time.Time{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if events[0].Sequence != 6 {
		t.Errorf("expected chain to continue at seq 6, got %d", events[0].Sequence)
	}
}

func TestRecorderWiring(t *testing.T) {
	l, st, _ := setupLogger(t)
	st.SetRecorder(l)

	if _, err := st.Targets().Create("t1", "Target One"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	events, err := l.List(0, time.Time{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Operation != "target.create" || events[0].Subject != "t1" {
		t.Errorf("unexpected event: %+v", events[0])
	}
}

func TestDirFor(t *testing.T) {
	if got := DirFor(":memory:"); got != "" {
		t.Errorf("expected empty dir for memory db, got %q", got)
	}
	if got := DirFor("/var/lib/agenshield/agenshield.db"); got != "/var/lib/agenshield" {
		t.Errorf("unexpected dir %q", got)
	}
}
