package privacyidea

import (
	"context"
	"testing"
	"time"
)

func hotpAt(t *testing.T, counter int64) string {
	t.Helper()
	code, err := hotpCode(rfc4226Key, counter, 6, "SHA1")
	if err != nil {
		t.Fatalf("hotpCode(%d): %v", counter, err)
	}
	return code
}

func TestResyncTokenConsecutivePair(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore(eventRecord(0))
	e := newTestEngine(t, store, aliceResolver())

	ok, err := e.ResyncToken(ctx, "OATH0001", rfc4226Vectors[3], rfc4226Vectors[4])
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("consecutive pair did not resync")
	}

	rec, err := store.GetBySerial(ctx, "OATH0001")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Counter != 5 {
		t.Fatalf("counter = %d, want 5 (one past the pair)", rec.Counter)
	}
	if e.MetricsSnapshot().Counters[MetricResyncSuccess] != 1 {
		t.Fatal("resync success metric not incremented")
	}

	// The consumed pair is dead; the next value onward still works.
	if ok, _ := e.ResyncToken(ctx, "OATH0001", rfc4226Vectors[3], rfc4226Vectors[4]); ok {
		t.Fatal("consumed pair resynced again")
	}
	ok, err = e.ResyncToken(ctx, "OATH0001", rfc4226Vectors[5], rfc4226Vectors[6])
	if err != nil || !ok {
		t.Fatalf("follow-up pair: ok=%v err=%v", ok, err)
	}
}

func TestResyncTokenRejectsGap(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore(eventRecord(0))
	e := newTestEngine(t, store, aliceResolver())

	ok, err := e.ResyncToken(ctx, "OATH0001", rfc4226Vectors[3], rfc4226Vectors[5])
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("non-consecutive pair resynced")
	}

	rec, _ := store.GetBySerial(ctx, "OATH0001")
	if rec.Counter != 0 {
		t.Fatalf("failed resync moved counter to %d", rec.Counter)
	}
	if e.MetricsSnapshot().Counters[MetricResyncFailure] != 1 {
		t.Fatal("resync failure metric not incremented")
	}
}

func TestResyncTokenOutOfWindow(t *testing.T) {
	ctx := context.Background()
	rec := eventRecord(0)
	rec.SyncWindow = 100
	store := newFakeTokenStore(rec)
	e := newTestEngine(t, store, aliceResolver())

	ok, err := e.ResyncToken(ctx, "OATH0001", hotpAt(t, 500), hotpAt(t, 501))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("pair beyond the sync window resynced")
	}
}

func TestTryAutosyncTwoAttemptFlow(t *testing.T) {
	cfg := AutosyncConfig{Enabled: true, SearchWindow: 100, Timeout: 5 * time.Minute}
	rec := eventRecord(0)
	tok, err := newOtpToken(rec, defaultConfig().OTP)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	// First out-of-window hit only records bookkeeping.
	matched, err := tryAutosync(tok, hotpAt(t, 20), cfg, now)
	if err != nil {
		t.Fatal(err)
	}
	if matched != otpNotFound {
		t.Fatalf("first attempt synced at %d", matched)
	}
	if rec.GetInfo(infoAutosyncCounter) != "20" {
		t.Fatalf("autosync counter = %q", rec.GetInfo(infoAutosyncCounter))
	}

	// Second attempt one past the first succeeds and clears the state.
	matched, err = tryAutosync(tok, hotpAt(t, 21), cfg, now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if matched != 21 {
		t.Fatalf("matched = %d, want 21", matched)
	}
	if rec.GetInfo(infoAutosyncCounter) != "" || rec.GetInfo(infoAutosyncAt) != "" {
		t.Fatal("bookkeeping not cleared after success")
	}
}

func TestTryAutosyncRequiresConsecutivePair(t *testing.T) {
	cfg := AutosyncConfig{Enabled: true, SearchWindow: 100, Timeout: 5 * time.Minute}
	rec := eventRecord(0)
	tok, err := newOtpToken(rec, defaultConfig().OTP)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	if _, err := tryAutosync(tok, hotpAt(t, 20), cfg, now); err != nil {
		t.Fatal(err)
	}
	// Same value again is not one past the recorded counter.
	matched, err := tryAutosync(tok, hotpAt(t, 20), cfg, now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if matched != otpNotFound {
		t.Fatalf("repeated value synced at %d", matched)
	}
	// A gap re-records instead of succeeding.
	matched, err = tryAutosync(tok, hotpAt(t, 25), cfg, now.Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if matched != otpNotFound {
		t.Fatalf("gap synced at %d", matched)
	}
	if rec.GetInfo(infoAutosyncCounter) != "25" {
		t.Fatalf("autosync counter = %q, want 25", rec.GetInfo(infoAutosyncCounter))
	}
}

func TestTryAutosyncTimeout(t *testing.T) {
	cfg := AutosyncConfig{Enabled: true, SearchWindow: 100, Timeout: time.Minute}
	rec := eventRecord(0)
	tok, err := newOtpToken(rec, defaultConfig().OTP)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()

	if _, err := tryAutosync(tok, hotpAt(t, 20), cfg, now); err != nil {
		t.Fatal(err)
	}
	matched, err := tryAutosync(tok, hotpAt(t, 21), cfg, now.Add(cfg.Timeout+time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if matched != otpNotFound {
		t.Fatalf("late second attempt synced at %d", matched)
	}
	if rec.GetInfo(infoAutosyncCounter) != "" {
		t.Fatal("stale bookkeeping survived the timeout")
	}
}

func TestTryAutosyncDisabled(t *testing.T) {
	rec := eventRecord(0)
	tok, err := newOtpToken(rec, defaultConfig().OTP)
	if err != nil {
		t.Fatal(err)
	}
	matched, err := tryAutosync(tok, hotpAt(t, 20), AutosyncConfig{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if matched != otpNotFound {
		t.Fatal("disabled autosync matched")
	}
	if rec.GetInfo(infoAutosyncCounter) != "" {
		t.Fatal("disabled autosync recorded bookkeeping")
	}
}

func TestAutosyncDuringAuthentication(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore(aliceToken(t, "OATH0001"))
	e := newTestEngine(t, store, aliceResolver())
	e.config.Autosync = AutosyncConfig{Enabled: true, SearchWindow: 100, Timeout: 5 * time.Minute}

	// First drifted value fails but records the autosync state.
	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "1234"+hotpAt(t, 50), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted {
		t.Fatal("single drifted value accepted")
	}

	// The consecutive follow-up resynchronizes and authenticates.
	res, err = e.AuthenticateByUser(ctx, "alice", "realm1", "1234"+hotpAt(t, 51), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Fatalf("autosync pair denied: %s", res.Message)
	}

	rec, _ := store.GetBySerial(ctx, "OATH0001")
	if rec.Counter != 52 {
		t.Fatalf("counter = %d, want 52", rec.Counter)
	}
	if rec.GetInfo(infoAutosyncCounter) != "" {
		t.Fatal("autosync bookkeeping not cleared")
	}
	if e.MetricsSnapshot().Counters[MetricAutosyncSuccess] != 1 {
		t.Fatal("autosync metric not incremented")
	}
}
