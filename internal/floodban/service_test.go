package floodban

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/accountpool/internal/cache"
	"github.com/R3E-Network/accountpool/internal/domain/account"
	"github.com/R3E-Network/accountpool/internal/storage/memory"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *memory.Repository, *cache.Memory, *time.Time) {
	t.Helper()
	now := testNow
	repo := memory.New()
	mem := cache.NewMemory()
	mem.SetClock(func() time.Time { return now })
	svc := NewService(repo, mem, cache.NewKeys(""), nil, nil)
	svc.SetClock(func() time.Time { return now })
	return svc, repo, mem, &now
}

func seedAccount(t *testing.T, repo *memory.Repository, acct account.Account) account.Account {
	t.Helper()
	if acct.ResetAt.IsZero() {
		acct.ResetAt = account.NextReset(testNow)
	}
	created, err := repo.CreateAccount(context.Background(), acct)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return created
}

func TestParseWaitSeconds(t *testing.T) {
	cases := []struct {
		message string
		want    time.Duration
	}{
		{"A wait of 120 seconds is required", 120 * time.Second},
		{"FLOOD_WAIT_42", 42 * time.Second},
		{"try again later", defaultWait},
		{"", defaultWait},
	}
	for _, tc := range cases {
		if got := parseWaitSeconds(tc.message, defaultWait); got != tc.want {
			t.Fatalf("parseWaitSeconds(%q)=%v want %v", tc.message, got, tc.want)
		}
	}
}

func TestFloodWaitClassification(t *testing.T) {
	ctx := context.Background()
	svc, repo, mem, _ := newService(t)
	acct := seedAccount(t, repo, account.Account{ID: "acct-1", UserID: "user-1"})

	result, err := svc.HandleAccountError(ctx, acct.ID, ErrorFloodWait, "wait 120 seconds", ErrorContext{Service: "inviter"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.NewStatus != account.StatusFloodWait || !result.ShouldRetry {
		t.Fatalf("unexpected result: %+v", result)
	}
	wantUntil := testNow.Add(180 * time.Second)
	if result.RecoveryTime == nil || !result.RecoveryTime.Equal(wantUntil) {
		t.Fatalf("recovery time %v, want %v (parsed wait plus buffer)", result.RecoveryTime, wantUntil)
	}

	got, _ := repo.GetAccount(ctx, acct.ID)
	if got.Status != account.StatusFloodWait || got.FloodWaitUntil == nil || !got.FloodWaitUntil.Equal(wantUntil) {
		t.Fatalf("stored state: %+v", got)
	}
	if got.ErrorCount != 1 {
		t.Fatalf("error count should bump, got %d", got.ErrorCount)
	}

	depth, err := mem.ZCard(ctx, cache.NewKeys("").RecoveryQueue())
	if err != nil || depth != 1 {
		t.Fatalf("one recovery entry expected, depth=%d err=%v", depth, err)
	}
}

func TestBlockingClassifications(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newService(t)

	for _, kind := range []ErrorKind{ErrorPeerFlood, ErrorTempBan} {
		acct := seedAccount(t, repo, account.Account{UserID: "user-1"})
		result, err := svc.HandleAccountError(ctx, acct.ID, kind, "", ErrorContext{})
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if result.NewStatus != account.StatusBlocked || result.ShouldRetry {
			t.Fatalf("%s: unexpected result %+v", kind, result)
		}
		wantUntil := testNow.Add(24 * time.Hour)
		if result.RecoveryTime == nil || !result.RecoveryTime.Equal(wantUntil) {
			t.Fatalf("%s: recovery time %v", kind, result.RecoveryTime)
		}
	}
}

func TestTerminalClassifications(t *testing.T) {
	ctx := context.Background()
	svc, repo, mem, _ := newService(t)

	for _, kind := range []ErrorKind{ErrorPermBan, ErrorDeactivated, ErrorAuthInvalid} {
		acct := seedAccount(t, repo, account.Account{UserID: "user-1"})
		result, err := svc.HandleAccountError(ctx, acct.ID, kind, "", ErrorContext{})
		if err != nil {
			t.Fatalf("%s: %v", kind, err)
		}
		if result.NewStatus != account.StatusDisabled || result.ShouldRetry || result.RecoveryTime != nil {
			t.Fatalf("%s: disabled is terminal, got %+v", kind, result)
		}
	}

	depth, _ := mem.ZCard(ctx, cache.NewKeys("").RecoveryQueue())
	if depth != 0 {
		t.Fatalf("terminal outcomes must not schedule recovery, depth=%d", depth)
	}
}

func TestUnknownErrorStaysActive(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newService(t)
	acct := seedAccount(t, repo, account.Account{UserID: "user-1"})

	result, err := svc.HandleAccountError(ctx, acct.ID, ErrorUnknown, "something odd", ErrorContext{})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.NewStatus != account.StatusActive || !result.ShouldRetry {
		t.Fatalf("unknown errors are transient, got %+v", result)
	}
	wantRetry := testNow.Add(30 * time.Minute)
	if result.RecoveryTime == nil || !result.RecoveryTime.Equal(wantRetry) {
		t.Fatalf("retry time %v, want %v", result.RecoveryTime, wantRetry)
	}

	got, _ := repo.GetAccount(ctx, acct.ID)
	if got.Status != account.StatusActive || got.ErrorCount != 1 {
		t.Fatalf("stored state: status=%s errors=%d", got.Status, got.ErrorCount)
	}
}

func TestUnknownErrorPreservesRestrictedState(t *testing.T) {
	ctx := context.Background()
	svc, repo, mem, _ := newService(t)

	disabled := seedAccount(t, repo, account.Account{
		UserID: "user-1", Status: account.StatusDisabled, ErrorCount: 2,
	})
	until := testNow.Add(2 * time.Hour)
	waiting := seedAccount(t, repo, account.Account{
		UserID: "user-1", Status: account.StatusFloodWait, FloodWaitUntil: &until,
	})

	for _, acct := range []account.Account{disabled, waiting} {
		result, err := svc.HandleAccountError(ctx, acct.ID, ErrorUnknown, "socket hiccup", ErrorContext{})
		if err != nil {
			t.Fatalf("handle %s: %v", acct.Status, err)
		}
		if result.NewStatus != acct.Status || result.ShouldRetry || result.RecoveryTime != nil {
			t.Fatalf("%s: unclassified error must not change state, got %+v", acct.Status, result)
		}
	}

	got, _ := repo.GetAccount(ctx, disabled.ID)
	if got.Status != account.StatusDisabled {
		t.Fatalf("disabled is terminal, got status=%s", got.Status)
	}
	if got.ErrorCount != 3 {
		t.Fatalf("error count should still bump, got %d", got.ErrorCount)
	}

	got, _ = repo.GetAccount(ctx, waiting.ID)
	if got.Status != account.StatusFloodWait || got.FloodWaitUntil == nil || !got.FloodWaitUntil.Equal(until) {
		t.Fatalf("in-force flood wait must survive: %+v", got)
	}

	depth, _ := mem.ZCard(ctx, cache.NewKeys("").RecoveryQueue())
	if depth != 0 {
		t.Fatalf("restricted accounts must not get a re-check scheduled, depth=%d", depth)
	}
}

func TestProcessDueRecoveriesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	svc, repo, mem, now := newService(t)
	acct := seedAccount(t, repo, account.Account{UserID: "user-1"})

	if _, err := svc.HandleAccountError(ctx, acct.ID, ErrorFloodWait, "wait 120 seconds", ErrorContext{}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	// Not yet due: nothing processed and the entry stays queued.
	processed, err := svc.ProcessDueRecoveries(ctx, 10)
	if err != nil || processed != 0 {
		t.Fatalf("undue entry must not be processed: n=%d err=%v", processed, err)
	}
	if depth, _ := mem.ZCard(ctx, cache.NewKeys("").RecoveryQueue()); depth != 1 {
		t.Fatalf("undue entry must be re-enqueued, depth=%d", depth)
	}

	*now = now.Add(4 * time.Minute)
	processed, err = svc.ProcessDueRecoveries(ctx, 10)
	if err != nil || processed != 1 {
		t.Fatalf("processed=%d err=%v", processed, err)
	}

	got, _ := repo.GetAccount(ctx, acct.ID)
	if got.Status != account.StatusActive || got.FloodWaitUntil != nil {
		t.Fatalf("account should be restored: %+v", got)
	}
	if got.ErrorCount != 0 {
		t.Fatalf("auto recovery must reset error count, got %d", got.ErrorCount)
	}

	// Queue is drained; a second sweep is a no-op.
	processed, err = svc.ProcessDueRecoveries(ctx, 10)
	if err != nil || processed != 0 {
		t.Fatalf("queue should drain exactly once: n=%d err=%v", processed, err)
	}
}

func TestProcessDueRecoveriesIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, now := newService(t)

	// One entry points at an account that no longer exists; the next one
	// must still be recovered in the same batch.
	if err := svc.ScheduleAccountRecovery(ctx, "ghost", testNow.Add(time.Minute), RecoveryFloodWait); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	past := testNow.Add(time.Minute)
	acct := seedAccount(t, repo, account.Account{
		UserID: "user-1", Status: account.StatusFloodWait, FloodWaitUntil: &past,
	})
	if err := svc.ScheduleAccountRecovery(ctx, acct.ID, testNow.Add(2*time.Minute), RecoveryFloodWait); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	*now = now.Add(10 * time.Minute)
	processed, err := svc.ProcessDueRecoveries(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if processed != 2 {
		t.Fatalf("both entries must be consumed, processed=%d", processed)
	}

	got, _ := repo.GetAccount(ctx, acct.ID)
	if got.Status != account.StatusActive {
		t.Fatalf("the healthy entry must still recover: %+v", got)
	}
}

func TestRecoveryLeavesFutureRestrictions(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, now := newService(t)
	future := testNow.Add(2 * time.Hour)
	acct := seedAccount(t, repo, account.Account{
		UserID: "user-1", Status: account.StatusBlocked, BlockedUntil: &future,
	})
	if err := svc.ScheduleAccountRecovery(ctx, acct.ID, testNow.Add(time.Minute), RecoveryBlocked); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	*now = now.Add(5 * time.Minute)
	if _, err := svc.ProcessDueRecoveries(ctx, 10); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := repo.GetAccount(ctx, acct.ID)
	if got.Status != account.StatusBlocked {
		t.Fatalf("a still-future restriction must not be lifted: %+v", got)
	}
}

func TestCheckAccountHealth(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newService(t)

	healthy := seedAccount(t, repo, account.Account{UserID: "user-1"})
	report, err := svc.CheckAccountHealth(ctx, healthy.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Healthy || len(report.Issues) != 0 {
		t.Fatalf("fresh account should be healthy: %+v", report)
	}

	until := testNow.Add(time.Hour)
	sick := seedAccount(t, repo, account.Account{
		UserID: "user-1", Status: account.StatusFloodWait, FloodWaitUntil: &until,
		ErrorCount: 5, UsedInvitesToday: 29,
	})
	report, err = svc.CheckAccountHealth(ctx, sick.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Healthy || len(report.Issues) != 3 {
		t.Fatalf("expected flood wait, error count and usage issues: %+v", report)
	}
	if report.RecoveryETA == nil || !report.RecoveryETA.Equal(until) {
		t.Fatalf("recovery ETA %v, want %v", report.RecoveryETA, until)
	}

	// Health checks never mutate.
	stored, _ := repo.GetAccount(ctx, sick.ID)
	if stored.Status != account.StatusFloodWait {
		t.Fatalf("health check must not write, status=%s", stored.Status)
	}
}
