package agentrun

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func testPolicy(concurrency, waiting int) RuntimePolicy {
	return RuntimePolicy{
		ConcurrencyLimits: map[TaskKind]int{
			KindSummary:     concurrency,
			KindTranslation: concurrency,
			KindTagging:     concurrency,
		},
		WaitingLimits: map[TaskKind]int{
			KindSummary:     waiting,
			KindTranslation: waiting,
			KindTagging:     waiting,
		},
	}
}

func newTestEngine(t *testing.T, policy RuntimePolicy) *Engine {
	t.Helper()
	sequence := 0
	engine := NewEngine(policy, nil,
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }),
		WithTokenMinter(func() string {
			sequence++
			return fmt.Sprintf("tok-%03d", sequence)
		}),
	)
	t.Cleanup(engine.Close)
	return engine
}

func summaryOwner(subject string) RunOwner {
	return RunOwner{Kind: KindSummary, SubjectID: subject, SlotKey: "en|brief"}
}

func specFor(owner RunOwner) TaskSpec {
	return TaskSpec{Owner: owner, Source: SourceManual, Visibility: VisibilityVisible}
}

func drainEvents(ch <-chan RuntimeEvent) []RuntimeEvent {
	var events []RuntimeEvent
	for {
		select {
		case event := <-ch:
			events = append(events, event)
		default:
			return events
		}
	}
}

func TestSubmitStartNow(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))

	decision := engine.Submit(specFor(summaryOwner("article-1")))
	if decision.Kind != DecisionStartNow {
		t.Fatalf("expected start_now, got %s", decision.Kind)
	}
	if decision.Token == "" {
		t.Fatal("start_now decision carries no token")
	}
	if got := engine.ActiveCount(KindSummary); got != 1 {
		t.Fatalf("expected 1 active run, got %d", got)
	}

	state, ok := engine.StatusProjection(summaryOwner("article-1"))
	if !ok {
		t.Fatal("no state for activated owner")
	}
	if state.Phase != PhaseRequesting {
		t.Fatalf("expected requesting phase, got %s", state.Phase)
	}
	if state.ActiveToken != decision.Token {
		t.Fatalf("state token %s != decision token %s", state.ActiveToken, decision.Token)
	}
}

func TestSubmitDuplicateDecisions(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 2))
	ownerA := summaryOwner("article-1")
	ownerB := summaryOwner("article-2")

	engine.Submit(specFor(ownerA))
	if decision := engine.Submit(specFor(ownerA)); decision.Kind != DecisionAlreadyActive {
		t.Fatalf("expected already_active, got %s", decision.Kind)
	}

	if decision := engine.Submit(specFor(ownerB)); decision.Kind != DecisionQueued || decision.Position != 1 {
		t.Fatalf("expected queued at 1, got %s at %d", decision.Kind, decision.Position)
	}
	if decision := engine.Submit(specFor(ownerB)); decision.Kind != DecisionAlreadyWaiting || decision.Position != 1 {
		t.Fatalf("expected already_waiting at 1, got %s at %d", decision.Kind, decision.Position)
	}
}

func TestCapacityInvariant(t *testing.T) {
	engine := newTestEngine(t, testPolicy(2, 3))

	for i := 0; i < 10; i++ {
		engine.Submit(specFor(summaryOwner(fmt.Sprintf("article-%d", i))))
		if active := engine.ActiveCount(KindSummary); active > 2 {
			t.Fatalf("capacity invariant broken: %d active", active)
		}
		if waiting := engine.WaitingDepth(KindSummary); waiting > 3 {
			t.Fatalf("waiting bound broken: %d waiting", waiting)
		}
	}
}

func TestKindsAreIndependentDimensions(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))

	first := engine.Submit(specFor(summaryOwner("article-1")))
	second := engine.Submit(specFor(RunOwner{Kind: KindTranslation, SubjectID: "article-1", SlotKey: "fr|full"}))

	if first.Kind != DecisionStartNow || second.Kind != DecisionStartNow {
		t.Fatalf("different kinds should not share capacity: %s / %s", first.Kind, second.Kind)
	}
}

func TestReplaceOldestOverflowScenario(t *testing.T) {
	// concurrencyLimit(summary)=1, waitingLimit(summary)=1.
	engine := newTestEngine(t, testPolicy(1, 1))
	events, cancel := engine.Subscribe(32)
	defer cancel()

	ownerA := summaryOwner("article-A")
	ownerB := summaryOwner("article-B")
	ownerC := summaryOwner("article-C")

	decisionA := engine.Submit(specFor(ownerA))
	if decisionA.Kind != DecisionStartNow {
		t.Fatalf("A: expected start_now, got %s", decisionA.Kind)
	}
	if decision := engine.Submit(specFor(ownerB)); decision.Kind != DecisionQueued || decision.Position != 1 {
		t.Fatalf("B: expected queued at 1, got %s at %d", decision.Kind, decision.Position)
	}
	if decision := engine.Submit(specFor(ownerC)); decision.Kind != DecisionQueued || decision.Position != 1 {
		t.Fatalf("C: expected queued at 1 after replacing B, got %s at %d", decision.Kind, decision.Position)
	}

	// B is gone entirely.
	if _, ok := engine.StatusProjection(ownerB); ok {
		t.Fatal("replaced owner B still has state")
	}

	if !engine.Finish(ownerA, PhaseCompleted, ReasonNone, decisionA.Token) {
		t.Fatal("finish A was not applied")
	}

	// C was promoted and activated; queue is empty.
	state, ok := engine.StatusProjection(ownerC)
	if !ok || state.Phase != PhaseRequesting {
		t.Fatalf("C not promoted: ok=%v phase=%s", ok, state.Phase)
	}
	if depth := engine.WaitingDepth(KindSummary); depth != 0 {
		t.Fatalf("waiting queue should be empty, got %d", depth)
	}

	var types []string
	for _, event := range drainEvents(events) {
		types = append(types, event.EventType())
	}
	want := []string{
		"run.activated", // A
		"run.queued",    // B
		"run.dropped",   // B replaced
		"run.queued",    // C
		"run.terminal",  // A
		"run.promoted",  // A -> C
		"run.activated", // C
	}
	if len(types) != len(want) {
		t.Fatalf("event count: got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, types[i], want[i], types)
		}
	}
}

func TestRejectNewOverflowPolicy(t *testing.T) {
	policy := testPolicy(1, 1)
	policy.Overflow = OverflowRejectNew
	engine := newTestEngine(t, policy)

	engine.Submit(specFor(summaryOwner("article-A")))
	engine.Submit(specFor(summaryOwner("article-B")))

	decision := engine.Submit(specFor(summaryOwner("article-C")))
	if decision.Kind != DecisionRejected {
		t.Fatalf("expected rejected, got %s", decision.Kind)
	}
	// B keeps its spot.
	if state, ok := engine.StatusProjection(summaryOwner("article-B")); !ok || state.Phase != PhaseWaiting {
		t.Fatalf("B should still be waiting, ok=%v", ok)
	}
}

func TestFIFOPromotion(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 3))

	active := engine.Submit(specFor(summaryOwner("active")))
	engine.Submit(specFor(summaryOwner("a")))
	engine.Submit(specFor(summaryOwner("b")))
	engine.Submit(specFor(summaryOwner("c")))

	engine.Finish(summaryOwner("active"), PhaseCompleted, ReasonNone, active.Token)
	if state, ok := engine.StatusProjection(summaryOwner("a")); !ok || state.Phase != PhaseRequesting {
		t.Fatalf("expected a promoted first, ok=%v", ok)
	}

	tokenA := engine.ActiveToken(summaryOwner("a"))
	engine.Finish(summaryOwner("a"), PhaseCompleted, ReasonNone, tokenA)
	if state, ok := engine.StatusProjection(summaryOwner("b")); !ok || state.Phase != PhaseRequesting {
		t.Fatalf("expected b promoted second, ok=%v", ok)
	}
}

func TestStaleTokenFinishIsNoOp(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))
	owner := summaryOwner("article-1")

	decision := engine.Submit(specFor(owner))
	events, cancel := engine.Subscribe(16)
	defer cancel()

	if engine.Finish(owner, PhaseCompleted, ReasonNone, "wrong") {
		t.Fatal("finish with wrong token was applied")
	}
	if got := engine.ActiveCount(KindSummary); got != 1 {
		t.Fatalf("owner should remain active, active=%d", got)
	}
	if got := drainEvents(events); len(got) != 0 {
		t.Fatalf("stale finish published %d events", len(got))
	}

	// The real token still works.
	if !engine.Finish(owner, PhaseCompleted, ReasonNone, decision.Token) {
		t.Fatal("finish with correct token rejected")
	}
}

func TestStaleTokenAfterReactivation(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))
	owner := summaryOwner("article-1")

	first := engine.Submit(specFor(owner))
	engine.Finish(owner, PhaseCancelled, ReasonCancelled, first.Token)

	second := engine.Submit(specFor(owner))
	if second.Kind != DecisionStartNow || second.Token == first.Token {
		t.Fatalf("reactivation must mint a fresh token: %+v vs %+v", second, first)
	}

	// A late callback from the first run must not corrupt the second.
	if engine.Finish(owner, PhaseFailed, ReasonFailed, first.Token) {
		t.Fatal("callback with superseded token was applied")
	}
	state, ok := engine.StatusProjection(owner)
	if !ok || state.Phase != PhaseRequesting {
		t.Fatalf("second run corrupted: ok=%v phase=%s", ok, state.Phase)
	}
}

func TestFinishWithoutTokenIsUnconditional(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))
	owner := summaryOwner("article-1")
	engine.Submit(specFor(owner))

	if !engine.Finish(owner, PhaseCancelled, ReasonCancelled, "") {
		t.Fatal("tokenless finish should apply")
	}
	if _, ok := engine.StatusProjection(owner); ok {
		t.Fatal("owner still has state after finish")
	}
}

func TestFinishUnknownOwnerIsNoOp(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))
	if engine.Finish(summaryOwner("ghost"), PhaseCompleted, ReasonNone, "") {
		t.Fatal("finish on idle owner was applied")
	}
}

func TestFinishRejectsNonTerminalPhase(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))
	owner := summaryOwner("article-1")
	decision := engine.Submit(specFor(owner))

	if engine.Finish(owner, PhaseGenerating, ReasonNone, decision.Token) {
		t.Fatal("finish accepted a non-terminal phase")
	}
	if got := engine.ActiveCount(KindSummary); got != 1 {
		t.Fatalf("owner should remain active, active=%d", got)
	}
}

func TestPromotionCompleteness(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))
	owner := summaryOwner("article-1")
	decision := engine.Submit(specFor(owner))

	events, cancel := engine.Subscribe(16)
	defer cancel()

	engine.Finish(owner, PhaseCompleted, ReasonNone, decision.Token)

	if got := engine.ActiveCount(KindSummary); got != 0 {
		t.Fatalf("slot not released, active=%d", got)
	}

	collected := drainEvents(events)
	if len(collected) != 2 {
		t.Fatalf("expected terminal+promoted, got %d events", len(collected))
	}
	promoted, ok := collected[1].(PromotedEvent)
	if !ok {
		t.Fatalf("second event is %T, want PromotedEvent", collected[1])
	}
	if promoted.From != owner || promoted.To != nil {
		t.Fatalf("expected promoted(from=%s, to=nil), got %+v", owner, promoted)
	}
}

func TestUpdatePhaseAndProgress(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))
	owner := summaryOwner("article-1")
	decision := engine.Submit(specFor(owner))

	events, cancel := engine.Subscribe(16)
	defer cancel()

	if !engine.UpdatePhase(owner, PhaseGenerating, decision.Token) {
		t.Fatal("phase update rejected")
	}
	progress := 0.5
	if !engine.UpdateProgress(owner, "halfway", &progress, decision.Token) {
		t.Fatal("progress update rejected")
	}

	state, _ := engine.StatusProjection(owner)
	if state.Phase != PhaseGenerating || state.StatusText != "halfway" {
		t.Fatalf("state not updated: %+v", state)
	}
	if state.Progress == nil || *state.Progress != 0.5 {
		t.Fatalf("progress not recorded: %v", state.Progress)
	}

	collected := drainEvents(events)
	if len(collected) != 2 {
		t.Fatalf("expected 2 events, got %d", len(collected))
	}
	if collected[0].EventType() != "run.phase" || collected[1].EventType() != "run.progress" {
		t.Fatalf("unexpected event types: %s, %s", collected[0].EventType(), collected[1].EventType())
	}

	// Stale token: neither applies.
	if engine.UpdatePhase(owner, PhasePersisting, "stale") {
		t.Fatal("stale phase update applied")
	}
	if engine.UpdateProgress(owner, "late", nil, "stale") {
		t.Fatal("stale progress update applied")
	}
}

func TestAbandonWaitingNeverTouchesActive(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))
	owner := summaryOwner("article-1")
	engine.Submit(specFor(owner))

	if engine.AbandonWaiting(owner) {
		t.Fatal("abandon removed an active owner")
	}
	if got := engine.ActiveCount(KindSummary); got != 1 {
		t.Fatalf("owner should remain active, active=%d", got)
	}
}

func TestAbandonWaitingRemovesQueuedEntry(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 2))
	engine.Submit(specFor(summaryOwner("active")))
	waiting := summaryOwner("waiting")
	engine.Submit(specFor(waiting))

	events, cancel := engine.Subscribe(16)
	defer cancel()

	if !engine.AbandonWaiting(waiting) {
		t.Fatal("abandon did not remove the waiting entry")
	}
	if _, ok := engine.StatusProjection(waiting); ok {
		t.Fatal("abandoned owner still has state")
	}

	collected := drainEvents(events)
	if len(collected) != 1 {
		t.Fatalf("expected one dropped event, got %d", len(collected))
	}
	dropped := collected[0].(DroppedEvent)
	if dropped.Reason != "abandoned" {
		t.Fatalf("expected abandoned reason, got %s", dropped.Reason)
	}
}

func TestAbandonWaitingForSubject(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 3))
	engine.Submit(specFor(summaryOwner("active")))

	slotA := RunOwner{Kind: KindSummary, SubjectID: "article-9", SlotKey: "en|brief"}
	slotB := RunOwner{Kind: KindSummary, SubjectID: "article-9", SlotKey: "fr|full"}
	other := summaryOwner("article-10")
	engine.Submit(specFor(slotA))
	engine.Submit(specFor(other))
	engine.Submit(specFor(slotB))

	removed := engine.AbandonWaitingFor(KindSummary, "article-9")
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed, got %d", len(removed))
	}
	if position := engine.WaitingDepth(KindSummary); position != 1 {
		t.Fatalf("expected only one waiting entry left, got %d", position)
	}
	if state, ok := engine.StatusProjection(other); !ok || state.Phase != PhaseWaiting {
		t.Fatal("unrelated waiting entry was disturbed")
	}
}

func TestLastOutcomeRetainedAfterFinish(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))
	owner := summaryOwner("article-1")
	decision := engine.Submit(specFor(owner))
	engine.Finish(owner, PhaseFailed, ReasonTimedOut, decision.Token)

	outcome, ok := engine.LastOutcome(owner)
	if !ok {
		t.Fatal("no outcome retained")
	}
	if outcome.Phase != PhaseFailed || outcome.TerminalReason != ReasonTimedOut {
		t.Fatalf("wrong outcome: %+v", outcome)
	}
	if outcome.ActiveToken != "" {
		t.Fatal("retained outcome leaks the activation token")
	}

	// Resubmission clears the stale outcome.
	engine.Submit(specFor(owner))
	if _, ok := engine.LastOutcome(owner); ok {
		t.Fatal("stale outcome shadows the live run")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 2))
	ownerA := summaryOwner("article-1")
	ownerB := summaryOwner("article-2")
	engine.Submit(specFor(ownerA))
	engine.Submit(specFor(ownerB))

	snap := engine.Snapshot()
	if len(snap.Active[KindSummary]) != 1 || len(snap.Waiting[KindSummary]) != 1 {
		t.Fatalf("snapshot tables wrong: %+v", snap)
	}

	// Mutating the engine afterwards must not change the snapshot.
	engine.Finish(ownerA, PhaseCompleted, ReasonNone, engine.ActiveToken(ownerA))
	if len(snap.Active[KindSummary]) != 1 {
		t.Fatal("snapshot observed a later mutation")
	}
	if snap.States[ownerA].Phase != PhaseRequesting {
		t.Fatalf("snapshot state mutated: %s", snap.States[ownerA].Phase)
	}
}

func TestSingleOwnerEventOrdering(t *testing.T) {
	engine := newTestEngine(t, testPolicy(1, 1))
	events, cancel := engine.Subscribe(32)
	defer cancel()

	active := summaryOwner("active")
	queued := summaryOwner("queued")

	activeDecision := engine.Submit(specFor(active))
	engine.Submit(specFor(queued))
	engine.UpdatePhase(active, PhaseGenerating, activeDecision.Token)
	engine.Finish(active, PhaseCompleted, ReasonNone, activeDecision.Token)

	var forQueued []string
	for _, event := range drainEvents(events) {
		if event.EventOwner() == queued {
			forQueued = append(forQueued, event.EventType())
		}
	}
	want := []string{"run.queued", "run.activated"}
	if len(forQueued) != len(want) {
		t.Fatalf("queued owner events: got %v, want %v", forQueued, want)
	}
	for i := range want {
		if forQueued[i] != want[i] {
			t.Fatalf("queued owner event[%d] = %s, want %s", i, forQueued[i], want[i])
		}
	}
}

func TestConcurrentCallersPreserveInvariants(t *testing.T) {
	policy := testPolicy(2, 3)
	engine := newTestEngine(t, policy)

	const workers = 8
	const iterations = 200
	const subjects = 10

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				owner := summaryOwner(fmt.Sprintf("article-%d", (seed+i)%subjects))
				switch i % 4 {
				case 0:
					engine.Submit(specFor(owner))
				case 1:
					engine.UpdatePhase(owner, PhaseGenerating, engine.ActiveToken(owner))
				case 2:
					engine.Finish(owner, PhaseCompleted, ReasonNone, "")
				case 3:
					engine.AbandonWaiting(owner)
				}
			}
		}(w)
	}
	wg.Wait()

	snap := engine.Snapshot()
	for kind, active := range snap.Active {
		if limit := policy.ConcurrencyLimit(kind); len(active) > limit {
			t.Fatalf("%s active count %d exceeds limit %d", kind, len(active), limit)
		}
	}
	for kind, waiting := range snap.Waiting {
		if limit := policy.WaitingLimit(kind); len(waiting) > limit {
			t.Fatalf("%s waiting depth %d exceeds limit %d", kind, len(waiting), limit)
		}
	}

	waitingSet := make(map[RunOwner]bool)
	for _, queue := range snap.Waiting {
		for _, owner := range queue {
			waitingSet[owner] = true
			if state, ok := snap.States[owner]; !ok || state.Phase != PhaseWaiting {
				t.Fatalf("waiting owner %s has phase %s", owner, state.Phase)
			}
		}
	}
	for _, active := range snap.Active {
		for _, owner := range active {
			if waitingSet[owner] {
				t.Fatalf("owner %s is both active and waiting", owner)
			}
			if engine.ActiveToken(owner) == "" {
				t.Fatalf("active owner %s has no activation token", owner)
			}
		}
	}
}
