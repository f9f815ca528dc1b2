package enforcer

import (
	"testing"

	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

func TestStrictBlocksAnythingNotVerified(t *testing.T) {
	e := New(Config{Policy: PolicyStrict})
	for _, status := range []symbiont.VerificationStatus{symbiont.StatusFailed, symbiont.StatusPending, symbiont.StatusSkipped} {
		d := e.Decide(status, InvocationContext{ToolName: "t"})
		if d.Outcome != OutcomeBlock {
			t.Fatalf("strict policy should block status %s, got %s", status, d.Outcome)
		}
	}
	d := e.Decide(symbiont.StatusVerified, InvocationContext{ToolName: "t"})
	if d.Outcome != OutcomeAllow {
		t.Fatalf("strict policy should allow verified, got %s", d.Outcome)
	}
}

func TestDisabledAllowsEverything(t *testing.T) {
	e := New(Config{Policy: PolicyDisabled})
	for _, status := range []symbiont.VerificationStatus{symbiont.StatusVerified, symbiont.StatusFailed, symbiont.StatusPending, symbiont.StatusSkipped} {
		d := e.Decide(status, InvocationContext{ToolName: "t"})
		if d.Outcome != OutcomeAllow {
			t.Fatalf("disabled policy should allow status %s, got %s", status, d.Outcome)
		}
	}
}

func TestPermissiveDefaultsWarnFailedAndSkippedAllowPending(t *testing.T) {
	e := New(Config{Policy: PolicyPermissive})
	if d := e.Decide(symbiont.StatusFailed, InvocationContext{ToolName: "t"}); d.Outcome != OutcomeWarn {
		t.Fatalf("want warn on failed, got %s", d.Outcome)
	}
	if d := e.Decide(symbiont.StatusPending, InvocationContext{ToolName: "t"}); d.Outcome != OutcomeAllow {
		t.Fatalf("want allow on pending, got %s", d.Outcome)
	}
	if d := e.Decide(symbiont.StatusSkipped, InvocationContext{ToolName: "t"}); d.Outcome != OutcomeWarn {
		t.Fatalf("want warn on skipped, got %s", d.Outcome)
	}
}

func TestPermissiveBlockFailedAndBlockPendingFlags(t *testing.T) {
	e := New(Config{Policy: PolicyPermissive, BlockFailed: true, BlockPending: true})
	if d := e.Decide(symbiont.StatusFailed, InvocationContext{ToolName: "t"}); d.Outcome != OutcomeBlock {
		t.Fatalf("want block on failed, got %s", d.Outcome)
	}
	if d := e.Decide(symbiont.StatusPending, InvocationContext{ToolName: "t"}); d.Outcome != OutcomeBlock {
		t.Fatalf("want block on pending, got %s", d.Outcome)
	}
}

func TestDevelopmentWarnsPendingAndBlocksSkippedByDefault(t *testing.T) {
	e := New(Config{Policy: PolicyDevelopment})
	if d := e.Decide(symbiont.StatusPending, InvocationContext{ToolName: "t"}); d.Outcome != OutcomeWarn {
		t.Fatalf("want warn on pending, got %s", d.Outcome)
	}
	if d := e.Decide(symbiont.StatusSkipped, InvocationContext{ToolName: "t"}); d.Outcome != OutcomeBlock {
		t.Fatalf("want block on skipped by default, got %s", d.Outcome)
	}
}

func TestDevelopmentAllowSkippedInDevFlag(t *testing.T) {
	e := New(Config{Policy: PolicyDevelopment, AllowSkippedInDev: true})
	d := e.Decide(symbiont.StatusSkipped, InvocationContext{ToolName: "t"})
	if d.Outcome != OutcomeWarn {
		t.Fatalf("want warn (allowed with warning) on skipped, got %s", d.Outcome)
	}
}

func TestWarningsEscalateAtThreshold(t *testing.T) {
	e := New(Config{Policy: PolicyPermissive, MaxWarningsBeforeEscalation: 3})
	var last Decision
	for i := 0; i < 3; i++ {
		last = e.Decide(symbiont.StatusSkipped, InvocationContext{ToolName: "flaky"})
	}
	if !last.Escalated {
		t.Fatalf("expected escalation on the 3rd warning")
	}
	if e.WarningCount("flaky") != 0 {
		t.Fatalf("expected counter reset after escalation, got %d", e.WarningCount("flaky"))
	}
}

func TestWarningCountsArePerTool(t *testing.T) {
	e := New(Config{Policy: PolicyPermissive, MaxWarningsBeforeEscalation: 5})
	e.Decide(symbiont.StatusSkipped, InvocationContext{ToolName: "a"})
	e.Decide(symbiont.StatusSkipped, InvocationContext{ToolName: "a"})
	e.Decide(symbiont.StatusSkipped, InvocationContext{ToolName: "b"})

	if e.WarningCount("a") != 2 {
		t.Fatalf("want 2 warnings for tool a, got %d", e.WarningCount("a"))
	}
	if e.WarningCount("b") != 1 {
		t.Fatalf("want 1 warning for tool b, got %d", e.WarningCount("b"))
	}
}
