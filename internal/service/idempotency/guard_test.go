package idempotency

import "testing"

func TestDeploymentValueRoundTrip(t *testing.T) {
	value := DeploymentValue("dep-123")
	if value != "dep:dep-123" {
		t.Fatalf("unexpected value %q", value)
	}
	id, ok := DeploymentIDFromValue(value)
	if !ok || id != "dep-123" {
		t.Fatalf("expected dep-123, got %q ok=%v", id, ok)
	}
}

func TestDeploymentIDFromValueRejectsInProgress(t *testing.T) {
	if _, ok := DeploymentIDFromValue(ValueInProgress); ok {
		t.Fatal("in_progress must not parse as a deployment id")
	}
}

func TestDeploymentIDFromValueRejectsEmptySuffix(t *testing.T) {
	if _, ok := DeploymentIDFromValue("dep:"); ok {
		t.Fatal("empty deployment id must not parse")
	}
}

func TestGuardKeyIsScopedByProject(t *testing.T) {
	g := NewRedisGuard(nil, 0)
	a := g.key("proj-a", "k1")
	b := g.key("proj-b", "k1")
	if a == b {
		t.Fatalf("keys for different projects collide: %q", a)
	}
}
