package admission

import (
	"strings"
	"testing"
)

func TestProductionDomainIsCanonical(t *testing.T) {
	got := ProductionDomain("shop", "acme", "berth.app")
	if got != "shop.acme.berth.app" {
		t.Fatalf("unexpected production domain %q", got)
	}
}

func TestPreviewDomainIsDNSSafe(t *testing.T) {
	got := PreviewDomain("My Shop", "ACME Inc", "feature/checkout-v2", "berth.app")
	label := strings.TrimSuffix(got, ".berth.app")
	if label == got {
		t.Fatalf("expected base domain suffix, got %q", got)
	}
	if len(label) > 63 {
		t.Fatalf("label %q exceeds 63 chars", label)
	}
	if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
		t.Fatalf("label %q has leading/trailing hyphen", label)
	}
	for _, r := range label {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			t.Fatalf("label %q contains invalid rune %q", label, r)
		}
	}
}

func TestPreviewDomainTruncatesLongInputs(t *testing.T) {
	long := strings.Repeat("verylongproject", 10)
	got := PreviewDomain(long, "org", "ref", "berth.app")
	label := strings.TrimSuffix(got, ".berth.app")
	if len(label) > 63 {
		t.Fatalf("label %q exceeds 63 chars", label)
	}
}

func TestPreviewDomainDistinguishesRefs(t *testing.T) {
	a := PreviewDomain("shop", "acme", "feature/a", "berth.app")
	b := PreviewDomain("shop", "acme", "feature/b", "berth.app")
	if a == b {
		t.Fatalf("different refs produced the same preview domain %q", a)
	}
}

func TestPreviewDomainIsStable(t *testing.T) {
	a := PreviewDomain("shop", "acme", "main", "berth.app")
	b := PreviewDomain("shop", "acme", "main", "berth.app")
	if a != b {
		t.Fatalf("preview domain not deterministic: %q vs %q", a, b)
	}
}

func TestSanitizeLabelCollapsesSeparators(t *testing.T) {
	got := SanitizeLabel("--My  App__v2--")
	if got != "my-app-v2" {
		t.Fatalf("unexpected label %q", got)
	}
}
