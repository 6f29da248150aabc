package schedule

import (
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"

	opsv1alpha1 "github.com/lmoretti/maintenance-trigger-agent/api/v1alpha1"
)

func validSpec() *opsv1alpha1.PeriodicTriggerSpec {
	return &opsv1alpha1.PeriodicTriggerSpec{
		Schedule: "*/10 * * * *",
		Image:    "registry.example.com/metrics-collector:1.4.2",
	}
}

func TestParseCronAcceptsStandardExpressions(t *testing.T) {
	for _, expr := range []string{
		"* * * * *",
		"*/5 * * * *",
		"0 0 * * *",
		"42 3 * * 1-5",
		"0 */2 1,15 * *",
		"30 4 * JAN-MAR MON",
		"@hourly",
		"@daily",
	} {
		if _, err := ParseCron(expr); err != nil {
			t.Errorf("expected %q to parse, got: %v", expr, err)
		}
	}
}

func TestParseCronRejectsMalformedExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"   ",
		"* * * *",       // 4 fields
		"* * * * * *",   // seconds field
		"61 * * * *",    // minute out of range
		"* 25 * * *",    // hour out of range
		"* * 32 * *",    // day out of range
		"* * * 13 *",    // month out of range
		"* * * * 8",     // weekday out of range
		"every minute",  // prose
		"@fortnightly",  // unknown descriptor
	} {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("expected %q to be rejected", expr)
		}
	}
}

func TestNextRunComputesUpcomingTick(t *testing.T) {
	from := time.Date(2025, time.March, 3, 10, 7, 0, 0, time.UTC)
	next, err := NextRun("*/10 * * * *", from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := time.Date(2025, time.March, 3, 10, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected next run %v, got %v", want, next)
	}
}

func TestValidateAcceptsCompleteSpec(t *testing.T) {
	if err := Validate(validSpec()); err != nil {
		t.Fatalf("expected valid spec, got: %v", err)
	}
}

func TestValidateRejectsMalformedCron(t *testing.T) {
	spec := validSpec()
	spec.Schedule = "* * * * * *"
	if err := Validate(spec); err == nil {
		t.Fatal("expected malformed cron to be rejected")
	}
}

func TestValidateRejectsMissingImage(t *testing.T) {
	spec := validSpec()
	spec.Image = "  "
	err := Validate(spec)
	if err == nil {
		t.Fatal("expected missing image to be rejected")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(verr.Reasons) != 1 {
		t.Fatalf("expected a single reason, got %v", verr.Reasons)
	}
}

func TestValidateCollectsAllReasons(t *testing.T) {
	negative := int32(-1)
	spec := &opsv1alpha1.PeriodicTriggerSpec{
		Schedule:                "not a schedule",
		TTLSecondsAfterFinished: &negative,
		BackoffLimit:            &negative,
		ConcurrencyPolicy:       "Sometimes",
	}
	err := Validate(spec)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(verr.Reasons) != 5 {
		t.Fatalf("expected 5 reasons, got %d: %v", len(verr.Reasons), verr.Reasons)
	}
}

func TestValidateAllowsKnownConcurrencyPolicies(t *testing.T) {
	for _, policy := range []batchv1.ConcurrencyPolicy{"", batchv1.AllowConcurrent, batchv1.ForbidConcurrent, batchv1.ReplaceConcurrent} {
		spec := validSpec()
		spec.ConcurrencyPolicy = policy
		if err := Validate(spec); err != nil {
			t.Errorf("expected policy %q to be accepted, got: %v", policy, err)
		}
	}
}
