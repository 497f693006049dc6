package audit

import "testing"

func TestDefaultLimits(t *testing.T) {
	t.Parallel()

	if DefaultLimit <= 0 || DefaultLimit > MaxLimit {
		t.Errorf("DefaultLimit = %d, must be in (0, MaxLimit]", DefaultLimit)
	}
	if MaxLimit <= 0 {
		t.Errorf("MaxLimit = %d, must be positive", MaxLimit)
	}
}

func TestFilterZeroValue(t *testing.T) {
	t.Parallel()

	var f Filter
	if f.TargetType != "" || f.TargetID != "" {
		t.Error("zero-value Filter should have empty TargetType and TargetID, meaning no filter")
	}
}
