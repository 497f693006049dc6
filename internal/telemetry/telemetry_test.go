package telemetry

import "testing"

func intPtr(v int) *int { return &v }

func TestBatteryBoundaries(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		level int
		want  []string
	}{
		{"exactly at low threshold fires nothing", 20, nil},
		{"just below low threshold fires low", 19, []string{"battery-low"}},
		{"well below critical fires only critical", 4, []string{"battery-critical"}},
		{"exactly at critical threshold fires low, not critical", 5, []string{"battery-low"}},
		{"full battery fires nothing", 100, nil},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := EvaluateBatteryEvents(intPtr(tc.level))
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestEvaluateBatteryEventsNilLevel(t *testing.T) {
	t.Parallel()
	if got := EvaluateBatteryEvents(nil); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}
