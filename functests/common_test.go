package functests

import "testing"

func TestRunInvalidID(t *testing.T) {
	for _, n := range []int{0, -1, len(testCases) + 1} {
		if err := Run(n); err == nil {
			t.Errorf("test id %v should be rejected", n)
		}
	}
}

func TestCases(t *testing.T) {
	for i, c := range testCases {
		if err := Run(i + 1); err != nil {
			t.Errorf("%v: %v", c.name, err)
		}
	}
}

func TestRunComplexRejectsZero(t *testing.T) {
	if err := RunComplex(0); err == nil {
		t.Error("zero minutes should be rejected")
	}
}
