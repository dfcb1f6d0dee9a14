package platform

import "testing"

func TestDetect(t *testing.T) {
	caps := Detect(
		func() bool { return true },
		nil,
		func() bool { return false },
	)
	if !caps.HasMaps {
		t.Fatal("maps probe result lost")
	}
	if caps.HasNativePayments {
		t.Fatal("nil probe must mean absent")
	}
	if caps.HasPositioning {
		t.Fatal("false probe must mean absent")
	}
}
