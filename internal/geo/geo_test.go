package geo

import (
	"math"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude at the equator is ~111.2km
	d := Haversine(0, 0, 1, 0)
	if d < 110000 || d > 112500 {
		t.Fatalf("unexpected distance: %f", d)
	}
}

func TestBearingCardinal(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		want                   float64
	}{
		{"north", 0, 0, 1, 0, 0},
		{"east", 0, 0, 0, 1, 90},
		{"south", 1, 0, 0, 0, 180},
		{"west", 0, 1, 0, 0, 270},
	}
	for _, c := range cases {
		got := Bearing(c.lat1, c.lng1, c.lat2, c.lng2)
		if math.Abs(got-c.want) > 0.01 {
			t.Errorf("%s: got %f, want %f", c.name, got, c.want)
		}
	}
}

func TestBearingIdenticalPoints(t *testing.T) {
	if b := Bearing(-17.55, -149.56, -17.55, -149.56); b != 0 {
		t.Fatalf("identical points should yield 0, got %f", b)
	}
}

func TestBearingDeterministic(t *testing.T) {
	a := Bearing(-17.53, -149.56, -17.54, -149.57)
	b := Bearing(-17.53, -149.56, -17.54, -149.57)
	if a != b {
		t.Fatalf("bearing not deterministic: %f vs %f", a, b)
	}
	if a < 0 || a >= 360 {
		t.Fatalf("bearing out of range: %f", a)
	}
}
