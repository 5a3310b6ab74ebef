package geo

import (
	"math"
	"testing"
)

func TestDistance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		a, b    Point
		want    float64
		epsilon float64
	}{
		{name: "same point", a: Point{52.52, 13.405}, b: Point{52.52, 13.405}, want: 0, epsilon: 1e-9},
		{name: "one degree of latitude", a: Point{0, 0}, b: Point{1, 0}, want: 111195, epsilon: 1},
		{name: "berlin to paris", a: Point{52.5200, 13.4050}, b: Point{48.8566, 2.3522}, want: 877460, epsilon: 500},
		{name: "small step", a: Point{40.0, -74.0}, b: Point{40.00003, -74.0}, want: 3.34, epsilon: 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Distance(tt.a, tt.b)
			if math.Abs(got-tt.want) > tt.epsilon {
				t.Errorf("Distance(%v, %v) = %f, want %f ± %f", tt.a, tt.b, got, tt.want, tt.epsilon)
			}
		})
	}
}

func TestDistance_Symmetric(t *testing.T) {
	t.Parallel()
	a := Point{19.0760, 72.8777}
	b := Point{19.0800, 72.8800}
	if d1, d2 := Distance(a, b), Distance(b, a); math.Abs(d1-d2) > 1e-9 {
		t.Errorf("Distance not symmetric: %f vs %f", d1, d2)
	}
}

func TestCircle_Contains(t *testing.T) {
	t.Parallel()
	c := Circle{Center: Point{19.0760, 72.8777}, Radius: 500}

	if !c.Contains(Point{19.0760, 72.8777}) {
		t.Error("centre should be inside")
	}
	// ~333 m north.
	if !c.Contains(Point{19.0790, 72.8777}) {
		t.Error("point 333 m away should be inside a 500 m circle")
	}
	// ~1.1 km north.
	if c.Contains(Point{19.0860, 72.8777}) {
		t.Error("point 1.1 km away should be outside a 500 m circle")
	}
}

func TestPoint_Valid(t *testing.T) {
	t.Parallel()
	if !(Point{45, 90}).Valid() {
		t.Error("Point{45, 90} should be valid")
	}
	if (Point{91, 0}).Valid() {
		t.Error("latitude 91 should be invalid")
	}
	if (Point{0, -181}).Valid() {
		t.Error("longitude -181 should be invalid")
	}
	if (Point{math.NaN(), 0}).Valid() {
		t.Error("NaN should be invalid")
	}
}
