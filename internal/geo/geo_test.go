package geo

import (
	"math"
	"testing"
)

func TestDistanceZero(t *testing.T) {
	p := Point{Lat: 16.8409, Lng: 96.1735}
	if d := DistanceM(p, p); d != 0 {
		t.Fatalf("distance to self should be 0, got %v", d)
	}
}

func TestDistanceKnownPair(t *testing.T) {
	// Yangon City Hall to Shwedagon Pagoda, roughly 3.0 km.
	a := Point{Lat: 16.7746, Lng: 96.1593}
	b := Point{Lat: 16.7983, Lng: 96.1495}
	d := DistanceM(a, b)
	if math.Abs(d-2840) > 200 {
		t.Fatalf("expected ~2.8km, got %vm", d)
	}
}

func TestGeofenceContains(t *testing.T) {
	fence := Geofence{Center: Point{Lat: 16.8409, Lng: 96.1735}, RadiusM: 150}

	inside := Point{Lat: 16.8410, Lng: 96.1736}
	if !fence.Contains(inside) {
		t.Fatal("point a few meters away should be inside")
	}

	outside := Point{Lat: 16.8609, Lng: 96.1735} // ~2.2km north
	if fence.Contains(outside) {
		t.Fatal("point kilometers away should be outside")
	}
}
