// Package galaxy provides system coordinates and nearest-depot lookups.
package galaxy

import (
	"fmt"
	"math"
)

// Point3 is a position in the galaxy, in light years.
type Point3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Distance calculates the Euclidean distance to another point.
func (p Point3) Distance(other Point3) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	dz := p.Z - other.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// System is a named star system with a position.
type System struct {
	Name     string `json:"name"`
	Location Point3 `json:"location"`
}

func (s System) String() string {
	return s.Name
}

// Locatable is anything anchored to a system.
type Locatable interface {
	Position() Point3
}

// Closest returns the index of the candidate nearest to origin, along with
// the distance. Returns -1 when there are no candidates. Linear scan; depot
// counts are tens, not millions.
func Closest[T Locatable](origin Point3, candidates []T) (int, float64) {
	best := -1
	bestDist := math.Inf(1)

	for i, c := range candidates {
		if d := origin.Distance(c.Position()); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best, bestDist
}

// FormatDistance renders a distance for notifications, e.g. "1,204 ly".
func FormatDistance(ly float64) string {
	return fmt.Sprintf("%.0f ly", ly)
}
