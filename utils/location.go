package utils

import (
	"math"
	"sort"
	"time"

	"attribution-service-server/models"
)

// Location represents a geographical coordinate
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// HaversineDistance calculates the distance between two points on Earth using the Haversine formula
// Returns distance in kilometers
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371 // Earth's radius in kilometers

	// Convert degrees to radians
	lat1Rad := lat1 * math.Pi / 180
	lon1Rad := lon1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	lon2Rad := lon2 * math.Pi / 180

	deltaLat := lat2Rad - lat1Rad
	deltaLon := lon2Rad - lon1Rad

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return R * c
}

// RankByDistance filters candidates to those within radiusKm of the origin and
// returns them sorted ascending by distance, each annotated with its distance.
// The sort is stable: ties keep the directory order. Candidates without
// coordinates are skipped. An empty result is a valid outcome; escalation is
// the caller's responsibility.
func RankByDistance(origin Location, radiusKm float64, candidates []models.Professional) []models.RankedProfessional {
	ranked := make([]models.RankedProfessional, 0, len(candidates))
	for _, candidate := range candidates {
		if !candidate.HasLocation() {
			continue
		}
		distance := HaversineDistance(
			origin.Latitude, origin.Longitude,
			*candidate.CurrentLat, *candidate.CurrentLng,
		)
		if distance <= radiusKm {
			ranked = append(ranked, models.RankedProfessional{
				Professional: candidate,
				DistanceKm:   distance,
			})
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceKm < ranked[j].DistanceKm
	})

	return ranked
}

// IsLocationValid checks if the provided coordinates are valid
func IsLocationValid(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// IsLocationRecent checks if the location was updated recently (within last 30 minutes)
func IsLocationRecent(lastUpdate *time.Time) bool {
	if lastUpdate == nil {
		return false
	}

	thirtyMinutesAgo := time.Now().Add(-30 * time.Minute)
	return lastUpdate.After(thirtyMinutesAgo)
}

// EscalateRadius returns the broadcast radius for the next attribution round.
// The step is a configurable multiplier, capped at maxKm.
func EscalateRadius(currentKm, factor, maxKm float64) float64 {
	next := currentKm * factor
	if next > maxKm {
		return maxKm
	}
	return next
}

// ValidateBroadcastRadius checks if the broadcast radius is within acceptable limits
func ValidateBroadcastRadius(radius, maxKm float64) bool {
	return radius > 0 && radius <= maxKm
}
