package services

import (
	"gorm.io/gorm"

	"attribution-service-server/models"
	"attribution-service-server/utils"
)

// GeoMatcher finds eligible professionals for a service location. It only
// reads the professional directory; any number of invocations may run
// concurrently.
type GeoMatcher struct {
	db *gorm.DB
}

// NewGeoMatcher creates a new geo matcher over the given database handle.
func NewGeoMatcher(db *gorm.DB) *GeoMatcher {
	return &GeoMatcher{db: db}
}

// FindEligible returns verified, available professionals offering the given
// service type within radiusKm of the origin, sorted nearest-first and
// annotated with their distance. Professionals whose last position report has
// gone stale are skipped: their stored coordinates may be far from where they
// actually are. An empty result is a valid outcome.
func (m *GeoMatcher) FindEligible(origin utils.Location, radiusKm float64, serviceType string) ([]models.RankedProfessional, error) {
	var candidates []models.Professional
	err := m.db.
		Where("is_verified = ? AND is_available = ? AND current_lat IS NOT NULL AND current_lng IS NOT NULL", true, true).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	// Service-type match is done in Go: the directory stores a comma list.
	// Note: with a large directory this belongs in PostGIS, same caveat as
	// the distance filter below.
	filtered := candidates[:0]
	for _, candidate := range candidates {
		if candidate.HasServiceType(serviceType) && utils.IsLocationRecent(candidate.LastLocationUpdate) {
			filtered = append(filtered, candidate)
		}
	}

	return utils.RankByDistance(origin, radiusKm, filtered), nil
}
