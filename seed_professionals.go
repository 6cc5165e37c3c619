package main

import (
	"log"
	"time"

	"attribution-service-server/database"
	"attribution-service-server/models"
)

// seedDemoProfessionals inserts a small professional directory for local
// development. Existing rows are left alone so re-runs stay idempotent.
func seedDemoProfessionals() error {
	db := database.GetDB()

	var count int64
	if err := db.Model(&models.Professional{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		log.Printf("ℹ️ Professional directory already has %d rows, skipping seed", count)
		return nil
	}

	now := time.Now()
	lat1, lng1 := 48.8566, 2.3522
	lat2, lng2 := 48.8606, 2.3372
	lat3, lng3 := 48.8738, 2.2950

	professionals := []models.Professional{
		{
			FullName:           "Amadou Diallo",
			Email:              "amadou.diallo@example.com",
			PhoneNumber:        "+33612340001",
			ServiceTypes:       "cleaning,deep_cleaning",
			IsAvailable:        true,
			IsVerified:         true,
			CurrentLat:         &lat1,
			CurrentLng:         &lng1,
			LastLocationUpdate: &now,
			Rating:             4.8,
		},
		{
			FullName:           "Claire Dubois",
			Email:              "claire.dubois@example.com",
			PhoneNumber:        "+33612340002",
			ServiceTypes:       "plumbing",
			IsAvailable:        true,
			IsVerified:         true,
			CurrentLat:         &lat2,
			CurrentLng:         &lng2,
			LastLocationUpdate: &now,
			Rating:             4.6,
		},
		{
			FullName:           "Karim Benali",
			Email:              "karim.benali@example.com",
			PhoneNumber:        "+33612340003",
			ServiceTypes:       "electrical,plumbing",
			IsAvailable:        false,
			IsVerified:         true,
			CurrentLat:         &lat3,
			CurrentLng:         &lng3,
			LastLocationUpdate: &now,
			Rating:             4.9,
		},
	}

	if err := db.Create(&professionals).Error; err != nil {
		return err
	}

	log.Printf("✅ Seeded %d demo professionals", len(professionals))
	return nil
}
