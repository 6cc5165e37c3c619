package routes

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"attribution-service-server/database"
	"attribution-service-server/models"
	"attribution-service-server/services"
	"attribution-service-server/utils"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var geoMatcher *services.GeoMatcher

// RegisterProfessionalRoutes registers professional directory routes
func RegisterProfessionalRoutes(router *gin.RouterGroup, matcher *services.GeoMatcher) {
	geoMatcher = matcher

	professionals := router.Group("/professionals")
	{
		professionals.GET("/nearby", getNearbyProfessionals)
		professionals.GET("/:id", getProfessional)
		professionals.POST("/:id/location", updateProfessionalLocation)
		professionals.POST("/:id/availability", toggleProfessionalAvailability)
	}
}

// getProfessional returns a professional by ID
func getProfessional(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	var professional models.Professional
	if err := database.DB.First(&professional, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Professional not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load professional"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"professional": professional,
	})
}

// updateProfessionalLocation handles a professional's location report
func updateProfessionalLocation(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	var req models.ProfessionalLocationUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !utils.IsLocationValid(req.Latitude, req.Longitude) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid location coordinates"})
		return
	}

	var professional models.Professional
	if err := database.DB.First(&professional, id).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Professional not found"})
		return
	}

	now := time.Now()
	professional.CurrentLat = &req.Latitude
	professional.CurrentLng = &req.Longitude
	professional.LastLocationUpdate = &now
	professional.IsAvailable = req.IsAvailable

	if err := database.DB.Save(&professional).Error; err != nil {
		log.Printf("❌ Failed to update location for professional %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update location"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"message":      "Location updated successfully",
		"professional": professional,
	})
}

// toggleProfessionalAvailability flips a professional's availability flag
func toggleProfessionalAvailability(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	var req struct {
		IsAvailable bool `json:"is_available"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := database.DB.Model(&models.Professional{}).
		Where("id = ?", id).
		Update("is_available", req.IsAvailable)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update availability"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Professional not found"})
		return
	}

	log.Printf("✅ Professional %d availability set to %v", id, req.IsAvailable)
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"is_available": req.IsAvailable,
	})
}

// getNearbyProfessionals returns ranked professionals around a point
func getNearbyProfessionals(c *gin.Context) {
	lat, latErr := strconv.ParseFloat(c.Query("lat"), 64)
	lng, lngErr := strconv.ParseFloat(c.Query("lng"), 64)
	if latErr != nil || lngErr != nil || !utils.IsLocationValid(lat, lng) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valid lat and lng are required"})
		return
	}

	serviceType := c.Query("service_type")
	if serviceType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service_type is required"})
		return
	}

	radiusKm := 50.0
	if raw := c.Query("radius_km"); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil && parsed > 0 {
			radiusKm = parsed
		}
	}

	ranked, err := geoMatcher.FindEligible(utils.Location{Latitude: lat, Longitude: lng}, radiusKm, serviceType)
	if err != nil {
		log.Printf("❌ Nearby professional lookup failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to find nearby professionals"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"count":         len(ranked),
		"radius_km":     radiusKm,
		"professionals": ranked,
	})
}
