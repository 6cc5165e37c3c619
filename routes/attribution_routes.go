package routes

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"attribution-service-server/models"
	"attribution-service-server/services"
	"attribution-service-server/utils"

	"github.com/gin-gonic/gin"
)

var attributionService *services.AttributionService

// RegisterAttributionRoutes registers booking attribution routes
func RegisterAttributionRoutes(router *gin.RouterGroup, svc *services.AttributionService) {
	attributionService = svc

	attributions := router.Group("/attributions")
	{
		attributions.POST("", startAttribution)
		attributions.GET("/:id", getAttribution)
		attributions.POST("/:id/respond", respondToAttribution)
		attributions.POST("/:id/cancel", cancelAttribution)
		attributions.POST("/:id/complete", completeAttribution)
	}
}

// startAttribution opens the broadcast process for a booking
func startAttribution(c *gin.Context) {
	var req models.AttributionCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Resolve the address when the client sent no coordinates
	if (req.LocationLat == nil || req.LocationLng == nil) && req.Address != "" {
		geo, err := utils.GeocodeAddress(req.Address)
		if err != nil {
			log.Printf("⚠️ Geocoding failed for %q: %v", req.Address, err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Could not resolve address to coordinates"})
			return
		}
		req.LocationLat = &geo.Latitude
		req.LocationLng = &geo.Longitude
	}

	attribution, err := attributionService.Start(req)
	if err != nil {
		respondAttributionError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":     true,
		"attribution": attribution,
	})
}

// getAttribution returns an attribution with its responses
func getAttribution(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	attribution, err := attributionService.Get(id)
	if err != nil {
		respondAttributionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"attribution": attribution,
	})
}

// respondToAttribution records a professional's accept or decline
func respondToAttribution(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	var req models.AttributionDecision
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var attribution *models.Attribution
	var err error
	switch req.Decision {
	case "accept":
		attribution, err = attributionService.Accept(id, req.ProfessionalID)
	case "decline":
		attribution, err = attributionService.Decline(id, req.ProfessionalID)
	}
	if err != nil {
		respondAttributionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"decision":    req.Decision,
		"attribution": attribution,
	})
}

// cancelAttribution closes an open attribution on the customer's behalf
func cancelAttribution(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	if err := attributionService.Cancel(id); err != nil {
		respondAttributionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// completeAttribution marks an accepted attribution's service as done
func completeAttribution(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	if err := attributionService.Complete(id); err != nil {
		respondAttributionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func parseIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}

func respondAttributionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrAttributionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Another professional already accepted this booking"})
	case errors.Is(err, services.ErrAttributionClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "This attribution is no longer open"})
	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("❌ Attribution request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
