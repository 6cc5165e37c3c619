package routes

import (
	"errors"
	"log"
	"net/http"

	"attribution-service-server/models"
	"attribution-service-server/services"

	"github.com/gin-gonic/gin"
)

var reminderService *services.ReminderService

// RegisterReminderRoutes registers scheduled reminder routes
func RegisterReminderRoutes(router *gin.RouterGroup, svc *services.ReminderService) {
	reminderService = svc

	reminders := router.Group("/reminders")
	{
		reminders.POST("", scheduleReminder)
		reminders.GET("/:id", getReminder)
	}
}

// scheduleReminder books a reminder for later hand-off to the queue
func scheduleReminder(c *gin.Context) {
	var req models.ReminderCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reminder, err := reminderService.Schedule(req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Printf("❌ Failed to schedule reminder: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule reminder"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":  true,
		"reminder": reminder,
	})
}

// getReminder returns a scheduled reminder by ID
func getReminder(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	reminder, err := reminderService.Get(id)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Reminder not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load reminder"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"reminder": reminder,
	})
}
