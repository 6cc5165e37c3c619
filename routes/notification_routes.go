package routes

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"attribution-service-server/database"
	"attribution-service-server/models"
	"attribution-service-server/services"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

var notificationDispatcher *services.NotificationDispatcher

// RegisterNotificationRoutes registers notification queue routes
func RegisterNotificationRoutes(router *gin.RouterGroup, dispatcher *services.NotificationDispatcher) {
	notificationDispatcher = dispatcher

	notifications := router.Group("/notifications")
	{
		notifications.POST("", enqueueNotification)
		notifications.GET("", listNotifications)
		notifications.GET("/:id", getNotification)
		notifications.POST("/:id/delivered", markNotificationDelivered)
		notifications.POST("/:id/read", markNotificationRead)
	}
}

// enqueueNotification accepts a notification into the durable queue.
// Re-submitting the same dedupe_key returns the already-queued record.
func enqueueNotification(c *gin.Context) {
	var req models.NotificationEnqueue
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	notification, err := notificationDispatcher.Enqueue(req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Printf("❌ Failed to enqueue notification: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue notification"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success":      true,
		"notification": notification,
	})
}

// listNotifications returns a recipient's notifications, newest first
func listNotifications(c *gin.Context) {
	recipientID, err := strconv.ParseUint(c.Query("recipient_id"), 10, 32)
	if err != nil || recipientID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valid recipient_id is required"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	var notifications []models.Notification
	query := database.DB.Where("recipient_id = ?", uint(recipientID))
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Order("created_at DESC").Limit(limit).Find(&notifications).Error; err != nil {
		log.Printf("❌ Failed to list notifications: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list notifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"count":         len(notifications),
		"notifications": notifications,
	})
}

// getNotification returns a single notification by ID
func getNotification(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	var notification models.Notification
	if err := database.DB.First(&notification, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load notification"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"notification": notification,
	})
}

// markNotificationDelivered records a provider delivery callback
func markNotificationDelivered(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	if err := notificationDispatcher.MarkDelivered(id); err != nil {
		respondNotificationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// markNotificationRead records that the recipient opened the notification
func markNotificationRead(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	if err := notificationDispatcher.MarkRead(id); err != nil {
		respondNotificationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func respondNotificationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotClaimable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Printf("❌ Notification request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
