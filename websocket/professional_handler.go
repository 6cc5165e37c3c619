package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"attribution-service-server/database"
	"attribution-service-server/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var professionalUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// ProfessionalHandler upgrades HTTP requests into hub-managed sessions.
type ProfessionalHandler struct {
	hub *Hub
}

func NewProfessionalHandler(hub *Hub) *ProfessionalHandler {
	return &ProfessionalHandler{hub: hub}
}

// HandleProfessional attaches a professional's live push channel.
func (h *ProfessionalHandler) HandleProfessional(c *gin.Context) {
	professionalID, err := strconv.ParseUint(c.Query("professional_id"), 10, 32)
	if err != nil || professionalID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Valid professional_id is required"})
		return
	}

	var professional models.Professional
	if err := database.DB.First(&professional, uint(professionalID)).Error; err != nil {
		log.Printf("❌ Professional %d not found for WebSocket", professionalID)
		c.JSON(http.StatusNotFound, gin.H{"error": "Professional not found"})
		return
	}

	conn, err := professionalUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade failed for professional %d: %v", professionalID, err)
		return
	}

	client := &Client{
		Hub:            h.hub,
		ProfessionalID: uint(professionalID),
		Conn:           conn,
		Send:           make(chan []byte, 64),
	}
	h.hub.Register <- client

	welcome := &Message{
		Type:      "connected",
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"professional_id": professionalID},
	}
	if data, err := json.Marshal(welcome); err == nil {
		client.Send <- data
	}

	go client.writePump()
	go client.readPump()
}
