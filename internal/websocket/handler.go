package websocket

import (
	"github.com/gofiber/websocket/v2"
)

// ServeWs attaches one wizard connection to the hub for a session.
func ServeWs(hub *Hub, conn *websocket.Conn, sessionId string) {
	client := &Client{
		Hub:       hub,
		SessionID: sessionId,
		Conn:      conn,
		Send:      make(chan []byte, 256),
	}
	client.Hub.register <- client

	go client.writePump()
	client.readPump()
}
