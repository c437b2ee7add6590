// Package sse streams watcher commands to connected agent UIs.
package sse

import (
	"encoding/json"
	"net/http"
	"sync"

	"call_recovery_backend/platform/logger"

	"github.com/gin-gonic/gin"
)

// CommandType is the kind of UI command.
type CommandType string

const (
	CommandDialogShow   CommandType = "dialog.show"
	CommandDialogUpdate CommandType = "dialog.update"
	CommandDialogClose  CommandType = "dialog.close"
	CommandAcceptTask   CommandType = "task.accept"
	CommandSelectTask   CommandType = "task.select"
)

// Command is pushed to every UI session of one worker.
type Command struct {
	Type           CommandType `json:"type"`
	ReservationSID string      `json:"reservationSid,omitempty"`
	TaskSID        string      `json:"taskSid,omitempty"`
	Message        string      `json:"message,omitempty"`
	Detail         string      `json:"detail,omitempty"`
}

const clientBuffer = 32

// client represents a connected UI session
type client struct {
	workerSID string
	commands  chan Command
}

// Service manages SSE connections and command delivery.
type Service struct {
	mu      sync.RWMutex
	clients map[string][]*client // workerSID -> clients
	log     *logger.Logger
}

// New creates a new SSE service
func New(log *logger.Logger) *Service {
	return &Service{
		clients: make(map[string][]*client),
		log:     log,
	}
}

func (s *Service) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.workerSID] = append(s.clients[c.workerSID], c)
}

func (s *Service) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := s.clients[c.workerSID]
	for i, cl := range clients {
		if cl == c {
			s.clients[c.workerSID] = append(clients[:i], clients[i+1:]...)
			close(c.commands)
			break
		}
	}
	if len(s.clients[c.workerSID]) == 0 {
		delete(s.clients, c.workerSID)
	}
}

// Publish sends a command to every session of the worker. Commands for a
// worker with a full buffer are dropped; the UI resyncs on reconnect.
func (s *Service) Publish(workerSID string, cmd Command) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := s.clients[workerSID]
	for _, c := range clients {
		select {
		case c.commands <- cmd:
		default:
			s.log.Warn("sse buffer full", "workerSid", workerSID, "command", cmd.Type)
		}
	}
	s.log.Debug("sse command published", "workerSid", workerSID, "command", cmd.Type, "clients", len(clients))
}

// Connected reports how many sessions the worker has open.
func (s *Service) Connected(workerSID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[workerSID])
}

// Handler returns a Gin handler for SSE connections. snapshot is sent first
// so a reloaded UI picks up the dialog that is currently open.
func (s *Service) Handler(getWorkerSID func(*gin.Context) (string, bool), snapshot func(workerSID string) []Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		workerSID, ok := getWorkerSID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")

		cl := &client{
			workerSID: workerSID,
			commands:  make(chan Command, clientBuffer),
		}
		s.addClient(cl)
		defer s.removeClient(cl)

		c.SSEvent("connected", gin.H{"workerSid": workerSID})
		if snapshot != nil {
			for _, cmd := range snapshot(workerSID) {
				writeCommand(c, cmd)
			}
		}
		c.Writer.Flush()

		s.log.Info("sse client connected", "workerSid", workerSID)

		clientGone := c.Request.Context().Done()
		for {
			select {
			case <-clientGone:
				s.log.Info("sse client disconnected", "workerSid", workerSID)
				return
			case cmd, ok := <-cl.commands:
				if !ok {
					return
				}
				writeCommand(c, cmd)
				c.Writer.Flush()
			}
		}
	}
}

func writeCommand(c *gin.Context, cmd Command) {
	data, _ := json.Marshal(cmd)
	c.SSEvent(string(cmd.Type), string(data))
}

// Close disconnects every session.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, clients := range s.clients {
		for _, c := range clients {
			close(c.commands)
		}
	}
	s.clients = make(map[string][]*client)
}
