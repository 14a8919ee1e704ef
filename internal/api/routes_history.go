package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/structprobe/internal/db"
	"github.com/energizer-project/structprobe/internal/protocol"
)

const defaultHistoryLimit = 50

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is disabled"})
		return false
	}
	return true
}

// handleHistory lists recorded sessions, newest first. Optional query
// parameters are limit and opcode.
func (s *Server) handleHistory(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	var opcode uint16
	if raw := c.Query("opcode"); raw != "" {
		id, err := protocol.ParseOpCode(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		opcode = id
	}

	sessions, err := s.history.RecentSessions(limit, opcode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (s *Server) handleHistorySession(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}

	id := c.Param("id")
	rec, err := s.history.Session(id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, db.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	steps, err := s.history.Steps(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ignored, err := s.history.Ignored(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session": rec,
		"steps":   steps,
		"ignored": ignored,
	})
}
