package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/structprobe/internal/protocol"
	"github.com/energizer-project/structprobe/internal/resolver"
	"github.com/energizer-project/structprobe/internal/structure"
)

func (s *Server) handleListStructures(c *gin.Context) {
	entries, err := s.manager.Store().List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"structures": entries,
		"total":      len(entries),
	})
}

func (s *Server) handleGetStructure(c *gin.Context) {
	op, err := s.manager.Registry().Resolve(c.Param("opcode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st, err := s.manager.Store().Find(op.ID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, structure.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"structure": st,
		"width":     st.Width(),
	})
}

// handleResolve starts a resolve for the opcode in the path.
//
// Query parameters:
//
//	timeout  Go duration bounding the whole resolve (default unbounded)
//	wait     when true, respond once the resolve has finished
func (s *Server) handleResolve(c *gin.Context) {
	var timeout time.Duration
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		timeout = d
	}
	wait, _ := strconv.ParseBool(c.Query("wait"))

	// The resolve outlives this request.
	ctx := context.WithoutCancel(c.Request.Context())
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	eng, err := s.manager.Resolve(ctx, c.Param("opcode"))
	if err != nil {
		cancel()
		s.resolveError(c, err)
		return
	}
	go func() {
		<-eng.Done()
		cancel()
	}()

	log.Info().Str("opcode", eng.OpCode().String()).Str("session", eng.ID()).Msg("API: resolve started")

	if !wait {
		c.JSON(http.StatusAccepted, eng.Snapshot())
		return
	}

	if err := eng.Wait(c.Request.Context()); err != nil && c.Request.Context().Err() != nil {
		// Client went away; the resolve carries on.
		return
	}
	snap := eng.Snapshot()
	status := http.StatusOK
	if snap.State == resolver.StateAborted {
		status = http.StatusConflict
	}
	c.JSON(status, snap)
}

func (s *Server) resolveError(c *gin.Context, err error) {
	var abort *resolver.AbortError
	switch {
	case errors.Is(err, protocol.ErrInvalidOpCodeFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, resolver.ErrNoSession):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &abort):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleSessions(c *gin.Context) {
	snaps := s.manager.Snapshots()
	c.JSON(http.StatusOK, gin.H{
		"sessions": snaps,
		"total":    len(snaps),
	})
}

func (s *Server) handleCurrentSession(c *gin.Context) {
	eng := s.manager.Current()
	if eng == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no resolve has been started"})
		return
	}
	c.JSON(http.StatusOK, eng.Snapshot())
}
