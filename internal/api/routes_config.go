package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/structprobe/internal/config"
	"github.com/energizer-project/structprobe/internal/resolver"
)

// Resolver options that only take effect after a restart.
var restartKeys = map[string]bool{
	"structure_dir": true,
	"opcode_names":  true,
	"hints":         true,
}

func (s *Server) handleGetResolverConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.GetResolver())
}

// handlePatchResolverConfig updates resolver options by JSON key. Timing
// options apply to the next resolve; the rest need a restart.
func (s *Server) handlePatchResolverConfig(c *gin.Context) {
	var patch map[string]interface{}
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty update"})
		return
	}

	prev := s.cfg.GetResolver()
	var restart []string
	for key, value := range patch {
		if err := s.cfg.UpdateResolverField(key, value); err != nil {
			s.cfg.SetResolver(prev)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if restartKeys[key] {
			restart = append(restart, key)
		}
	}

	if result := config.Validate(s.cfg); !result.IsValid() {
		s.cfg.SetResolver(prev)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid configuration", "details": result.Errors})
		return
	}

	if err := s.cfg.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save config"})
		return
	}

	next := s.cfg.GetResolver()
	s.manager.UpdateOptions(func(o *resolver.Options) {
		o.QuietPeriod = next.QuietPeriod()
		o.StopOnNoError = next.StopOnNoError
		o.HeaderLength = next.HeaderLength
	})

	log.Info().Interface("keys", keys(patch)).Msg("API: resolver config updated")

	c.JSON(http.StatusOK, gin.H{
		"status":           "updated",
		"resolver":         next,
		"restart_required": restart,
	})
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
