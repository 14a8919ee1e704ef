package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/structprobe/internal/util"
)

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
	})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    util.AppName,
		"version": util.Version,
	})
}

// handleStatus reports the peer link and the running resolve.
func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"peer":      s.cfg.Peer.Address,
		"connected": s.connector != nil && s.connector.IsConnected(),
		"history":   s.history != nil,
	}
	if eng := s.manager.Current(); eng != nil {
		resp["current"] = eng.Snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// handleSystem returns host information and load.
func (s *Server) handleSystem(c *gin.Context) {
	resp := gin.H{"system": util.GetSystemInfo()}

	usage, err := util.GetResourceUsage(s.manager.Store().Dir())
	if err != nil {
		resp["usage_error"] = err.Error()
	} else {
		resp["usage"] = usage
	}
	c.JSON(http.StatusOK, resp)
}
