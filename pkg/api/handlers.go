package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-replicator/pkg/crypto"
	"github.com/ZentaChain/zentalk-replicator/pkg/party"
	"github.com/ZentaChain/zentalk-replicator/pkg/transport"
)

// HealthResponse is returned by /health
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Parties   int       `json:"parties"`
	Uptime    string    `json:"uptime"`
	CheckedAt time.Time `json:"checked_at"`
}

// CreatePartyRequest is the body of POST /api/v1/parties. A missing key is generated.
type CreatePartyRequest struct {
	Key   string `json:"key"`
	Rules string `json:"rules" binding:"required"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   transport.CurrentVersion,
		Parties:   len(s.manager.Parties()),
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		CheckedAt: time.Now(),
	})
}

// handleNodeInfo handles GET /api/v1/node/info
func (s *Server) handleNodeInfo(c *gin.Context) {
	if s.node == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Swarm disabled"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: s.node.Info()})
}

// handleListParties handles GET /api/v1/parties
func (s *Server) handleListParties(c *gin.Context) {
	parties := s.manager.Parties()
	infos := make([]party.PartyInfo, len(parties))
	for i, p := range parties {
		infos[i] = p.Info()
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: infos})
}

// handleCreateParty handles POST /api/v1/parties
func (s *Server) handleCreateParty(c *gin.Context) {
	var req CreatePartyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	var key crypto.Key
	if req.Key == "" {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Key generation failed", Message: err.Error()})
			return
		}
		key = kp.Public
	} else {
		var err error
		if key, err = crypto.ParseKey(req.Key); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid party key", Message: err.Error()})
			return
		}
	}

	p, err := s.manager.CreateParty(c.Request.Context(), key, req.Rules)
	if errors.Is(err, party.ErrUnknownRules) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Unknown rules", Message: err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Failed to create party", Message: err.Error()})
		return
	}

	if s.node != nil {
		if err := s.node.Join(p); err != nil {
			s.logger.Warn().Err(err).Str("party", p.DiscoveryKey().Short()).Msg("failed to join party")
		}
	}

	c.JSON(http.StatusCreated, SuccessResponse{Success: true, Data: p.Info()})
}

// handleGetParty handles GET /api/v1/parties/:discoveryKey
func (s *Server) handleGetParty(c *gin.Context) {
	p, ok := s.lookupParty(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: p.Info()})
}

// handleDeleteParty handles DELETE /api/v1/parties/:discoveryKey
func (s *Server) handleDeleteParty(c *gin.Context) {
	p, ok := s.lookupParty(c)
	if !ok {
		return
	}

	if s.node != nil {
		s.node.Leave(p)
	}
	if err := s.manager.RemoveParty(c.Request.Context(), p.DiscoveryKey()); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to remove party", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "party removed"})
}

// handlePartyPeers handles GET /api/v1/parties/:discoveryKey/peers
func (s *Server) handlePartyPeers(c *gin.Context) {
	p, ok := s.lookupParty(c)
	if !ok {
		return
	}

	peers := p.Peers()
	infos := make([]party.PeerInfo, len(peers))
	for i, peer := range peers {
		infos[i] = peer.Info()
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: infos})
}

// handleFeeds handles GET /api/v1/feeds
func (s *Server) handleFeeds(c *gin.Context) {
	if s.feeds == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Feed storage disabled"})
		return
	}

	feeds, err := s.feeds.Feeds()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list feeds", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Data: feeds})
}

func (s *Server) lookupParty(c *gin.Context) (*party.Party, bool) {
	dk, err := crypto.ParseKey(c.Param("discoveryKey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid discovery key", Message: err.Error()})
		return nil, false
	}

	p, ok := s.manager.Party(dk)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Party not found"})
		return nil, false
	}
	return p, true
}
