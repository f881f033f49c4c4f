package http

import (
	"net/http"
	"sort"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/internal/core/services"
	"mediarelay/internal/infrastructure/distributed"

	"github.com/gin-gonic/gin"
)

// QualityInspector exposes the adaptive bitrate state of agents.
type QualityInspector interface {
	CurrentTier(agentID domain.AgentID) (domain.QualityTier, bool)
	History(agentID domain.AgentID) []domain.TierChange
	Latest(agentID domain.AgentID) (domain.BandwidthSample, bool)
}

type TransferInspector interface {
	Status() []domain.TransferStatus
}

// ClusterDirectory lists agents connected to other relay instances.
type ClusterDirectory interface {
	Agents() []distributed.RemoteAgent
}

// RelayHandler serves the read-only inspection API.
type RelayHandler struct {
	registry  ports.ConnectionRegistry
	quality   QualityInspector
	transfers TransferInspector
	directory ClusterDirectory
}

// NewRelayHandler builds the handler. quality, transfers and directory may
// be nil; their endpoints then report empty results.
func NewRelayHandler(
	registry ports.ConnectionRegistry,
	quality QualityInspector,
	transfers TransferInspector,
	directory ClusterDirectory,
) *RelayHandler {
	return &RelayHandler{
		registry:  registry,
		quality:   quality,
		transfers: transfers,
		directory: directory,
	}
}

func (h *RelayHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/agents", h.ListAgents)
		api.GET("/agents/:id", h.GetAgent)
		api.GET("/agents/:id/quality", h.GetAgentQuality)
		api.GET("/viewers/:id", h.GetViewer)
		api.GET("/transfers", h.ListTransfers)
		api.GET("/cluster/agents", h.ListClusterAgents)
	}
}

type trackView struct {
	ID    domain.TrackID     `json:"id"`
	Kind  domain.TrackKind   `json:"kind"`
	Codec domain.Codec       `json:"codec"`
	Tier  domain.QualityTier `json:"tier"`
}

type agentView struct {
	ID           domain.AgentID      `json:"id"`
	ConnectionID string              `json:"connection_id"`
	Capabilities domain.Capabilities `json:"capabilities"`
	Tier         domain.QualityTier  `json:"tier"`
	Tracks       []trackView         `json:"tracks"`
	Viewers      int                 `json:"viewers"`
	ConnectedAt  time.Time           `json:"connected_at"`
	LastSeen     time.Time           `json:"last_seen"`
}

type viewerView struct {
	ID                 domain.ViewerID                     `json:"id"`
	ConnectionID       string                              `json:"connection_id"`
	SubscribedAgentID  domain.AgentID                      `json:"subscribed_agent_id,omitempty"`
	TrackSubscriptions map[domain.TrackKind]domain.TrackID `json:"track_subscriptions"`
	ConnectedAt        time.Time                           `json:"connected_at"`
	LastSeen           time.Time                           `json:"last_seen"`
}

func (h *RelayHandler) agentView(a *domain.Agent) agentView {
	tracks := make([]trackView, 0, len(a.PublishedTracks))
	for _, t := range h.registry.TracksOf(a.ID) {
		tracks = append(tracks, trackView{ID: t.ID, Kind: t.Kind, Codec: t.Codec, Tier: t.QualityTier})
	}
	tier := a.Tier
	if h.quality != nil {
		if cur, ok := h.quality.CurrentTier(a.ID); ok {
			tier = cur
		}
	}
	return agentView{
		ID:           a.ID,
		ConnectionID: string(a.Handle),
		Capabilities: a.Capabilities,
		Tier:         tier,
		Tracks:       tracks,
		Viewers:      len(h.registry.ViewersOf(a.ID)),
		ConnectedAt:  a.ConnectedAt,
		LastSeen:     a.LastSeen,
	}
}

func (h *RelayHandler) ListAgents(c *gin.Context) {
	agents := h.registry.Agents()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, h.agentView(a))
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": out,
		"total":  len(out),
	})
}

func (h *RelayHandler) GetAgent(c *gin.Context) {
	agent, err := h.registry.Agent(domain.AgentID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent": h.agentView(agent),
	})
}

func (h *RelayHandler) GetAgentQuality(c *gin.Context) {
	id := domain.AgentID(c.Param("id"))
	agent, err := h.registry.Agent(id)
	if err != nil {
		respondError(c, err)
		return
	}

	body := gin.H{
		"agent_id": id,
		"tier":     agent.Tier,
	}
	if h.quality == nil {
		c.JSON(http.StatusOK, body)
		return
	}
	if tier, ok := h.quality.CurrentTier(id); ok {
		body["tier"] = tier
	}
	if sample, ok := h.quality.Latest(id); ok {
		body["sample"] = sample
		body["quality"] = services.ConnectionQuality(sample)
	}
	history := h.quality.History(id)
	if history == nil {
		history = []domain.TierChange{}
	}
	body["history"] = history
	c.JSON(http.StatusOK, body)
}

func (h *RelayHandler) GetViewer(c *gin.Context) {
	viewer, err := h.registry.Viewer(domain.ViewerID(c.Param("id")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"viewer": viewerView{
			ID:                 viewer.ID,
			ConnectionID:       string(viewer.Handle),
			SubscribedAgentID:  viewer.SubscribedAgentID,
			TrackSubscriptions: viewer.TrackSubscriptions,
			ConnectedAt:        viewer.ConnectedAt,
			LastSeen:           viewer.LastSeen,
		},
	})
}

func (h *RelayHandler) ListTransfers(c *gin.Context) {
	var transfers []domain.TransferStatus
	if h.transfers != nil {
		transfers = h.transfers.Status()
	}
	if transfers == nil {
		transfers = []domain.TransferStatus{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transfers": transfers,
		"total":     len(transfers),
	})
}

func (h *RelayHandler) ListClusterAgents(c *gin.Context) {
	var agents []distributed.RemoteAgent
	if h.directory != nil {
		agents = h.directory.Agents()
	}
	if agents == nil {
		agents = []distributed.RemoteAgent{}
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"total":  len(agents),
	})
}

func respondError(c *gin.Context, err error) {
	appErr := domain.ToAppError(err)
	c.JSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}
