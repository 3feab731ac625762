package sources

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pevans/wpharvest/config"
)

// DefaultRunLimit is the number of runs returned when no limit is given.
const DefaultRunLimit = 20

// StatusAPIServer is the read-only HTTP API over harvest state.
type StatusAPIServer struct {
	store *StateStore
	sites []config.Site
}

// NewStatusAPIServer creates a status API server for the configured sites.
func NewStatusAPIServer(store *StateStore, sites []config.Site) *StatusAPIServer {
	return &StatusAPIServer{
		store: store,
		sites: sites,
	}
}

// SetupRouter configures the Gin router with all status routes.
func (s *StatusAPIServer) SetupRouter() *gin.Engine {
	router := gin.Default()

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	api := router.Group("/api/v1")
	api.GET("/health", s.HandleHealth)
	api.GET("/sites", s.HandleListSites)
	api.GET("/sites/:name", s.HandleGetSite)
	api.GET("/sites/:name/runs", s.HandleListRuns)

	return router
}

// SiteStatus pairs a site's configuration with its recorded state. State
// is nil for a site that has never been harvested.
type SiteStatus struct {
	Site       config.Site `json:"site"`
	Configured bool        `json:"configured"`
	State      *SiteState  `json:"state,omitempty"`
}

// ListSitesResponse represents the response for GET /api/v1/sites.
type ListSitesResponse struct {
	Sites []SiteStatus `json:"sites"`
	Total int          `json:"total"`
}

// ListRunsResponse represents the response for GET /api/v1/sites/{name}/runs.
type ListRunsResponse struct {
	Runs  []Run `json:"runs"`
	Total int   `json:"total"`
}

// errorResponse creates a standardized error response.
func errorResponse(code, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

// handleError maps domain errors to HTTP responses.
func (s *StatusAPIServer) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrSiteNotFound):
		c.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, errorResponse("internal_error", "Failed to process request"))
	}
}

// HandleHealth handles GET /api/v1/health.
func (s *StatusAPIServer) HandleHealth(c *gin.Context) {
	if err := s.store.db.PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("unavailable", "state database unreachable"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleListSites handles GET /api/v1/sites. Configured sites come first in
// configuration order, followed by recorded sites no longer configured.
func (s *StatusAPIServer) HandleListSites(c *gin.Context) {
	states, err := s.store.ListSites(c.Request.Context())
	if err != nil {
		s.handleError(c, err)
		return
	}

	byName := make(map[string]*SiteState, len(states))
	for i := range states {
		byName[states[i].Name] = &states[i]
	}

	statuses := make([]SiteStatus, 0, len(s.sites)+len(states))
	for _, site := range s.sites {
		statuses = append(statuses, SiteStatus{
			Site:       site,
			Configured: true,
			State:      byName[site.Name],
		})
		delete(byName, site.Name)
	}
	for i := range states {
		if state, ok := byName[states[i].Name]; ok {
			statuses = append(statuses, SiteStatus{
				Site:  config.Site{Name: state.Name},
				State: state,
			})
		}
	}

	c.JSON(http.StatusOK, ListSitesResponse{
		Sites: statuses,
		Total: len(statuses),
	})
}

// HandleGetSite handles GET /api/v1/sites/{name}.
func (s *StatusAPIServer) HandleGetSite(c *gin.Context) {
	name := c.Param("name")

	status := SiteStatus{Site: config.Site{Name: name}}
	if site, ok := s.findSite(name); ok {
		status.Site = site
		status.Configured = true
	}

	state, err := s.store.GetSite(c.Request.Context(), name)
	switch {
	case err == nil:
		status.State = state
	case errors.Is(err, ErrSiteNotFound) && status.Configured:
		// Configured but never harvested
	default:
		s.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// HandleListRuns handles GET /api/v1/sites/{name}/runs.
func (s *StatusAPIServer) HandleListRuns(c *gin.Context) {
	name := c.Param("name")

	limit := DefaultRunLimit
	if limitParam := c.Query("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, errorResponse("bad_request", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	if _, ok := s.findSite(name); !ok {
		if _, err := s.store.GetSite(c.Request.Context(), name); err != nil {
			s.handleError(c, err)
			return
		}
	}

	runs, err := s.store.ListRuns(c.Request.Context(), name, limit)
	if err != nil {
		s.handleError(c, err)
		return
	}
	if runs == nil {
		runs = []Run{}
	}

	c.JSON(http.StatusOK, ListRunsResponse{
		Runs:  runs,
		Total: len(runs),
	})
}

func (s *StatusAPIServer) findSite(name string) (config.Site, bool) {
	for _, site := range s.sites {
		if site.Name == name {
			return site, true
		}
	}
	return config.Site{}, false
}
