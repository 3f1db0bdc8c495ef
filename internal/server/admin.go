package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/gateway"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/router"
	"github.com/vyrodovalexey/avagate/internal/util"
)

// NewAdminHandler returns the admin API of gw:
//
//	GET   /health          health report
//	GET   /stats           route and service counts with aggregate metrics
//	GET   /routes          routes in match order
//	PATCH /routes          toggle a route or change its rate limit
//	GET   /routes/metrics  per-route snapshots
//	GET   /services        instances by service name
//	PUT   /services/:name/status
//	POST  /keys            generate an API key
//	GET   /metrics         Prometheus exposition of gatherer
func NewAdminHandler(gw *gateway.Gateway, gatherer prometheus.Gatherer, logger observability.Logger) *gin.Engine {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	a := &admin{gw: gw, logger: logger}

	engine := newEngine()
	engine.Use(recovery(logger))

	engine.GET("/health", a.health)
	engine.GET("/stats", a.stats)
	engine.GET("/routes", a.routes)
	engine.PATCH("/routes", a.patchRoute)
	engine.GET("/routes/metrics", a.routeMetrics)
	engine.GET("/services", a.services)
	engine.PUT("/services/:name/status", a.setServiceStatus)
	engine.POST("/keys", a.generateKey)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	return engine
}

type admin struct {
	gw     *gateway.Gateway
	logger observability.Logger
}

func (a *admin) health(c *gin.Context) {
	c.JSON(http.StatusOK, a.gw.HealthCheck())
}

func (a *admin) stats(c *gin.Context) {
	c.JSON(http.StatusOK, a.gw.Stats())
}

func (a *admin) routes(c *gin.Context) {
	c.JSON(http.StatusOK, a.gw.Routes())
}

func (a *admin) routeMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, a.gw.Metrics().Snapshots())
}

type routePatch struct {
	Path      string `json:"path" binding:"required"`
	Method    string `json:"method"`
	Enabled   *bool  `json:"enabled"`
	RateLimit *int   `json:"rateLimit"`
}

func (a *admin) patchRoute(c *gin.Context) {
	var body routePatch
	if err := c.ShouldBindJSON(&body); err != nil {
		a.fail(c, http.StatusBadRequest, err)
		return
	}

	patch := router.Patch{Enabled: body.Enabled, RateLimit: body.RateLimit}
	if err := a.gw.PatchRoute(body.Path, body.Method, patch); err != nil {
		a.fail(c, adminStatus(err), err)
		return
	}

	a.logger.Info("route updated by admin API",
		observability.String("path", body.Path),
		observability.String("method", body.Method),
	)
	c.Status(http.StatusNoContent)
}

func (a *admin) services(c *gin.Context) {
	reg := a.gw.Backends()
	out := make(map[string][]backend.Snapshot)
	for _, name := range reg.Names() {
		instances := reg.Instances(name)
		snaps := make([]backend.Snapshot, 0, len(instances))
		for _, svc := range instances {
			snaps = append(snaps, svc.Snapshot())
		}
		out[name] = snaps
	}
	c.JSON(http.StatusOK, out)
}

type statusUpdate struct {
	Address string `json:"address" binding:"required"`
	Status  string `json:"status" binding:"required"`
}

func (a *admin) setServiceStatus(c *gin.Context) {
	var body statusUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		a.fail(c, http.StatusBadRequest, err)
		return
	}

	status, err := backend.ParseStatus(body.Status)
	if err != nil {
		a.fail(c, http.StatusBadRequest, err)
		return
	}

	name := c.Param("name")
	if err := a.gw.SetServiceStatus(name, body.Address, status); err != nil {
		a.fail(c, adminStatus(err), err)
		return
	}

	a.logger.Info("instance status set by admin API",
		observability.String("service", name),
		observability.String("address", body.Address),
		observability.String("status", status.String()),
	)
	c.Status(http.StatusNoContent)
}

type keyRequest struct {
	ClientID string   `json:"clientId" binding:"required"`
	Scopes   []string `json:"scopes"`
}

func (a *admin) generateKey(c *gin.Context) {
	var body keyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		a.fail(c, http.StatusBadRequest, err)
		return
	}

	key, err := a.gw.Auth().Keys().Generate(body.ClientID, body.Scopes)
	if err != nil {
		a.fail(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key, "clientId": body.ClientID, "scopes": body.Scopes})
}

func (a *admin) fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "status": status})
}

func adminStatus(err error) int {
	switch {
	case errors.Is(err, util.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, util.ErrConfigInvalid), errors.Is(err, util.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
