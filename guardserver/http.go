package guardserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/policy_guard/internal/auth"
)

const projectKey = "project"

// NewHTTPHandler serves the JSON API:
//
//	POST /v1/guard/check  CheckRequest -> CheckResponse
//	GET  /v1/specs/:tool  published spec of a tool
//	GET  /healthz
func NewHTTPHandler(svc *Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			svc.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	h := &httpHandler{svc: svc}
	e.GET("/healthz", h.health)
	api := e.Group("/v1", h.authenticate)
	api.POST("/guard/check", h.check)
	api.GET("/specs/:tool", h.spec)
	return e
}

type httpHandler struct {
	svc *Service
}

func (h *httpHandler) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := auth.WithAuthorization(req.Context(), req.Header.Get(echo.HeaderAuthorization))
		project, err := h.svc.auth.Authenticate(ctx)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			h.svc.logger.Error("authentication failed", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "authentication failed")
		}
		c.Set(projectKey, project)
		return next(c)
	}
}

func (h *httpHandler) health(c echo.Context) error {
	status := map[string]any{"status": "ok", "tools": []string{}}
	if m := h.svc.Manifest(); m != nil {
		status["tools"] = m.ToolNames()
	}
	return c.JSON(http.StatusOK, status)
}

func (h *httpHandler) check(c echo.Context) error {
	var req CheckRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	project := c.Get(projectKey).(*auth.ProjectContext)
	resp, err := h.svc.Check(c.Request().Context(), project, &req, "http")
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *httpHandler) spec(c echo.Context) error {
	project := c.Get(projectKey).(*auth.ProjectContext)
	tool := c.Param("tool")
	spec, err := h.svc.Spec(c.Request().Context(), project, tool)
	if err != nil {
		h.svc.logger.Error("spec lookup failed", zap.String("tool", tool), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "spec lookup failed")
	}
	if spec == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no spec for tool "+tool)
	}
	return c.JSON(http.StatusOK, spec)
}
