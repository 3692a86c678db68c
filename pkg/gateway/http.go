package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"ollama-acp/pkg/action"
)

const maxBodyBytes = 1 << 20 // 1 MiB

type requestError struct {
	Status  int
	Message string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Service) newRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("HTTP request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			)
			return nil
		},
	}))

	e.GET("/healthz", s.handleHealth)
	e.GET("/readyz", s.handleReady)
	e.GET("/v1/describe", s.handleDescribe)
	e.GET("/v1/config_schema", s.handleConfigSchema)
	e.POST("/v1/process", s.handleProcess)

	return e
}

func (s *Service) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(c echo.Context) error {
	if !s.isReady() {
		return c.JSON(http.StatusServiceUnavailable, s.currentStatus("not_ready"))
	}
	return c.JSON(http.StatusOK, s.currentStatus("ready"))
}

func (s *Service) handleDescribe(c echo.Context) error {
	return c.JSON(http.StatusOK, s.plugin.Describe())
}

func (s *Service) handleConfigSchema(c echo.Context) error {
	return c.JSONBlob(http.StatusOK, s.plugin.ConfigSchema())
}

// handleProcess runs one action. Caller mistakes come back as 200 with an
// {"error": ...} body, the same shape the plugin returns; infrastructure
// faults map to 413 for oversized bodies, 400 for unreadable input and
// 502 otherwise.
func (s *Service) handleProcess(c echo.Context) error {
	req := c.Request()
	defer req.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		return requestError{Status: status, Message: fmt.Sprintf("read request body: %v", err)}
	}
	if len(body) == 0 {
		return requestError{Status: http.StatusBadRequest, Message: "request body is required"}
	}

	result, err := s.plugin.Process(req.Context(), body)
	if err != nil {
		if errors.Is(err, action.ErrInvalidInput) {
			return requestError{Status: http.StatusBadRequest, Message: err.Error()}
		}
		return requestError{Status: http.StatusBadGateway, Message: err.Error()}
	}

	return c.JSON(http.StatusOK, result)
}

func (s *Service) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = c.JSON(reqErr.Status, errorBody{Error: reqErr.Message})
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = c.JSON(httpErr.Code, errorBody{Error: fmt.Sprint(httpErr.Message)})
		return
	}

	s.log.Error("Unhandled HTTP error", "error", err)
	_ = c.JSON(http.StatusInternalServerError, errorBody{Error: "internal server error"})
}
