package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"sonar-relay/internal/catalog"
	"sonar-relay/internal/config"
	"sonar-relay/internal/conversation"
	"sonar-relay/internal/models"
	"sonar-relay/internal/relay"
	"sonar-relay/internal/upstream"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
)

type Server struct {
	cfg      config.Config
	upstream *upstream.Client
	app      *echo.Echo
	address  string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, client *upstream.Client) (*Server, error) {
	if client == nil {
		return nil, errors.New("upstream client must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apiErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, echo.HeaderAccept},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))

	srv := &Server{
		cfg:      cfg,
		upstream: client,
		app:      e,
		address:  fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	slog.Info("starting server", "addr", s.address)

	// No WriteTimeout: streaming exchanges hold the response open for as long
	// as the upstream keeps producing; stalls are bounded by the relay's idle
	// timeout instead.
	httpServer := &http.Server{
		Addr:        s.address,
		Handler:     s.app,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler exposes the routing tree, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

func (s *Server) registerRoutes() {
	s.app.GET("/", s.handleRoot)
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/api/models", s.handleModels)
	s.app.POST("/api/chat", s.handleChat)
	s.app.POST("/api/search", s.handleSearch)
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, models.APIInfoResponse{
		Message: "conversational search relay",
		Status:  "running",
	})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, models.HealthResponse{
		Status:         "healthy",
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, models.ModelsResponse{Models: catalog.List()})
}

func (s *Server) handleChat(c echo.Context) error {
	var req models.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	// Both checks happen before any upstream call is attempted.
	if _, err := catalog.Lookup(req.Model); err != nil {
		return toHTTPError(err)
	}
	turns, err := conversation.Build(req.History, req.Query)
	if err != nil {
		return toHTTPError(err)
	}

	ctx := c.Request().Context()

	if !req.Stream {
		result, err := s.upstream.Chat(ctx, req.Model, turns, req.SearchOptions)
		if err != nil {
			slog.Error("chat exchange failed", "model", req.Model, "err", err)
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, relay.Collapse(result))
	}

	increments, err := s.upstream.ChatStream(ctx, req.Model, turns, req.SearchOptions)
	if err != nil {
		// Nothing has been written yet, so a plain error response is still
		// possible.
		slog.Error("chat stream open failed", "model", req.Model, "err", err)
		return toHTTPError(err)
	}

	return s.relayStream(c, increments)
}

// relayStream writes the outbound event stream as line-delimited JSON
// records. Once the first byte has flowed, failures surface as a terminal
// error event rather than a status change.
func (s *Server) relayStream(c echo.Context, increments <-chan upstream.Increment) error {
	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "application/x-ndjson")
	header.Set("Cache-Control", "no-cache")
	header.Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		flusher = nil
	}

	enc := json.NewEncoder(writer)
	sink := relay.SinkFunc(func(ev relay.Event) error {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write stream event: %w", err)
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})

	exchangeID := uuid.NewString()
	relay.Run(c.Request().Context(), exchangeID, increments, sink, s.cfg.Upstream.StreamIdleTimeout)
	return nil
}

func (s *Server) handleSearch(c echo.Context) error {
	var req models.SearchQuery
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if strings.TrimSpace(req.Query) == "" {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "query is required",
			Type:    "invalid_request_error",
		}
	}

	switch {
	case req.MaxResults == 0:
		req.MaxResults = 10
	case req.MaxResults < 1 || req.MaxResults > 50:
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "max_results must be between 1 and 50",
			Type:    "invalid_request_error",
		}
	}

	results, err := s.upstream.Search(c.Request().Context(), req.Query, req.MaxResults)
	if err != nil {
		slog.Error("search request failed", "err", err)
		return toHTTPError(err)
	}

	return c.JSON(http.StatusOK, models.SearchResponse{
		Query:   req.Query,
		Results: results,
	})
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func writeError(c echo.Context, status int, message, errType string) error {
	var payload errorBody
	payload.Error.Message = message
	payload.Error.Type = errType
	return c.JSON(status, payload)
}

func apiErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		// Bytes have flowed; the relay already surfaced the failure in-stream.
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}

	var echoErr *echo.HTTPError
	if errors.As(err, &echoErr) {
		_ = writeError(c, echoErr.Code, fmt.Sprintf("%v", echoErr.Message), "invalid_request_error")
		return
	}

	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error")
}

// toHTTPError maps domain failures to the outbound taxonomy: caller mistakes
// become 400s before any upstream call, everything else is an upstream
// failure terminal to this exchange only.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	if errors.Is(err, catalog.ErrUnknownModel) ||
		errors.Is(err, conversation.ErrEmptyQuery) ||
		errors.Is(err, conversation.ErrInvalidRole) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: err.Error(),
			Type:    "invalid_request_error",
		}
	}

	return requestError{
		Status:  http.StatusBadGateway,
		Message: "upstream provider error",
		Type:    "upstream_error",
	}
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("sonar-relay ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /api/models")
	fmt.Println("  POST /api/chat")
	fmt.Println("  POST /api/search")
	fmt.Printf("Example:\n  curl http://%s:%d/api/chat -H 'Content-Type: application/json' -d '{\"history\":[],\"query\":\"hello\",\"model\":\"sonar\"}'\n\n", host, port)
}
