package server

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"learning_path_generator/generator"
	"learning_path_generator/render"
)

//go:embed web/dist
var embeddedStatic embed.FS

type Server struct {
	store    *generator.Store
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	staticFS http.Handler
}

// New wires the HTTP surface over store. gatherer backs /metrics; nil uses the
// default registry.
func New(store *generator.Store, logger *zap.Logger, gatherer prometheus.Gatherer) (*Server, error) {
	if store == nil {
		return nil, errors.New("session store required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	sub, err := fs.Sub(embeddedStatic, "web/dist")
	if err != nil {
		return nil, err
	}

	return &Server{
		store:    store,
		logger:   logger,
		gatherer: gatherer,
		staticFS: http.FileServer(http.FS(sub)),
	}, nil
}

func (s *Server) Routes() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(s.logMiddleware())

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := e.Group("/api")
	api.POST("/sessions", s.handleSessionCreate)
	api.GET("/sessions/:id", s.handleSessionGet)
	api.POST("/sessions/:id/generate", s.handleGenerate)
	api.POST("/sessions/:id/cancel", s.handleCancel)
	api.GET("/sessions/:id/events", s.handleEvents)

	e.GET("/*", s.staticHandler())
	return e
}

func (s *Server) staticHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		if strings.HasPrefix(c.Request().URL.Path, "/api/") {
			return echo.ErrNotFound
		}
		// the file server maps "/" to index.html itself
		s.staticFS.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

// --- Handlers ---

type generateReq struct {
	GoogleAPIKey  string `json:"google_api_key"`
	YouTubeURL    string `json:"youtube_url"`
	SecondaryTool string `json:"secondary_tool"`
	DriveURL      string `json:"drive_url"`
	NotionURL     string `json:"notion_url"`
	Goal          string `json:"goal"`
}

type messageView struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	HTML    string `json:"html"`
}

type resultView struct {
	Title    string        `json:"title,omitempty"`
	Messages []messageView `json:"messages"`
}

type sessionResp struct {
	SessionID string            `json:"session_id"`
	State     any               `json:"state"`
	Busy      bool              `json:"busy"`
	Events    []generator.Event `json:"events"`
	Result    *resultView       `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Hint      string            `json:"hint,omitempty"`
}

type validationResp struct {
	Error string          `json:"error"`
	Field string          `json:"field"`
	Level generator.Level `json:"level"`
}

func (s *Server) handleSessionCreate(c echo.Context) error {
	sess := s.store.Create()
	return c.JSON(http.StatusCreated, s.sessionView(sess.Snapshot()))
}

func (s *Server) handleSessionGet(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.sessionView(sess.Snapshot()))
}

func (s *Server) handleGenerate(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	var req generateReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tool, err := generator.ParseSecondaryTool(req.SecondaryTool)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, validationResp{
			Error: err.Error(), Field: "secondary_tool", Level: generator.LevelError,
		})
	}
	form := generator.Form{
		GoogleAPIKey:  req.GoogleAPIKey,
		YouTubeURL:    req.YouTubeURL,
		SecondaryTool: tool,
		DriveURL:      req.DriveURL,
		NotionURL:     req.NotionURL,
		Goal:          req.Goal,
	}

	err = sess.Generate(form)
	var verr *generator.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.JSON(http.StatusUnprocessableEntity, validationResp{Error: verr.Message, Field: verr.Field, Level: verr.Level})
	case errors.Is(err, generator.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusAccepted, s.sessionView(sess.Snapshot()))
}

func (s *Server) handleCancel(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"cancelled": sess.Cancel()})
}

// handleEvents streams the current run's events via Server-Sent Events: the
// events so far first, then live ones until the run ends or the client leaves.
func (s *Server) handleEvents(c echo.Context) error {
	sess, err := s.session(c)
	if err != nil {
		return err
	}
	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	after := lastEventID(c)
	replay, live, stop := sess.Subscribe()
	defer stop()

	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, ev := range replay {
		if ev.Seq <= after {
			continue
		}
		if err := s.writeEvent(resp, ev); err != nil {
			return nil
		}
	}
	flusher.Flush()

	ctx := c.Request().Context()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := resp.Write([]byte(": keep-alive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, open := <-live:
			if !open {
				return nil
			}
			if err := s.writeEvent(resp, ev); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

// lastEventID is the seq a reconnecting EventSource already has; events up to
// it are not replayed.
func lastEventID(c echo.Context) int {
	v := c.Request().Header.Get("Last-Event-ID")
	if v == "" {
		v = c.QueryParam("after")
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type eventView struct {
	generator.Event
	Rendered []messageView `json:"rendered,omitempty"`
}

func (s *Server) writeEvent(w http.ResponseWriter, ev generator.Event) error {
	view := eventView{Event: ev}
	if ev.Kind == generator.EventResult {
		view.Rendered = s.renderMessages(ev.Messages)
	}
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
	return err
}

// --- Helpers ---

func (s *Server) session(c echo.Context) (*generator.Session, error) {
	sess, err := s.store.Get(c.Param("id"))
	if errors.Is(err, generator.ErrSessionNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return sess, err
}

func (s *Server) sessionView(snap generator.Snapshot) sessionResp {
	out := sessionResp{
		SessionID: snap.ID,
		State:     snap.State,
		Busy:      snap.Busy,
		Events:    snap.Events,
		Error:     snap.Error,
		Hint:      snap.Hint,
	}
	if out.Events == nil {
		out.Events = []generator.Event{}
	}
	if snap.Result != nil {
		out.Result = &resultView{Title: snap.Result.Title, Messages: s.renderMessages(snap.Result.Messages)}
	}
	return out
}

func (s *Server) renderMessages(msgs []generator.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		html, err := render.HTML(m.Content)
		if err != nil {
			s.logger.Warn("markdown render failed", zap.Error(err))
			html = ""
		}
		out = append(out, messageView{Role: m.Role, Content: m.Content, HTML: html})
	}
	return out
}

func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", code), zap.String("method", req.Method),
			zap.String("path", req.URL.Path), zap.Error(err))
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}

func (s *Server) logMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("path", v.URIPath),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	})
}
