package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/choraleia/chromepool/pkg/browser"
	"github.com/choraleia/chromepool/pkg/cdp"
	"github.com/choraleia/chromepool/pkg/models"
	"github.com/choraleia/chromepool/pkg/pool"
	"github.com/choraleia/chromepool/pkg/utils"
)

// BrowserHandler exposes the pool over HTTP.
type BrowserHandler struct {
	manager  *pool.Manager
	defaults browser.Config
	logger   *slog.Logger
}

// NewBrowserHandler creates a new browser handler. defaults supplies the
// headless flag and args for requests that omit them.
func NewBrowserHandler(manager *pool.Manager, defaults browser.Config) *BrowserHandler {
	return &BrowserHandler{
		manager:  manager,
		defaults: defaults,
		logger:   utils.GetLogger(),
	}
}

// RegisterRoutes registers browser routes
func (h *BrowserHandler) RegisterRoutes(r *gin.RouterGroup) {
	browsers := r.Group("/browsers")
	{
		browsers.POST("", h.Launch)
		browsers.GET("", h.ListBrowsers)
		browsers.GET("/:id", h.GetBrowser)
		browsers.DELETE("/:id", h.CloseBrowser)

		browsers.POST("/:id/pages", h.OpenPage)
		browsers.GET("/:id/pages", h.ListPages)
		browsers.DELETE("/:id/pages/:pageId", h.ClosePage)
		browsers.POST("/:id/pages/:pageId/navigate", h.Navigate)
		browsers.POST("/:id/pages/:pageId/evaluate", h.Evaluate)
		browsers.POST("/:id/pages/:pageId/wait", h.WaitForSelector)
		browsers.GET("/:id/pages/:pageId/html", h.GetHTML)
	}
	r.GET("/history", h.History)
}

// LaunchRequest selects a browser configuration. Omitted fields take the
// server defaults.
type LaunchRequest struct {
	Executable string   `json:"executable"`
	Headless   *bool    `json:"headless"`
	Debug      bool     `json:"debug"`
	Args       []string `json:"args"`
}

type NavigateRequest struct {
	URL       string `json:"url" binding:"required"`
	TimeoutMS int    `json:"timeout_ms"`
}

type EvaluateRequest struct {
	Expression string `json:"expression" binding:"required"`
	TimeoutMS  int    `json:"timeout_ms"`
}

type WaitRequest struct {
	Selector  string `json:"selector" binding:"required"`
	TimeoutMS int    `json:"timeout_ms"`
}

// PageInfo describes an open page session.
type PageInfo struct {
	ID        string            `json:"id"`
	BrowserID string            `json:"browser_id"`
	URL       string            `json:"url"`
	State     browser.PageState `json:"state"`
}

// EvaluateResponse carries the JSON value of an expression; null for
// undefined.
type EvaluateResponse struct {
	Value json.RawMessage `json:"value"`
}

func pageInfo(p *browser.Page) PageInfo {
	return PageInfo{ID: p.ID, BrowserID: p.Instance().ID, URL: p.URL(), State: p.State()}
}

func (h *BrowserHandler) config(req LaunchRequest) browser.Config {
	cfg := h.defaults.Clone()
	if req.Executable != "" {
		cfg.Executable = req.Executable
	}
	if req.Headless != nil {
		cfg.Headless = *req.Headless
	}
	cfg.Debug = req.Debug
	if req.Args != nil {
		cfg.Args = append(cfg.Args, req.Args...)
	}
	return cfg
}

// requestContext bounds ctx by timeoutMS when positive.
func requestContext(c *gin.Context, timeoutMS int) (context.Context, context.CancelFunc) {
	if timeoutMS > 0 {
		return context.WithTimeout(c.Request.Context(), time.Duration(timeoutMS)*time.Millisecond)
	}
	return context.WithCancel(c.Request.Context())
}

// statusFor maps pool and protocol errors to HTTP status codes.
func statusFor(err error) int {
	var (
		launchErr *browser.LaunchError
		evalErr   *browser.EvaluationError
		navErr    *browser.NavigationError
		protoErr  *cdp.ProtocolError
	)
	switch {
	case errors.Is(err, pool.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &launchErr):
		return http.StatusBadGateway
	case errors.As(err, &navErr), errors.As(err, &evalErr):
		return http.StatusUnprocessableEntity
	case cdp.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, cdp.ErrDisconnected):
		return http.StatusGone
	case errors.As(err, &protoErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *BrowserHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Browser request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	c.JSON(status, models.Response{Code: status, Message: err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.Response{Code: 400, Message: "Invalid request: " + err.Error()})
}

// Launch returns the pooled browser for the requested configuration,
// starting one if none is live.
func (h *BrowserHandler) Launch(c *gin.Context) {
	var req LaunchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	inst, err := h.manager.GetOrLaunch(c.Request.Context(), h.config(req))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: inst.Snapshot()})
}

func (h *BrowserHandler) ListBrowsers(c *gin.Context) {
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: h.manager.List()})
}

func (h *BrowserHandler) GetBrowser(c *gin.Context) {
	inst, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: inst.Snapshot()})
}

func (h *BrowserHandler) CloseBrowser(c *gin.Context) {
	if err := h.manager.Close(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "Closed"})
}

func (h *BrowserHandler) OpenPage(c *gin.Context) {
	inst, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	p, err := inst.OpenPage(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.Response{Code: 200, Message: "Created", Data: pageInfo(p)})
}

func (h *BrowserHandler) ListPages(c *gin.Context) {
	inst, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	pages := inst.Pages()
	out := make([]PageInfo, 0, len(pages))
	for _, p := range pages {
		out = append(out, pageInfo(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: out})
}

func (h *BrowserHandler) page(c *gin.Context) (*browser.Page, bool) {
	p, err := h.manager.Page(c.Param("id"), c.Param("pageId"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return p, true
}

func (h *BrowserHandler) ClosePage(c *gin.Context) {
	p, ok := h.page(c)
	if !ok {
		return
	}
	if err := p.Close(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "Closed"})
}

func (h *BrowserHandler) Navigate(c *gin.Context) {
	var req NavigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := h.page(c)
	if !ok {
		return
	}
	ctx, cancel := requestContext(c, req.TimeoutMS)
	defer cancel()
	if err := p.Navigate(ctx, req.URL); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: pageInfo(p)})
}

func (h *BrowserHandler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := h.page(c)
	if !ok {
		return
	}
	ctx, cancel := requestContext(c, req.TimeoutMS)
	defer cancel()
	raw, err := p.Evaluate(ctx, req.Expression)
	if err != nil {
		h.fail(c, err)
		return
	}
	if raw == nil {
		raw = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: EvaluateResponse{Value: raw}})
}

func (h *BrowserHandler) WaitForSelector(c *gin.Context) {
	var req WaitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, ok := h.page(c)
	if !ok {
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if err := p.WaitForSelector(c.Request.Context(), req.Selector, timeout); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK"})
}

func (h *BrowserHandler) GetHTML(c *gin.Context) {
	p, ok := h.page(c)
	if !ok {
		return
	}
	html, err := p.HTML(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(html))
}

// History returns persisted instance records, newest first.
func (h *BrowserHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := h.manager.History(limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if records == nil {
		records = []models.BrowserInstanceRecord{}
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: records})
}
