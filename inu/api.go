package inu

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix    = "/debug"
	apiPrefix      = "/api"
	apiHealthCheck = "/healthz"

	apiPathTags        = "/tags"
	apiPathTag         = "/tags/:scope/:name"
	apiPathTagsReindex = "/tags/reindex"
	apiPathUsage       = "/usage"
	apiPathCompact     = "/backend/compact"

	xRequestIDHeader = "X-Request-ID"

	// apiActorID is the actor recorded for mutations made through the
	// API. It's granted moderator capability in every scope.
	apiActorID = "api"

	// maxAPITags caps the tags returned by a single list request
	maxAPITags = 1000
)

var structValidator = validator.New()

func init() {
	structValidator.SetTagName("binding")
}

// API is the admin HTTP server. Every route but the health check
// requires a bearer token matching [APIConfig.TokenHash].
type API struct {
	config      *APIConfig
	httpServer  *http.Server
	listener    net.Listener
	engine      *gin.Engine
	bot         *Bot
	authLimiter *rate.Limiter
	logger      *slog.Logger

	// sha256 of the last token that passed verification
	verifiedToken atomic.Pointer[[sha256.Size]byte]
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type usageQuery struct {
	Guild string `form:"guild"`
	N     int    `form:"n" binding:"omitempty,min=1,max=1000"`
}

type tagsQuery struct {
	Scope string `form:"scope"`
	Owner string `form:"owner"`
}

type tagsResponse struct {
	Tags      []Tag `json:"tags"`
	Truncated bool  `json:"truncated"`
}

// newAPI builds the gin engine and http server for the given bot. The
// listener isn't opened until Serve is called.
func newAPI(b *Bot, config *APIConfig, logger *slog.Logger) (*API, error) {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:      config,
		engine:      r,
		bot:         b,
		authLimiter: rate.NewLimiter(rate.Limit(DefaultAPIAuthAttemptsPerSecond), 1),
		logger:      logger.With(loggerNameKey, "api"),
	}

	tlsCfg, err := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(api.logger.Handler(), slog.LevelWarn),
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathTags, api.listTags)
	protected.POST(apiPathTagsReindex, api.reindexTags)
	protected.GET(apiPathTag, api.getTag)
	protected.DELETE(apiPathTag, api.deleteTag)
	protected.GET(apiPathUsage, api.getUsage)
	protected.POST(apiPathCompact, api.compactBackend)

	return api, nil
}

// Serve listens on the configured address and serves until the server
// is shut down. TLS is used if a cert is configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "serving api", "addr", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// healthCheck reports system info. It returns 503 until the bot is
// running.
func (a *API) healthCheck(c *gin.Context) {
	info := a.bot.SystemInfo()
	status := http.StatusOK
	if !a.bot.Running() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, info)
}

func (a *API) listTags(c *gin.Context) {
	logger := ginContextLogger(c)
	var q tagsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	tags := a.bot.tags.All(c)
	if q.Scope != "" {
		scope, err := ParseScope(q.Scope)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		tags = a.bot.tags.List(c, scope, q.Owner)
	}

	resp := tagsResponse{Tags: []Tag{}}
	for tag, err := range tags {
		if err != nil {
			logger.Error("error listing tags", tint.Err(err))
			ginReplyError(c, err.Error())
			return
		}
		if q.Owner != "" && tag.Owner != q.Owner {
			continue
		}
		if len(resp.Tags) == maxAPITags {
			resp.Truncated = true
			break
		}
		resp.Tags = append(resp.Tags, tag)
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) getTag(c *gin.Context) {
	scope, err := ParseScope(c.Param("scope"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	tag, err := a.bot.tags.Get(c, scope, c.Param("name"))
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, tag)
}

func (a *API) deleteTag(c *gin.Context) {
	logger := ginContextLogger(c)
	scope, err := ParseScope(c.Param("scope"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	name := c.Param("name")
	if err = a.bot.tags.Remove(c, scope, name, apiActorID); err != nil {
		ginReplyStoreError(c, err)
		return
	}
	logger.Info("removed tag", "scope", scope, "name", name)
	ginReplyMessage(c, "removed")
}

func (a *API) reindexTags(c *gin.Context) {
	report, err := a.bot.tags.Reindex(c)
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) getUsage(c *gin.Context) {
	var q usageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	top, err := a.bot.usage.Top(c, q.Guild, q.N)
	if err != nil {
		ginReplyStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, top)
}

func (a *API) compactBackend(c *gin.Context) {
	comp, ok := compactor(a.bot.backend)
	if !ok {
		c.AbortWithStatusJSON(
			http.StatusConflict,
			httpError{Error: "backend doesn't support compaction"},
		)
		return
	}
	if err := comp.Compact(c); err != nil {
		ginReplyStoreError(c, err)
		return
	}
	ginReplyMessage(c, "compacted")
}

// authMiddleware rejects requests without a valid bearer token. Token
// hashes are only verified while the limiter allows it, and the last
// verified token is remembered so it skips verification.
func authMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" || a.config.TokenHash == "" {
			logger.Warn("missing bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		digest := sha256.Sum256([]byte(token))
		if known := a.verifiedToken.Load(); known != nil &&
			subtle.ConstantTimeCompare(known[:], digest[:]) == 1 {
			c.Next()
			return
		}

		if !a.authLimiter.Allow() {
			logger.Warn("too many auth attempts")
			c.Header("Retry-After", strconv.Itoa(1))
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}

		valid, err := verifyPassword(a.config.TokenHash, token)
		if err != nil {
			logger.Error("error verifying token", tint.Err(err))
		}
		if !valid {
			logger.Warn("invalid bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		a.verifiedToken.Store(&digest)
		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request, and sets it as the
// X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests, with their duration and any errors
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// ginReplyStoreError maps tag store and backend errors to HTTP statuses
func ginReplyStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "not found"})
	case errors.Is(err, ErrInvalid):
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
	case errors.Is(err, ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, httpError{Error: "forbidden"})
	case errors.Is(err, ErrNameTaken), errors.Is(err, ErrConflict):
		c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: err.Error()})
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, context.DeadlineExceeded):
		_ = c.Error(err)
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: "storage unavailable"},
		)
	default:
		_ = c.Error(err)
		ginReplyError(c, "internal error")
	}
}
