// Package api exposes the alarm engine over HTTP with gin.
//
// Callers identify themselves with the X-User-ID header. Every reply uses the
// {code, data, message} envelope.
package api

import (
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	logx "alarmd/pkg/logx"
)

const (
	HeaderUserID = "X-User-ID"
	ctxUserID    = "userID"
)

// Option tunes NewRouter and NewServer.
type Option func(*options)

type options struct {
	pprof bool
}

// WithPprof mounts the runtime profiler under /debug/pprof without the user
// header requirement.
func WithPprof(enabled bool) Option { return func(o *options) { o.pprof = enabled } }

// NewRouter builds the gin engine with every route registered.
func NewRouter(eng Engine, log logx.Logger, opts ...Option) *gin.Engine {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(recovery(log), requestLog(log))
	Routes(r, eng)
	if o.pprof {
		registerPprof(r)
	}
	return r
}

// Routes registers the /api/v1 routes on r.
func Routes(r *gin.Engine, eng Engine) {
	h := &handler{eng: eng, started: time.Now()}

	public := r.Group("/api/v1")
	{
		public.GET("/health", h.health)
	}

	protected := r.Group("/api/v1")
	protected.Use(requireUser())
	{
		alarms := protected.Group("/alarms")
		{
			alarms.GET("", h.listAlarms)
			alarms.POST("", h.createAlarm)
			alarms.GET("/:id", h.getAlarm)
			alarms.PUT("/:id", h.updateAlarm)
			alarms.DELETE("/:id", h.deleteAlarm)
			alarms.POST("/:id/snooze", h.snoozeAlarm)
			alarms.POST("/:id/dismiss", h.dismissAlarm)
			alarms.GET("/:id/next", h.nextOccurrence)
			alarms.GET("/:id/events", h.alarmEvents)
		}
		protected.GET("/events", h.events)
	}
}

func requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if user == "" {
			fail(c, CodeUnauthorized, "missing "+HeaderUserID+" header")
			return
		}
		c.Set(ctxUserID, user)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	log = log.With(logx.String("comp", "http"))
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		}
		if user := userID(c); user != "" {
			fields = append(fields, logx.String("user", user))
		}
		if c.Writer.Status() >= 500 {
			log.Warn("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, rec any) {
		log.Error("http handler panic", logx.String("path", c.FullPath()), logx.Any("panic", rec))
		fail(c, CodeInternalFailed, "internal error")
	})
}
