package hooks

import (
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/User-W-20/StreamGate/pkg/logging"
	"github.com/User-W-20/StreamGate/pkg/monitoring"
)

// Controller terminates the hook HTTP surface. Each handler writes
// exactly one response: the first of the use-case callback or the
// timeout wins, and the loser's delivery is dropped.
type Controller struct {
	usecase *UseCase
	timeout time.Duration
	logger  logging.Logger

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewController creates the controller. timeout bounds how long an
// async decision may take; metrics may be nil.
func NewController(usecase *UseCase, timeout time.Duration, logger logging.Logger, metrics *monitoring.MetricsCollector) *Controller {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &Controller{usecase: usecase, timeout: timeout, logger: logger}
	if metrics != nil {
		c.requests, c.duration = metrics.CreateHookMetrics()
	}
	return c
}

// Register mounts the hook routes. Only POST is accepted; the path
// determines the action regardless of the body.
func (c *Controller) Register(r gin.IRouter) {
	group := r.Group("/index/hook")
	for _, action := range []Action{
		ActionPublish,
		ActionPlay,
		ActionPublishDone,
		ActionPlayDone,
		ActionStreamNoneReader,
		ActionStreamNotFound,
	} {
		group.POST("/"+action.String(), c.handle(action))
	}
}

func (c *Controller) handle(action Action) gin.HandlerFunc {
	return func(g *gin.Context) {
		start := time.Now()

		body, err := io.ReadAll(g.Request.Body)
		if err != nil {
			c.write(g, action, start, Deny(ResultInvalidFormat, "unreadable body"))
			return
		}
		req, err := ParseRequest(body)
		if err != nil {
			c.write(g, action, start, Deny(ResultInvalidFormat, "invalid hook format"))
			return
		}
		req.Action = action

		switch action {
		case ActionPublish:
			c.await(g, action, start, req, c.usecase.ProcessPublish)
		case ActionPlay:
			c.await(g, action, start, req, c.usecase.ProcessPlay)
		case ActionPublishDone, ActionStreamNoneReader:
			// A stream nobody watches ends the same way a finished
			// publish does.
			c.write(g, action, start, c.usecase.ProcessPublishDone(req))
		case ActionPlayDone:
			c.write(g, action, start, c.usecase.ProcessPlayDone(req))
		case ActionStreamNotFound:
			// Informational only; the media server handles the miss.
			c.write(g, action, start, Allow())
		default:
			c.write(g, action, start, Deny(ResultUnsupportedAction, "unsupported action"))
		}
	}
}

// await runs an asynchronous use case and waits for its decision up to
// the configured timeout.
func (c *Controller) await(g *gin.Context, action Action, start time.Time, req *Request, fn func(*Request, func(Decision))) {
	done := make(chan Decision, 1)
	var once sync.Once
	fn(req, func(d Decision) {
		once.Do(func() { done <- d })
	})

	select {
	case d := <-done:
		c.write(g, action, start, d)
	case <-time.After(c.timeout):
		if c.logger != nil {
			c.logger.WithField("action", action.String()).
				WithField("stream", req.StreamKey()).
				Warn("Hook decision timed out")
		}
		c.write(g, action, start, Deny(ResultTimeout, "processing"))
	}
}

func (c *Controller) write(g *gin.Context, action Action, start time.Time, d Decision) {
	g.JSON(d.Result.HTTPStatus(), d.Response())

	if c.requests != nil {
		c.requests.WithLabelValues(action.String(), resultLabel(d.Result)).Inc()
	}
	if c.duration != nil {
		c.duration.WithLabelValues(action.String()).Observe(time.Since(start).Seconds())
	}
}

func resultLabel(r Result) string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultAuthDenied:
		return "denied"
	case ResultInvalidFormat:
		return "invalid"
	case ResultUnsupportedAction:
		return "unsupported"
	case ResultTimeout:
		return "timeout"
	case ResultNotReady:
		return "not_ready"
	default:
		return "error"
	}
}
