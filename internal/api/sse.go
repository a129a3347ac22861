package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"casa/internal/service"
)

// sseStream 第一个事件到达时才写响应头，之前的错误仍按 JSON 返回
type sseStream struct {
	c       *gin.Context
	started bool
}

func newSSEStream(c *gin.Context) *sseStream {
	return &sseStream{c: c}
}

func (s *sseStream) emit(ev service.Event) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	if !s.started {
		s.started = true
		h := s.c.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.c.Status(http.StatusOK)
	}
	s.c.SSEvent(ev.Type, ev.Data)
	s.c.Writer.Flush()
	return nil
}

// finish 流已开始时错误以 error 事件下发
func (s *sseStream) finish(log *zap.Logger, err error) {
	if err == nil {
		return
	}
	if !s.started {
		writeError(s.c, log, err)
		return
	}
	if s.c.Request.Context().Err() != nil {
		return
	}
	status := statusOf(err)
	s.c.SSEvent("error", errorBody(err, status))
	s.c.Writer.Flush()
}
