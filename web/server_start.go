package web

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"copymesh/logger"
)

const shutdownGrace = 5 * time.Second

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func (s *Server) httpServer() *http.Server {
	return &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// 批量接口可能分多批请求上游
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Run 先绑定端口再服务，绑定失败立即返回；ctx 取消后优雅关闭
func (s *Server) Run(ctx context.Context, host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "web 服务监听失败")
	}
	return s.Serve(ctx, ln)
}

// Serve 在已有 listener 上服务
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := s.httpServer()
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ln)
	}()
	logger.Info("🌐 Web服务器启动在 http://%s", ln.Addr())

	select {
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "web 服务异常退出")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("❌ Web服务器关闭失败: %v", err)
		return err
	}
	logger.Info("✅ Web服务器已关闭")
	return nil
}
