// Package server 提供 http-01 挑战响应、健康检查与指标接口，以及可选的 HTTPS 监听
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"acme-manager/internal/challenge"
	"acme-manager/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

// Health 健康检查使用的状态
type Health interface {
	IsPlaceholder() bool
}

// Server 挑战服务器
type Server struct {
	addr    string
	handler http.Handler
	logger  *zap.Logger
}

// New 创建挑战服务器，监听 port 端口
func New(port int, tokens *challenge.TokenStore, m *metrics.Metrics, health Health, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("server")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(http01.ChallengePath("{token}"), func(w http.ResponseWriter, req *http.Request) {
		token := chi.URLParam(req, "token")
		content, ok := tokens.Lookup(token)
		if !ok {
			logger.Debug("未知的挑战 token", zap.String("token", token))
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(content))
	})

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if health != nil && health.IsPlaceholder() {
			http.Error(w, "waiting for certificate", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	return &Server{
		addr:    net.JoinHostPort("", strconv.Itoa(port)),
		handler: r,
		logger:  logger,
	}
}

// Handler 返回路由
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run 启动 HTTP 服务直到 ctx 结束
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("挑战服务器已启动", zap.String("addr", s.addr))
	return serve(ctx, srv, s.logger, srv.ListenAndServe)
}

// RunTLS 在 addr 上启动 HTTPS 服务，证书来自 tlsConfig.GetCertificate
func RunTLS(ctx context.Context, addr string, tlsConfig *tls.Config, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("HTTPS 服务已启动", zap.String("addr", addr))
	return serve(ctx, srv, logger, func() error {
		return srv.ListenAndServeTLS("", "")
	})
}

func serve(ctx context.Context, srv *http.Server, logger *zap.Logger, listen func() error) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- listen()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("监听 %s 失败: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭服务失败", zap.String("addr", srv.Addr), zap.Error(err))
	}
	return nil
}
