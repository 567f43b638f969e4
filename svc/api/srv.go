package api

import (
	"context"
	"net/http"
	"sharezone/cfg"
	"sharezone/svc/db"
	"sharezone/svc/lim"
	"sharezone/svc/svc"
	"sharezone/svc/util"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	files      *svc.Files
	shares     *svc.Shares
	downloads  *svc.Downloads
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	httpServer *http.Server
}

func NewServer(c *cfg.Cfg, files *svc.Files, shares *svc.Shares, downloads *svc.Downloads, l *lim.Limiter, sqlDB *db.SQLite, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(l, c)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		s := &Server{db: sqlDB, rdb: rdb, cfg: c}
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	r.Mount("/debug", middleware.Profiler())

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.AnomalyDetection)
		hdl := &Hdl{files: files, shares: shares, downloads: downloads, cfg: c}
		r.With(mw.RateLimit("upload")).Post("/files", hdl.UploadFile)
		r.With(mw.RateLimit("view")).Get("/files", hdl.ListFiles)
		r.With(mw.RateLimit("view")).Delete("/files/{id}", hdl.DeleteFile)
		r.With(mw.RateLimit("download")).Get("/files/{id}/download", hdl.DownloadFile)
		r.With(mw.RateLimit("share")).Post("/files/{id}/share", hdl.CreateShare)
		r.With(mw.RateLimit("share")).Delete("/files/{id}/share", hdl.RevokeShare)
		r.With(mw.RateLimit("view")).Get("/share/{shareID}", hdl.ShareStatus)
		r.With(mw.RateLimit("download")).Post("/share/{shareID}/download", hdl.ShareDownload)
	})
	s := &Server{
		router:    r,
		files:     files,
		shares:    shares,
		downloads: downloads,
		lim:       l,
		cfg:       c,
		db:        sqlDB,
		rdb:       rdb,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   60 * time.Second,
			IdleTimeout:    120 * time.Second,
			MaxHeaderBytes: 256 * 1024,
		},
	}
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
