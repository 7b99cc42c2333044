package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/Raimguzhinov/davstore/internal/auth"
	"github.com/Raimguzhinov/davstore/internal/config"
	mwLogger "github.com/Raimguzhinov/davstore/internal/delivery/http/middleware/logger"
	v1 "github.com/Raimguzhinov/davstore/internal/delivery/http/v1"
	"github.com/Raimguzhinov/davstore/internal/usecase"
	"github.com/Raimguzhinov/davstore/pkg/logger"
)

type useCases struct {
	put   *usecase.PutUseCase
	del   *usecase.DeleteUseCase
	query *usecase.QueryUseCase
}

func SetupRouter(
	l *logger.Logger,
	cfg *config.Config,
	uc useCases,
	authProvider auth.AuthProvider,
	rights auth.Rights,
) http.Handler {
	s := chi.NewRouter()
	s.Use(middleware.RequestID)
	s.Use(mwLogger.New(l))
	s.Use(middleware.Recoverer)
	s.Use(corsMiddleware(cfg))
	s.Use(authProvider.Middleware())

	v1.NewRouter(s, l, uc.put, uc.del, uc.query, rights)

	return s
}

func corsMiddleware(cfg *config.Config) func(http.Handler) http.Handler {
	c := cfg.HTTP.CORS
	return cors.New(cors.Options{
		AllowedOrigins:     c.AllowedOrigins,
		AllowedMethods:     c.AllowedMethods,
		AllowedHeaders:     c.AllowedHeaders,
		ExposedHeaders:     c.ExposedHeaders,
		AllowCredentials:   c.AllowCredentials,
		OptionsPassthrough: c.OptionsPassthrough,
		Debug:              c.Debug,
	}).Handler
}
