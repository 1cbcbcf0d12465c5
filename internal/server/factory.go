package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/sdms-suite/sdms-idp/internal/account"
	"github.com/sdms-suite/sdms-idp/internal/config"
	"github.com/sdms-suite/sdms-idp/internal/issuer"
	"github.com/sdms-suite/sdms-idp/internal/provider"
	"github.com/sdms-suite/sdms-idp/internal/refresh"
	"github.com/sdms-suite/sdms-idp/internal/store"
)

// Server is the identity provider HTTP server along with the repositories
// that need periodic maintenance.
type Server struct {
	*http.Server
	RefreshTokens *refresh.Repository
}

func New(conf *config.Config, db *gorm.DB, providers map[string]provider.Interface) (*Server, error) {
	return newWithRegistry(conf, db, providers, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func newWithRegistry(conf *config.Config, db *gorm.DB, providers map[string]provider.Interface,
	promRegisterer prometheus.Registerer, promGatherer prometheus.Gatherer) (*Server, error) {

	iss, err := issuer.New(&conf.Tokens, &conf.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	st, err := store.New(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	accounts, err := account.NewRepository(db, &conf.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to create account repository: %w", err)
	}
	refreshTokens := refresh.NewRepository(db, conf.Tokens.RefreshToken)

	a := &api{
		conf:          conf,
		issuer:        iss,
		store:         st,
		accounts:      accounts,
		refreshTokens: refreshTokens,
		providers:     providers,
		metrics:       newMetrics(promRegisterer),
		now:           time.Now,
	}
	s := newServer(conf, newAPI(a), promRegisterer, promGatherer, st.Ping, accounts.Ping)
	return &Server{Server: s, RefreshTokens: refreshTokens}, nil
}
