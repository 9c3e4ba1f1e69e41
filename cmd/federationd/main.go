package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openmeet/federation/pkg/accounts"
	"github.com/openmeet/federation/pkg/attr"
	"github.com/openmeet/federation/pkg/cache"
	"github.com/openmeet/federation/pkg/config"
	"github.com/openmeet/federation/pkg/federation"
	ldapfed "github.com/openmeet/federation/pkg/federation/ldap"
	oidcfed "github.com/openmeet/federation/pkg/federation/oidc"
	samlfed "github.com/openmeet/federation/pkg/federation/saml"
	shibfed "github.com/openmeet/federation/pkg/federation/shibboleth"
	"github.com/openmeet/federation/pkg/httputil"
	"github.com/openmeet/federation/pkg/observability"
	"github.com/openmeet/federation/pkg/principal"
	"github.com/openmeet/federation/pkg/ratelimit"
	"github.com/openmeet/federation/pkg/roles"
	"github.com/openmeet/federation/pkg/session"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	cacheBackend, err := buildCache(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}

	rulesStore, err := roles.NewStore(cfg.Federation.RulesFile)
	if err != nil {
		log.Fatalf("Failed to load role rules: %v", err)
	}

	attributeMaps, err := config.LoadAttributeMaps(cfg.Federation.AttributeMapFile)
	if err != nil {
		log.Fatalf("Failed to load attribute maps: %v", err)
	}

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	accountStore, err := accounts.NewPostgresStore(db)
	if err != nil {
		log.Fatalf("Failed to initialize account store: %v", err)
	}
	sessionStore := session.NewMemoryStore()
	correlationStore, err := session.NewPostgresCorrelationStore(db)
	if err != nil {
		log.Fatalf("Failed to initialize correlation store: %v", err)
	}

	defaults := principal.Defaults{
		Locale:   cfg.Federation.DefaultLocale,
		Timezone: cfg.Federation.DefaultTimezone,
	}
	gateway := federation.NewGateway(federation.GatewayConfig{
		Accounts:     accountStore,
		Sessions:     sessionStore,
		Correlations: correlationStore,
		Rules:        rulesStore,
		DefaultResolve: principal.ResolveConfig{
			Mandatory: cfg.Federation.MandatoryAttributes,
			Defaults:  defaults,
		},
		Resolve: map[federation.Protocol]principal.ResolveConfig{
			federation.ProtocolShibboleth: {
				IdentityAttribute: attr.AttrUsername,
				Mandatory:         cfg.Federation.MandatoryAttributes,
				Defaults:          defaults,
			},
		},
		Metrics:             metrics,
		Logger:              logger,
		LogSuccessfulLogins: cfg.Observability.LogSuccessfulLogins,
		LogFailedLogins:     cfg.Observability.LogFailedLogins,
	})

	httpClient := httputil.NewClient(cfg.Federation.ConnectTimeout, cfg.Federation.RequestTimeout)

	handlersCfg := federation.HandlersConfig{
		Gateway:            gateway,
		ErrorRedirectURL:   cfg.Federation.ErrorRedirectURL,
		SuccessRedirectURL: cfg.Federation.SuccessRedirectURL,
		Logger:             logger,
	}

	if cfg.Federation.LoginRateLimit > 0 {
		redisCache, ok := cacheBackend.(*cache.RedisCache)
		if !ok {
			log.Fatalf("Login rate limiting requires the redis cache backend")
		}
		limiter := ratelimit.NewLimiter(redisCache.Client(), ratelimit.Config{
			AttemptsPerWindow: cfg.Federation.LoginRateLimit,
			WindowDuration:    cfg.Federation.LoginRateWindow,
			FailOpen:          true,
		}, logger)
		handlersCfg.LoginLimiter = limiter.Middleware
	}

	if cfg.LDAP.Enabled {
		adapter, err := ldapfed.NewAdapter(ldapfed.Config{
			URL:                  cfg.LDAP.URL,
			BindDN:               cfg.LDAP.BindDN,
			BindPassword:         cfg.LDAP.BindPassword,
			BaseDN:               cfg.LDAP.BaseDN,
			ObjectClass:          cfg.LDAP.ObjectClass,
			LoginAttribute:       cfg.LDAP.LoginAttribute,
			AttributeMap:         attributeMaps.LDAP,
			SyncAttributesAsUser: cfg.LDAP.SyncAttributesAsUser,
			ConnectTimeout:       cfg.Federation.ConnectTimeout,
			RequestTimeout:       cfg.Federation.RequestTimeout,
		}, gateway.Resolver(), logger)
		if err != nil {
			log.Fatalf("Failed to initialize LDAP adapter: %v", err)
		}
		gateway.RegisterAdapter(adapter)
	}

	if cfg.OIDC.Enabled {
		adapter, err := oidcfed.NewAdapter(oidcfed.Config{
			Issuer:                cfg.OIDC.Issuer,
			ClientID:              cfg.OIDC.ClientID,
			ClientSecret:          cfg.OIDC.ClientSecret,
			RedirectURL:           cfg.OIDC.RedirectURL,
			Scopes:                cfg.OIDC.Scopes,
			AttributeMap:          attributeMaps.OIDC,
			PostLogoutRedirectURI: cfg.OIDC.PostLogoutRedirectURI,
			DiscoveryTTL:          cfg.Federation.DiscoveryCacheTTL,
		}, cacheBackend, sessionStore, httpClient, metrics, logger)
		if err != nil {
			log.Fatalf("Failed to initialize OIDC adapter: %v", err)
		}
		gateway.RegisterAdapter(adapter)
		handlersCfg.OIDCInitiator = adapter
	}

	if cfg.SAML.Enabled {
		samlCfg, err := loadSAMLConfig(cfg, attributeMaps.SAML)
		if err != nil {
			log.Fatalf("Failed to load SAML configuration: %v", err)
		}
		adapter, err := samlfed.NewAdapter(samlCfg, sessionStore, logger)
		if err != nil {
			log.Fatalf("Failed to initialize SAML adapter: %v", err)
		}
		gateway.RegisterAdapter(adapter)
		handlersCfg.SAMLInitiator = adapter
		handlersCfg.SAMLCompleter = adapter
	}

	if cfg.Shibboleth.Enabled {
		adapter := shibfed.NewAdapter(shibfed.Config{
			SessionHeader:         cfg.Shibboleth.SessionHeader,
			AttributeMap:          attributeMaps.Shibboleth,
			DuplicateSessionGuard: cfg.Shibboleth.DuplicateSessionGuard,
			GuardTTL:              cfg.Shibboleth.GuardTTL,
		}, cacheBackend, logger)
		gateway.RegisterAdapter(adapter)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Federation.WatchRulesFile {
		go func() {
			if err := rulesStore.Watch(ctx, logger); err != nil {
				logger.WithError(err).Error("role rule watcher stopped")
			}
		}()
	}

	janitor := session.NewJanitor(correlationStore, cfg.Session.Lifetime, cfg.Session.JanitorSchedule, logger)
	if err := janitor.Start(); err != nil {
		log.Fatalf("Failed to start session janitor: %v", err)
	}
	defer janitor.Stop()

	router := mux.NewRouter()
	router.Use(httputil.LoggingMiddleware(logger))
	router.Use(httputil.RecoveryMiddleware(logger))
	if cfg.Shibboleth.Enabled {
		router.Use(shibfed.ConsistencyMiddleware(
			shibfed.Config{SessionHeader: cfg.Shibboleth.SessionHeader},
			sessionStore,
			sessionIDFromCookie,
			gateway.Logout,
			logger,
		))
	}

	handlers := federation.NewHandlers(handlersCfg)
	handlers.Register(router)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "database unreachable", "unhealthy")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", observability.Handler(registry)).Methods(http.MethodGet)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.WithField("addr", server.Addr).Info("federation server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}

func buildCache(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, "federation")
	default:
		return cache.NewMemoryCache(cfg.Cache.MemorySize)
	}
}

func loadSAMLConfig(cfg *config.Config, attributeMap attr.Map) (samlfed.Config, error) {
	idpCert, err := os.ReadFile(cfg.SAML.IDPCertificateFile)
	if err != nil {
		return samlfed.Config{}, fmt.Errorf("failed to read IdP certificate: %w", err)
	}
	samlCfg := samlfed.Config{
		IdentityProviderSSOURL:      cfg.SAML.IdentityProviderSSOURL,
		IdentityProviderSLOURL:      cfg.SAML.IdentityProviderSLOURL,
		IdentityProviderIssuer:      cfg.SAML.IdentityProviderIssuer,
		ServiceProviderIssuer:       cfg.SAML.ServiceProviderIssuer,
		AssertionConsumerServiceURL: cfg.SAML.AssertionConsumerServiceURL,
		AudienceURI:                 cfg.SAML.AudienceURI,
		IDPCertificatePEM:           string(idpCert),
		SignRequests:                cfg.SAML.SignRequests,
		NameIDFormat:                cfg.SAML.NameIDFormat,
		AttributeMap:                attributeMap,
	}
	if cfg.SAML.SignRequests {
		spCert, err := os.ReadFile(cfg.SAML.SPCertificateFile)
		if err != nil {
			return samlfed.Config{}, fmt.Errorf("failed to read SP certificate: %w", err)
		}
		spKey, err := os.ReadFile(cfg.SAML.SPPrivateKeyFile)
		if err != nil {
			return samlfed.Config{}, fmt.Errorf("failed to read SP private key: %w", err)
		}
		samlCfg.SPCertificatePEM = string(spCert)
		samlCfg.SPPrivateKeyPEM = string(spKey)
	}
	return samlCfg, nil
}

func sessionIDFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(federation.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
