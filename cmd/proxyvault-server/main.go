package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-openapi/runtime/middleware"

	"github.com/gridauth/proxyvault/pkg/audit"
	auditdb "github.com/gridauth/proxyvault/pkg/audit/store/db"
	"github.com/gridauth/proxyvault/pkg/auth"
	"github.com/gridauth/proxyvault/pkg/authz"
	"github.com/gridauth/proxyvault/pkg/config"
	credsfile "github.com/gridauth/proxyvault/pkg/creds/store/file"
	"github.com/gridauth/proxyvault/pkg/delegation"
	"github.com/gridauth/proxyvault/pkg/docs"
	"github.com/gridauth/proxyvault/pkg/policy"
	"github.com/gridauth/proxyvault/pkg/server/api"
	"github.com/gridauth/proxyvault/pkg/server/transport"
	"github.com/gridauth/proxyvault/pkg/utils"

	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"gopkg.in/yaml.v2"
)

func main() {
	var logger log.Logger
	{
		logger = log.NewJSONLogger(os.Stdout)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = level.NewFilter(logger, level.AllowInfo())
		logger = log.With(logger, "caller", log.DefaultCaller)
	}

	err, cfg := config.NewConfig("")
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not read environment configuration values")
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Environment configuration values loaded")

	serverPolicy, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not load server policy file")
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Server policy loaded from "+cfg.PolicyFile)

	var recorder audit.Recorder
	if cfg.AuditDB {
		auditConnStr := "dbname=" + cfg.PostgresDB + " user=" + cfg.PostgresUser + " password=" + cfg.PostgresPassword + " host=" + cfg.PostgresHostname + " port=" + cfg.PostgresPort + " sslmode=disable"
		recorder, err = auditdb.NewDB("postgres", auditConnStr, logger)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not start connection with audit database. Will sleep for 5 seconds and exit the program")
			time.Sleep(5 * time.Second)
			os.Exit(1)
		}
		level.Info(logger).Log("msg", "Connection established with audit database")
	} else {
		recorder = audit.NewNop()
	}

	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not load Jaeger configuration values fron environment")
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Jaeger configuration values loaded")
	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not start Jaeger tracer")
		os.Exit(1)
	}
	defer closer.Close()
	level.Info(logger).Log("msg", "Jaeger tracer started")

	repository, err := credsfile.NewFile(cfg.StorageDir, logger)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Credential storage directory failed the integrity check")
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Credential repository opened at "+cfg.StorageDir)

	caPool, err := utils.CreateCAPool(cfg.CACertFile)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create CA pool")
		os.Exit(1)
	}
	registry := authz.NewRegistry(caPool)

	fieldKeys := []string{"method", "error"}

	var s api.Service
	{
		s = api.NewVaultService(repository, serverPolicy, cfg.TrustedCertsDir)
		s = api.LoggingMiddleware(logger)(s)
		s = api.NewInstrumentingMiddleware(
			kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
				Namespace: "proxyvault",
				Subsystem: "vault_service",
				Name:      "request_count",
				Help:      "Number of requests received.",
			}, fieldKeys),
			kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
				Namespace: "proxyvault",
				Subsystem: "vault_service",
				Name:      "request_latency_microseconds",
				Help:      "Total duration of requests in microseconds.",
			}, fieldKeys),
		)(s)
	}

	dispatcher := api.NewDispatcher(s, registry, delegation.NewPassthrough(), recorder, logger)

	openapiSpec := docs.NewOpenAPI3(cfg)

	openapiSpecJsonData, _ := json.Marshal(&openapiSpec)
	openapiSpecYamlData, _ := yaml.Marshal(&openapiSpec)

	err = os.MkdirAll("docs", 0744)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create openapiv3 docs dir")
		os.Exit(1)
	}

	err = os.WriteFile(path.Join("docs", "openapiv3.json"), openapiSpecJsonData, 0644)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create openapiv3 JSON spec file")
		os.Exit(1)
	}

	err = os.WriteFile(path.Join("docs", "openapiv3.yaml"), openapiSpecYamlData, 0644)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create openapiv3 YAML spec file")
		os.Exit(1)
	}

	adminAuth := auth.NewAuth(cfg.KeycloakHostname, cfg.KeycloakPort, cfg.KeycloakProtocol, cfg.KeycloakRealm)

	mux := http.NewServeMux()
	http.Handle("/", accessControl(mux))
	mux.Handle("/", http.FileServer(http.Dir("./docs")))
	mux.Handle("/v1/", api.MakeHTTPHandler(s, log.With(logger, "component", "HTTPS"), adminAuth, tracer))
	mux.Handle("/v1/docs", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		BasePath: "/v1",
		SpecURL:  path.Join("/openapiv3.json"),
		Path:     "docs",
	}, mux))

	http.Handle("/metrics", promhttp.Handler())

	errs := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errs <- fmt.Errorf("%s", <-c)
	}()

	go func() {
		level.Info(logger).Log("transport", "HTTP", "address", ":"+cfg.AdminPort, "msg", "admin API listening")
		errs <- http.ListenAndServe(":"+cfg.AdminPort, nil)
	}()

	go func() {
		serverCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			errs <- err
			return
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientCAs:    caPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}
		listener, err := tls.Listen("tcp", ":"+cfg.Port, tlsConfig)
		if err != nil {
			errs <- err
			return
		}
		level.Info(logger).Log("transport", "Mutual TLS", "address", ":"+cfg.Port, "msg", "listening")
		errs <- serve(listener, dispatcher, logger)
	}()

	level.Info(logger).Log("exit", <-errs)
}

// serve accepts connections until the listener fails and hands each one
// to its own goroutine.
func serve(listener net.Listener, dispatcher *api.Dispatcher, logger log.Logger) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go func(conn net.Conn) {
			tlsConn, ok := conn.(*tls.Conn)
			if !ok {
				conn.Close()
				return
			}
			ch, err := transport.NewTLS(tlsConn)
			if err != nil {
				level.Error(logger).Log("err", err, "msg", "Could not authenticate client connection")
				conn.Close()
				return
			}
			dispatcher.Handle(context.Background(), ch)
		}(conn)
	}
}

func accessControl(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			return
		}

		h.ServeHTTP(w, r)
	})
}
