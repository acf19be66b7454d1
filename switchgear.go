// Package switchgear assembles the load balancing LNURL-Pay gateway:
// the public pay server, the management API, the discovery driven
// backend fleet and the invoice orchestration on top of it.
package switchgear

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bitshock-src/switchgear-sub000/balancer"
	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/bitshock-src/switchgear-sub000/offer"
	"github.com/bitshock-src/switchgear-sub000/pool"
	"github.com/bitshock-src/switchgear-sub000/switchgeardb"
	"github.com/goccy/go-yaml"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/cert"
	"github.com/lightningnetwork/lnd/tor"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	// selfSignedCertValidity is the certificate validity duration we are
	// using for switchgear certificates. This is higher than lnd's
	// default 14 months and is set to a maximum just below what some
	// operating systems set as a sane maximum certificate duration. See
	// https://support.apple.com/en-us/HT210176 for more information.
	selfSignedCertValidity = time.Hour * 24 * 820

	// selfSignedCertExpiryMargin is how much time before the certificate's
	// expiry date we already refresh it with a new one. We set this to half
	// the certificate validity length to make the chances bigger for it to
	// be refreshed on a routine server restart.
	selfSignedCertExpiryMargin = selfSignedCertValidity / 2

	// shutdownTimeout bounds the graceful drain of the HTTP servers.
	shutdownTimeout = 5 * time.Second
)

var (
	// http2TLSCipherSuites is the list of cipher suites we allow the server
	// to use. This list removes a CBC cipher from the list used in lnd's
	// cert package because the underlying HTTP/2 library treats it as a bad
	// cipher, according to https://tools.ietf.org/html/rfc7540#appendix-A
	// (also see golang.org/x/net/http2/ciphers.go).
	http2TLSCipherSuites = []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	}
)

// Main is the true entrypoint of switchgear.
func Main() {
	err := start()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// start sets up the gateway and runs it. This function blocks until a
// shutdown signal is received.
func start() error {
	// First, parse configuration file and set up logging.
	configFile := filepath.Join(switchgearDataDir, defaultConfigFilename)
	cfg, err := getConfig(configFile)
	if err != nil {
		return fmt.Errorf("unable to parse config file: %w", err)
	}
	err = setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("unable to set up logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	// Open the configured stores. An etcd section moves the discovery
	// store onto the shared cluster so several gateways see one fleet.
	discoveryStore, offerStore, closeStores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	var etcdClient *clientv3.Client
	if cfg.Etcd != nil {
		etcdClient, err = clientv3.New(clientv3.Config{
			Endpoints:   []string{cfg.Etcd.Host},
			DialTimeout: 5 * time.Second,
			Username:    cfg.Etcd.User,
			Password:    cfg.Etcd.Password,
		})
		if err != nil {
			return fmt.Errorf("unable to connect to etcd: %w", err)
		}
		defer etcdClient.Close()

		discoveryStore = discovery.NewEtcdStore(etcdClient)
	}

	// Wire the coordination plane: the RPC pool, the health registry,
	// the discovery adapter and the balancer on top of them.
	nodePool := pool.NewPool(cfg.RPCTimeout)
	defer nodePool.Close()
	health := balancer.NewHealthRegistry(
		cfg.Health.SuccessThreshold, cfg.Health.FailureThreshold,
	)
	adapter := balancer.NewAdapter(
		discoveryStore, nodePool, health, cfg.Partitions,
	)

	policy, ok := balancer.NewPolicy(
		cfg.Selection.Policy, cfg.Selection.ConsistentMaxIterations,
	)
	if !ok {
		return fmt.Errorf("unknown selection policy '%v'",
			cfg.Selection.Policy)
	}

	bal := balancer.New(
		adapter, nodePool, health, policy, cfg.Backoff.provider(),
		cfg.Selection.CapacityBias, cfg.Health.Parallel,
	)

	// Pull the initial fleet and probe it once so the first requests
	// see health and capacity data, then keep both loops running in
	// the background.
	initCtx, cancel := context.WithTimeout(ctx, cfg.RPCTimeout)
	if err := adapter.Refresh(initCtx); err != nil {
		log.Warnf("Initial fleet reconcile failed, starting with an "+
			"empty fleet: %v", err)
	}
	bal.CheckHealth(initCtx)
	cancel()

	go adapter.Run(ctx, cfg.DiscoveryInterval)
	go bal.RunHealthChecks(ctx, cfg.Health.Interval)

	if err := StartPrometheusExporter(&cfg.Prometheus, adapter); err != nil {
		return fmt.Errorf("unable to start prometheus exporter: %w",
			err)
	}

	// The public server terminates the LNURL-Pay protocol.
	provider := offer.NewStoreProvider(offerStore)
	pay := newPayServer(provider, bal, cfg)
	handler := rateLimitHandler(cfg.RateLimits, pay.handler())
	httpsServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	// Create TLS configuration by either creating new self-signed certs or
	// trying to obtain one through Let's Encrypt.
	var serveFn func() error
	if cfg.Insecure {
		// Normally, HTTP/2 only works with TLS. But there is a special
		// version called HTTP/2 Cleartext (h2c) that some clients
		// support and that gRPC uses when the grpc.WithInsecure()
		// option is used. The default HTTP handler doesn't support it
		// though so we need to add a special h2c handler here.
		serveFn = httpsServer.ListenAndServe
		httpsServer.Handler = h2c.NewHandler(handler, &http2.Server{})
	} else {
		httpsServer.TLSConfig, err = getTLSConfig(
			cfg.ServerName, cfg.AutoCert,
		)
		if err != nil {
			return err
		}
		serveFn = func() error {
			// The httpsServer.TLSConfig contains certificates at
			// this point so we don't need to pass in certificate
			// and key file names.
			return httpsServer.ListenAndServeTLS("", "")
		}
	}

	log.Infof("Starting the server, listening on %s.", cfg.ListenAddr)

	errChan := make(chan error, 3)
	go func() {
		errChan <- serveFn()
	}()

	// The management API listens on its own interface, behind the
	// bearer-token middleware, and is expected to stay private.
	var adminHTTPServer *http.Server
	if cfg.Admin != nil && cfg.Admin.ListenAddr != "" {
		verifier, err := newTokenVerifier(cfg.Admin.PubKeyPath)
		if err != nil {
			return fmt.Errorf("unable to load management "+
				"public key: %w", err)
		}

		admin := newAdminServer(discoveryStore, offerStore)
		adminHTTPServer = &http.Server{
			Addr:    cfg.Admin.ListenAddr,
			Handler: admin.handler(verifier),
		}

		log.Infof("Starting the management API, listening on %s.",
			cfg.Admin.ListenAddr)
		go func() {
			errChan <- adminHTTPServer.ListenAndServe()
		}()
	}

	// If we need to listen over Tor as well, we'll set up the onion
	// services now. We're not able to use TLS for onion services since they
	// can't be verified, so we'll spin up an additional HTTP/2 server
	// _without_ TLS that is not exposed to the outside world. This server
	// will only be reached through the onion services, which already
	// provide encryption, so running this additional HTTP server should be
	// relatively safe.
	if cfg.Tor != nil && cfg.Tor.V3 {
		torController, err := initTorListener(cfg, etcdClient)
		if err != nil {
			return err
		}
		defer func() {
			_ = torController.Stop()
		}()

		torServer := &http.Server{
			Addr: fmt.Sprintf(
				"localhost:%d", cfg.Tor.ListenPort,
			),
			Handler: h2c.NewHandler(handler, &http2.Server{}),
		}
		go func() {
			errChan <- torServer.ListenAndServe()
		}()
		defer torServer.Close()
	}

	select {
	case err := <-errChan:
		shutdown(httpsServer, adminHTTPServer)
		return err

	case <-ctx.Done():
		log.Infof("Received shutdown signal, draining servers")
		shutdown(httpsServer, adminHTTPServer)
		return nil
	}
}

// shutdown drains the HTTP servers and closes the log rotator.
func shutdown(servers ...*http.Server) {
	drainCtx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()

	for _, server := range servers {
		if server == nil {
			continue
		}
		if err := server.Shutdown(drainCtx); err != nil {
			log.Errorf("Error draining server %v: %v",
				server.Addr, err)
		}
	}

	log.Info("Shutdown complete")
	if err := logWriter.Close(); err != nil {
		log.Errorf("Could not close log rotator: %v", err)
	}
}

// openStores builds the discovery and offer stores of the configured
// database backend. The returned closer releases the backing database.
func openStores(cfg *config) (discovery.Store, offer.FullStore, func(),
	error) {

	switch cfg.DatabaseBackend {
	case DatabaseBackendMemory:
		return discovery.NewMemoryStore(), offer.NewMemoryStore(),
			func() {}, nil

	case DatabaseBackendSqlite:
		db, err := switchgeardb.NewSqliteStore(cfg.Sqlite)
		if err != nil {
			return nil, nil, nil, err
		}
		closer := func() {
			if err := db.DB.Close(); err != nil {
				log.Errorf("Error closing sqlite db: %v", err)
			}
		}

		return switchgeardb.NewDiscoveryStore(db.BaseDB),
			switchgeardb.NewOfferStore(db.BaseDB), closer, nil

	case DatabaseBackendPostgres:
		db, err := switchgeardb.NewPostgresStore(cfg.Postgres)
		if err != nil {
			return nil, nil, nil, err
		}
		closer := func() {
			if err := db.DB.Close(); err != nil {
				log.Errorf("Error closing postgres db: %v",
					err)
			}
		}

		return switchgeardb.NewDiscoveryStore(db.BaseDB),
			switchgeardb.NewOfferStore(db.BaseDB), closer, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown database backend "+
			"'%v'", cfg.DatabaseBackend)
	}
}

// fileExists reports whether the named file or directory exists.
// This function is taken from https://github.com/btcsuite/btcd
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// getConfig loads and parses the configuration file then checks it for valid
// content.
func getConfig(configFile string) (*config, error) {
	cfg := &config{}
	b, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}

	// Command line flags override values from the config file.
	if _, err := flags.Parse(cfg); err != nil {
		return nil, err
	}

	// Then check the configuration that we got from the config file, all
	// required values need to be set at this point.
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging parses the debug level and initializes the log file rotator.
func setupLogging(cfg *config) error {
	if cfg.DebugLevel == "" {
		cfg.DebugLevel = defaultLogLevel
	}

	// Now initialize the logger and set the log level.
	logFile := filepath.Join(switchgearDataDir, defaultLogFilename)
	err := logWriter.InitLogRotator(
		logFile, defaultMaxLogFileSize, defaultMaxLogFiles,
	)
	if err != nil {
		return err
	}
	return build.ParseAndSetDebugLevels(cfg.DebugLevel, logWriter)
}

// getTLSConfig returns a TLS configuration for either a self-signed certificate
// or one obtained through Let's Encrypt.
func getTLSConfig(serverName string, autoCert bool) (*tls.Config, error) {
	// If requested, use the autocert library that will create a new
	// certificate through Let's Encrypt as soon as the first client HTTP
	// request on the server using the TLS config comes in. Unfortunately
	// you cannot tell the library to create a certificate on startup for a
	// specific host.
	if autoCert {
		serverName := serverName
		if serverName == "" {
			return nil, fmt.Errorf("servername option is " +
				"required for secure operation")
		}

		certDir := filepath.Join(switchgearDataDir, "autocert")
		log.Infof("Configuring autocert for server %v with cache dir "+
			"%v", serverName, certDir)

		manager := autocert.Manager{
			Cache:      autocert.DirCache(certDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(serverName),
		}

		go func() {
			err := http.ListenAndServe(
				":http", manager.HTTPHandler(nil),
			)
			if err != nil {
				log.Errorf("autocert http: %v", err)
			}
		}()
		return &tls.Config{
			GetCertificate: manager.GetCertificate,
			CipherSuites:   http2TLSCipherSuites,
			MinVersion:     tls.VersionTLS12,
		}, nil
	}

	// If we're not using autocert, we want to create self-signed TLS certs
	// and save them at the specified location (if they don't already
	// exist).
	tlsKeyFile := filepath.Join(switchgearDataDir, defaultTLSKeyFilename)
	tlsCertFile := filepath.Join(switchgearDataDir, defaultTLSCertFilename)
	if !fileExists(tlsCertFile) && !fileExists(tlsKeyFile) {
		log.Infof("Generating TLS certificates...")
		err := cert.GenCertPair(
			"switchgear autogenerated cert", tlsCertFile,
			tlsKeyFile, nil, nil, false, selfSignedCertValidity,
		)
		if err != nil {
			return nil, err
		}
		log.Infof("Done generating TLS certificates")
	}

	// Load the certs now so we can inspect it and return a complete TLS
	// config later.
	certData, parsedCert, err := cert.LoadCert(tlsCertFile, tlsKeyFile)
	if err != nil {
		return nil, err
	}

	// The margin is negative, so adding it to the expiry date should give
	// us a date in about the middle of it's validity period.
	expiryWithMargin := parsedCert.NotAfter.Add(
		-1 * selfSignedCertExpiryMargin,
	)

	// If the certificate expired or it was outdated, delete it and the TLS
	// key and generate a new pair.
	if time.Now().After(expiryWithMargin) {
		log.Info("TLS certificate will expire soon, generating a " +
			"new one")

		err := os.Remove(tlsCertFile)
		if err != nil {
			return nil, err
		}

		err = os.Remove(tlsKeyFile)
		if err != nil {
			return nil, err
		}

		log.Infof("Renewing TLS certificates...")
		err = cert.GenCertPair(
			"switchgear autogenerated cert", tlsCertFile,
			tlsKeyFile, nil, nil, false, selfSignedCertValidity,
		)
		if err != nil {
			return nil, err
		}
		log.Infof("Done renewing TLS certificates")

		// Reload the certificate data.
		certData, _, err = cert.LoadCert(tlsCertFile, tlsKeyFile)
		if err != nil {
			return nil, err
		}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{certData},
		CipherSuites: http2TLSCipherSuites,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// initTorListener initiates a Tor controller instance with the Tor server
// specified in the config. Onion services will be created over which the
// gateway can be reached at.
func initTorListener(cfg *config,
	etcdClient *clientv3.Client) (*tor.Controller, error) {

	// Onion keys follow the discovery store: a shared etcd cluster
	// keeps the onion address stable across gateway replacements,
	// otherwise the key lives in the data directory.
	var store tor.OnionStore = newOnionFileStore(switchgearDataDir)
	if etcdClient != nil {
		store = newOnionStore(etcdClient)
	}

	// Establish a controller connection with the backing Tor server and
	// proceed to create the requested onion services.
	onionCfg := tor.AddOnionConfig{
		Type:        tor.V3,
		VirtualPort: int(cfg.Tor.VirtualPort),
		TargetPorts: []int{int(cfg.Tor.ListenPort)},
		Store:       store,
	}
	torController := tor.NewController(cfg.Tor.Control, "", "")
	if err := torController.Start(); err != nil {
		return nil, err
	}

	addr, err := torController.AddOnion(onionCfg)
	if err != nil {
		return nil, err
	}

	log.Infof("Listening over Tor on %v", addr)

	return torController, nil
}
