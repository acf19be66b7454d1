package switchgear

import (
	"fmt"
	"time"

	"github.com/bitshock-src/switchgear-sub000/balancer"
	"github.com/bitshock-src/switchgear-sub000/switchgeardb"
	"github.com/btcsuite/btcd/btcutil"
)

var (
	switchgearDataDir      = btcutil.AppDataDir("switchgear", false)
	defaultConfigFilename  = "switchgear.yaml"
	defaultTLSKeyFilename  = "tls.key"
	defaultTLSCertFilename = "tls.cert"
	defaultLogLevel        = "info"
	defaultLogFilename     = "switchgear.log"
	defaultMaxLogFiles     = 3
	defaultMaxLogFileSize  = 10
)

const (
	// defaultDiscoveryInterval is the cadence of the conditional fleet
	// reconcile against the discovery store.
	defaultDiscoveryInterval = 10 * time.Second

	// defaultHealthCheckInterval is the cadence of the backend health
	// probes.
	defaultHealthCheckInterval = 30 * time.Second

	// defaultRPCTimeout bounds every Lightning and storage RPC.
	defaultRPCTimeout = 30 * time.Second

	// defaultInvoiceExpiry is the invoice expiry requested from the
	// backend node when the config leaves it unset.
	defaultInvoiceExpiry = 3600

	// defaultConsistentMaxIterations bounds the candidate scan of the
	// consistent-hash policy.
	defaultConsistentMaxIterations = 16
)

// Store backend names accepted by the dbbackend config value.
const (
	DatabaseBackendMemory   = "memory"
	DatabaseBackendSqlite   = "sqlite"
	DatabaseBackendPostgres = "postgres"
)

type etcdConfig struct {
	Host     string `long:"host" description:"host:port of an active etcd instance"`
	User     string `long:"user" description:"user authorized to access the etcd host"`
	Password string `long:"password" description:"password of the etcd user"`
}

type torConfig struct {
	Control     string `long:"control" description:"The host:port of the Tor instance."`
	ListenPort  uint16 `long:"listenport" description:"The port we should listen on for client requests over Tor. Note that this port should not be exposed to the outside world, it is only intended to be reached by clients through the onion service."`
	VirtualPort uint16 `long:"virtualport" description:"The port through which the onion services created can be reached at."`
	V3          bool   `long:"v3" description:"Whether we should listen for client requests through a v3 onion service."`
}

type adminConfig struct {
	// ListenAddr is the listening address of the management API. The
	// management API is disabled when this is empty.
	ListenAddr string `long:"listenaddr" description:"The interface we should listen on for management requests."`

	// PubKeyPath points at the PEM encoded public key (ECDSA P-256 or
	// Ed25519) that management bearer tokens must verify against.
	PubKeyPath string `long:"pubkeypath" description:"Path to the PEM encoded public key management tokens are signed with."`
}

type backoffConfig struct {
	// Disabled turns invoice retries off entirely.
	Disabled bool `long:"disabled" description:"Disable invoice retries."`

	InitialInterval time.Duration `long:"initialinterval" description:"First retry delay."`
	MaxInterval     time.Duration `long:"maxinterval" description:"Cap on a single retry delay."`
	MaxElapsedTime  time.Duration `long:"maxelapsedtime" description:"Total retry budget per invoice request."`
}

// provider returns the backoff provider the invoice orchestrator uses.
func (b *backoffConfig) provider() balancer.BackoffProvider {
	if b == nil || b.Disabled {
		return balancer.StopBackoffProvider{}
	}

	return &balancer.ExponentialBackoffProvider{
		InitialInterval: b.InitialInterval,
		MaxInterval:     b.MaxInterval,
		MaxElapsedTime:  b.MaxElapsedTime,
	}
}

type healthConfig struct {
	// Interval is the cadence of the background health probes.
	Interval time.Duration `long:"interval" description:"Cadence of the backend health probes."`

	// SuccessThreshold is the number of consecutive successful probes
	// before an unhealthy backend is considered healthy again.
	SuccessThreshold int `long:"successthreshold" description:"Consecutive successful probes before a backend counts as healthy."`

	// FailureThreshold is the number of consecutive failed probes
	// before a healthy backend is considered unhealthy.
	FailureThreshold int `long:"failurethreshold" description:"Consecutive failed probes before a backend counts as unhealthy."`

	// Parallel probes all backends concurrently instead of one at a
	// time.
	Parallel bool `long:"parallel" description:"Probe all backends concurrently."`
}

type selectionConfig struct {
	// Policy is one of roundrobin, random or consistent.
	Policy string `long:"policy" description:"Backend selection policy: roundrobin, random or consistent."`

	// ConsistentMaxIterations bounds the candidate scan of the
	// consistent-hash policy.
	ConsistentMaxIterations int `long:"consistentmaxiterations" description:"Candidate scan bound of the consistent-hash policy."`

	// CapacityBias, when set, restricts the first selection pass to
	// backends whose known inbound capacity covers the amount scaled
	// by (1 + bias). Negative values demand headroom.
	CapacityBias *float64 `long:"capacitybias" description:"Capacity bias of the first selection pass."`
}

type config struct {
	// ListenAddr is the listening address of the public LNURL-Pay
	// server.
	ListenAddr string `long:"listenaddr" description:"The interface we should listen on for client requests."`

	// Partitions is the set of offer partitions this node serves.
	Partitions []string `long:"partition" description:"An offer partition this node serves."`

	// ServerName can be set to a fully qualifying domain name that should
	// be used while creating a certificate through Let's Encrypt.
	ServerName string `long:"servername" description:"Server name (FQDN) to use for the TLS certificate."`

	// AutoCert can be set to true if switchgear should try to create a
	// valid certificate through Let's Encrypt using ServerName.
	AutoCert bool `long:"autocert" description:"Automatically create a Let's Encrypt cert using ServerName."`

	// Insecure can be set to disable TLS on incoming connections.
	Insecure bool `long:"insecure" description:"Listen on an insecure connection, disabling TLS for incoming connections."`

	// AllowedHosts, when non-empty, restricts the Host headers callback
	// URLs are built from.
	AllowedHosts []string `long:"allowedhost" description:"A host name callback URLs may be built from."`

	// CommentAllowed is the maximum comment length advertised on offer
	// documents. Zero disables comments.
	CommentAllowed uint64 `long:"commentallowed" description:"Maximum comment length accepted on invoice requests."`

	// InvoiceExpirySecs is the expiry requested with every invoice.
	InvoiceExpirySecs uint64 `long:"invoiceexpiry" description:"Invoice expiry in seconds requested from the backend node."`

	// RPCTimeout bounds every backend RPC call.
	RPCTimeout time.Duration `long:"rpctimeout" description:"Timeout of every backend RPC call."`

	// DiscoveryInterval is the cadence of the conditional fleet
	// reconcile.
	DiscoveryInterval time.Duration `long:"discoveryinterval" description:"Cadence of the fleet reconcile against the discovery store."`

	// DatabaseBackend selects the discovery and offer store backend:
	// memory, sqlite or postgres.
	DatabaseBackend string `long:"dbbackend" description:"The database backend to use for storing all data: memory, sqlite or postgres."`

	// Sqlite configures the sqlite backend.
	Sqlite *switchgeardb.SqliteConfig `long:"sqlite" description:"Configuration of the sqlite database."`

	// Postgres configures the postgres backend.
	Postgres *switchgeardb.PostgresConfig `long:"postgres" description:"Configuration of the postgres database."`

	// Etcd, when set, overrides the discovery store (only) with an
	// etcd cluster so several gateways can share one fleet.
	Etcd *etcdConfig `long:"etcd" description:"Configuration of the etcd cluster backing the discovery store."`

	Selection selectionConfig `long:"selection" description:"Backend selection configuration."`

	Backoff *backoffConfig `long:"backoff" description:"Invoice retry backoff configuration."`

	Health healthConfig `long:"health" description:"Backend health probe configuration."`

	Admin *adminConfig `long:"admin" description:"Management API configuration."`

	Tor *torConfig `long:"tor" description:"Configuration for the Tor instance backing the server."`

	Prometheus PrometheusConfig `long:"prometheus" description:"Configuration of the Prometheus exporter."`

	// RateLimits applies per-path token buckets, keyed by client IP,
	// to the public endpoints.
	RateLimits []*RateLimit `long:"ratelimit" description:"Rate limits applied to the public endpoints."`

	// DebugLevel is a string defining the log level for the service either
	// for all subsystems the same or individual level by subsystem.
	DebugLevel string `long:"debuglevel" description:"Debug level for switchgear and its subsystems."`
}

// validate fills in defaults and rejects unusable combinations.
func (c *config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("missing listen address for server")
	}
	if len(c.Partitions) == 0 {
		return fmt.Errorf("at least one partition must be configured")
	}

	if c.RPCTimeout == 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = defaultDiscoveryInterval
	}
	if c.InvoiceExpirySecs == 0 {
		c.InvoiceExpirySecs = defaultInvoiceExpiry
	}

	if c.Health.Interval == 0 {
		c.Health.Interval = defaultHealthCheckInterval
	}
	if c.Health.SuccessThreshold == 0 {
		c.Health.SuccessThreshold = 1
	}
	if c.Health.FailureThreshold == 0 {
		c.Health.FailureThreshold = 1
	}

	if c.Selection.Policy == "" {
		c.Selection.Policy = "roundrobin"
	}
	if c.Selection.ConsistentMaxIterations == 0 {
		c.Selection.ConsistentMaxIterations =
			defaultConsistentMaxIterations
	}

	switch c.DatabaseBackend {
	case "":
		c.DatabaseBackend = DatabaseBackendMemory

	case DatabaseBackendMemory:

	case DatabaseBackendSqlite:
		if c.Sqlite == nil {
			return fmt.Errorf("sqlite backend requires a sqlite " +
				"configuration section")
		}

	case DatabaseBackendPostgres:
		if c.Postgres == nil {
			return fmt.Errorf("postgres backend requires a " +
				"postgres configuration section")
		}

	default:
		return fmt.Errorf("unknown database backend '%v'",
			c.DatabaseBackend)
	}

	if c.Admin != nil && c.Admin.ListenAddr != "" &&
		c.Admin.PubKeyPath == "" {

		return fmt.Errorf("management API requires a public key for " +
			"token verification")
	}

	for _, limit := range c.RateLimits {
		if err := limit.compile(); err != nil {
			return fmt.Errorf("invalid rate limit %v: %w",
				limit.PathRegexp, err)
		}
	}

	return nil
}
