package switchgear

import (
	"net/http"

	"github.com/bitshock-src/switchgear-sub000/balancer"
	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const outcomeLabel = "outcome"

// The outcome label values of the invoice request counter.
const (
	outcomeSuccess    = "success"
	outcomeDownstream = "downstream"
	outcomeUpstream   = "upstream"
	outcomeInternal   = "internal"
)

var (
	// offerRequestCount counts served offer documents.
	offerRequestCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "switchgear",
		Name:      "offer_request_count",
	})

	// invoiceRequestCount counts invoice requests by outcome.
	invoiceRequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchgear",
			Name:      "invoice_request_count",
		}, []string{outcomeLabel},
	)
)

// outcomeOf maps an error's source classification onto the outcome
// label of the invoice request counter.
func outcomeOf(err error) string {
	switch status.SourceOf(err) {
	case status.SourceDownstream:
		return outcomeDownstream

	case status.SourceUpstream:
		return outcomeUpstream

	default:
		return outcomeInternal
	}
}

// PrometheusConfig is the set of configuration data that specifies if
// Prometheus metric exporting is activated, and if so the listening address of
// the Prometheus server.
type PrometheusConfig struct {
	// Enabled, if true, then Prometheus metrics will be exported.
	Enabled bool `long:"enabled" description:"if true prometheus metrics will be exported"`

	// ListenAddr is the listening address that we should use to allow the
	// main Prometheus server to scrape our metrics.
	ListenAddr string `long:"listenaddr" description:"the interface we should listen on for prometheus"`
}

// StartPrometheusExporter registers all relevant metrics with the Prometheus
// library, then launches the HTTP server that Prometheus will hit to scrape
// our metrics.
func StartPrometheusExporter(cfg *PrometheusConfig,
	fleet balancer.FleetSource) error {

	// If we're not active, then there's nothing more to do.
	if !cfg.Enabled {
		return nil
	}

	// Next, we'll register all our metrics.
	prometheus.MustRegister(offerRequestCount)
	prometheus.MustRegister(invoiceRequestCount)
	prometheus.MustRegister(balancer.RetryCount)
	prometheus.MustRegister(balancer.ReconcileCount)
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "switchgear",
			Name:      "fleet_size",
		},
		func() float64 {
			return float64(len(fleet.Fleet().Backends))
		},
	))

	// Finally, we'll launch the HTTP server that Prometheus will use to
	// scape our metrics.
	go func() {
		log.Infof("Prometheus metrics http endpoint being served on "+
			"%s", cfg.ListenAddr)

		http.Handle("/metrics", promhttp.Handler())
		err := http.ListenAndServe(cfg.ListenAddr, nil)
		if err != nil {
			log.Errorf("Prometheus exporter: %v", err)
		}
	}()

	return nil
}
