package pool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/bitshock-src/switchgear-sub000/internal/clnrpc"
	"github.com/bitshock-src/switchgear-sub000/status"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// ClnClient talks to a Core Lightning node over its native gRPC
// plugin. The node identifies clients by mutual TLS, so the client
// certificate and key are mandatory.
type ClnClient struct {
	timeout time.Duration
	cfg     *discovery.ClnGrpcConfig

	// mu guards the cached connection. Connect and invalidate are
	// serialized per backend.
	mu   sync.Mutex
	conn *grpc.ClientConn
	node clnrpc.NodeClient
}

// A compile time check to ensure ClnClient implements the Client
// interface.
var _ Client = (*ClnClient)(nil)

// NewClnClient creates a client for the given CLN backend. No
// connection is made until the first call.
func NewClnClient(timeout time.Duration,
	cfg *discovery.ClnGrpcConfig) *ClnClient {

	return &ClnClient{timeout: timeout, cfg: cfg}
}

// connect returns the cached node client, dialing the backend first if
// no connection is cached.
func (c *ClnClient) connect(ctx context.Context) (clnrpc.NodeClient,
	error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.node != nil {
		return c.node, nil
	}

	creds, target, err := clnTransportCredentials(c.cfg)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.DialContext(
		ctx, target, grpc.WithTransportCredentials(creds),
		grpc.WithUnaryInterceptor(
			grpc_prometheus.UnaryClientInterceptor,
		),
	)
	if err != nil {
		return nil, status.Upstreamf("unable to dial CLN backend "+
			"%v: %w", c.cfg.URL, err)
	}

	c.conn = conn
	c.node = clnrpc.NewNodeClient(conn)

	return c.node, nil
}

// Disconnect drops the cached connection so the next call dials again.
//
// NOTE: This is part of the Client interface.
func (c *ClnClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.node = nil
}

// GetInvoice mints a BOLT-11 invoice on the CLN node. ModeHash is
// rejected, cln has no RPC that accepts a raw description hash.
//
// NOTE: This is part of the Client interface.
func (c *ClnClient) GetInvoice(ctx context.Context, amountMsat uint64,
	desc Description, expirySecs uint64) (string, error) {

	if desc.Mode == ModeHash {
		return "", status.Internalf("CLN backend %v cannot mint "+
			"invoices from a raw description hash", c.cfg.URL)
	}

	node, err := c.connect(ctx)
	if err != nil {
		return "", err
	}

	req := &clnrpc.InvoiceRequest{
		Description:  desc.Text,
		Label:        clnLabel(desc, time.Now()),
		Expiry:       expirySecs,
		DescHashOnly: desc.Mode == ModeDirectIntoHash,
	}
	if amountMsat > 0 {
		req.AmountMsat = clnrpc.AmountOrAny{
			Amount: &clnrpc.Amount{Msat: amountMsat},
		}
	} else {
		req.AmountMsat = clnrpc.AmountOrAny{Any: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := node.Invoice(callCtx, req)
	if err != nil {
		c.Disconnect()
		return "", status.Upstreamf("unable to mint invoice on CLN "+
			"backend %v: %w", c.cfg.URL, err)
	}

	return resp.Bolt11, nil
}

// GetMetrics sums the receivable balance over the node's normal state
// channels.
//
// NOTE: This is part of the Client interface.
func (c *ClnClient) GetMetrics(ctx context.Context) (*Metrics, error) {
	node, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := node.ListPeerChannels(
		callCtx, &clnrpc.ListPeerChannelsRequest{},
	)
	if err != nil {
		c.Disconnect()
		return nil, status.Upstreamf("unable to list channels on "+
			"CLN backend %v: %w", c.cfg.URL, err)
	}

	var inboundMsat uint64
	for _, channel := range resp.Channels {
		if channel.State != clnrpc.ChanneldNormal {
			continue
		}
		if channel.ReceivableMsat != nil {
			inboundMsat += channel.ReceivableMsat.Msat
		}
	}

	return &Metrics{
		Healthy:              true,
		EffectiveInboundMsat: inboundMsat,
	}, nil
}

// Features reports that CLN cannot accept a raw description hash.
//
// NOTE: This is part of the Client interface.
func (c *ClnClient) Features() Features {
	return Features{InvoiceFromDescHash: false}
}

// clnLabel builds the process-unique invoice label cln requires: the
// description text or hash, a colon, and the current time in
// nanoseconds.
func clnLabel(desc Description, now time.Time) string {
	prefix := desc.Text
	if desc.Mode == ModeDirectIntoHash {
		prefix = desc.DescriptionHash().String()
	}

	return fmt.Sprintf("%s:%d", prefix, now.UnixNano())
}

// clnTransportCredentials loads the mutual TLS credentials of a CLN
// backend and derives the dial target from its URL.
func clnTransportCredentials(
	cfg *discovery.ClnGrpcConfig) (credentials.TransportCredentials,
	string, error) {

	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, "", status.Internalf("invalid CLN backend URL "+
			"%v: %w", cfg.URL, err)
	}

	clientCert, err := tls.LoadX509KeyPair(
		cfg.Auth.ClientCertPath, cfg.Auth.ClientKeyPath,
	)
	if err != nil {
		return nil, "", status.Internalf("unable to load CLN client "+
			"certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		ServerName:   endpoint.Hostname(),
	}
	if cfg.Domain != "" {
		tlsCfg.ServerName = cfg.Domain
	}

	if cfg.Auth.CACertPath != "" {
		caCert, err := os.ReadFile(cfg.Auth.CACertPath)
		if err != nil {
			return nil, "", status.Internalf("unable to read CLN "+
				"CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, "", status.Internalf("no CA certificate "+
				"found in %v", cfg.Auth.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}

	return credentials.NewTLS(tlsCfg), endpoint.Host, nil
}
