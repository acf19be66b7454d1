package pool

import (
	"context"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"
)

// defaultLndInvoiceExpiry is applied when the caller requests no
// explicit invoice expiry. lnd treats a zero expiry as immediately
// expired, so the default has to be filled in client side.
const defaultLndInvoiceExpiry = 3600 * time.Second

// LndClient talks to an lnd node, authenticated by the node's TLS
// certificate and an invoice macaroon.
type LndClient struct {
	timeout time.Duration
	cfg     *discovery.LndGrpcConfig

	// mu guards the cached connection. Connect and invalidate are
	// serialized per backend.
	mu   sync.Mutex
	conn *grpc.ClientConn
	lnd  lnrpc.LightningClient
}

// A compile time check to ensure LndClient implements the Client
// interface.
var _ Client = (*LndClient)(nil)

// NewLndClient creates a client for the given lnd backend. No
// connection is made until the first call.
func NewLndClient(timeout time.Duration,
	cfg *discovery.LndGrpcConfig) *LndClient {

	return &LndClient{timeout: timeout, cfg: cfg}
}

// connect returns the cached lightning client, dialing the backend
// first if no connection is cached.
func (c *LndClient) connect(ctx context.Context) (lnrpc.LightningClient,
	error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lnd != nil {
		return c.lnd, nil
	}

	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, status.Internalf("invalid lnd backend URL %v: %w",
			c.cfg.URL, err)
	}

	conn, err := lndclient.NewBasicConn(
		endpoint.Host, c.cfg.Auth.TLSCertPath,
		filepath.Dir(c.cfg.Auth.MacaroonPath), "mainnet",
		lndclient.MacFilename(filepath.Base(c.cfg.Auth.MacaroonPath)),
	)
	if err != nil {
		return nil, status.Upstreamf("unable to dial lnd backend "+
			"%v: %w", c.cfg.URL, err)
	}

	c.conn = conn
	c.lnd = lnrpc.NewLightningClient(conn)

	return c.lnd, nil
}

// Disconnect drops the cached connection so the next call dials again.
//
// NOTE: This is part of the Client interface.
func (c *LndClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.lnd = nil
}

// GetInvoice mints a BOLT-11 invoice on the lnd node.
//
// NOTE: This is part of the Client interface.
func (c *LndClient) GetInvoice(ctx context.Context, amountMsat uint64,
	desc Description, expirySecs uint64) (string, error) {

	lnd, err := c.connect(ctx)
	if err != nil {
		return "", err
	}

	invoice := &lnrpc.Invoice{
		ValueMsat: int64(amountMsat),
		Expiry:    int64(expirySecs),
		IsAmp:     c.cfg.AmpInvoice,
	}
	if invoice.Expiry == 0 {
		invoice.Expiry = int64(defaultLndInvoiceExpiry.Seconds())
	}

	switch desc.Mode {
	case ModeDirect:
		invoice.Memo = desc.Text

	default:
		hash := desc.DescriptionHash()
		invoice.DescriptionHash = hash[:]
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := lnd.AddInvoice(callCtx, invoice)
	if err != nil {
		c.Disconnect()
		return "", status.Upstreamf("unable to mint invoice on lnd "+
			"backend %v: %w", c.cfg.URL, err)
	}

	return resp.PaymentRequest, nil
}

// GetMetrics reads the node's aggregate remote channel balance as its
// inbound capacity.
//
// NOTE: This is part of the Client interface.
func (c *LndClient) GetMetrics(ctx context.Context) (*Metrics, error) {
	lnd, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := lnd.ChannelBalance(
		callCtx, &lnrpc.ChannelBalanceRequest{},
	)
	if err != nil {
		c.Disconnect()
		return nil, status.Upstreamf("unable to read channel "+
			"balance on lnd backend %v: %w", c.cfg.URL, err)
	}

	var inboundMsat uint64
	if resp.RemoteBalance != nil {
		inboundMsat = resp.RemoteBalance.Msat
	}

	return &Metrics{
		Healthy:              true,
		EffectiveInboundMsat: inboundMsat,
	}, nil
}

// Features reports that lnd accepts a raw description hash.
//
// NOTE: This is part of the Client interface.
func (c *LndClient) Features() Features {
	return Features{InvoiceFromDescHash: true}
}
