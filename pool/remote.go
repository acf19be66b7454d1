package pool

import (
	"context"

	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/bitshock-src/switchgear-sub000/status"
)

// remoteClient stands in for remote HTTP backends, which have no RPC
// surface. The backend registers with the pool like any other, every
// call then fails with a configuration error, so it never passes a
// health probe and never serves an invoice.
type remoteClient struct {
	address discovery.Address
}

// A compile time check to ensure remoteClient implements the Client
// interface.
var _ Client = (*remoteClient)(nil)

func newRemoteClient(address discovery.Address) *remoteClient {
	return &remoteClient{address: address}
}

// GetInvoice fails, remote HTTP backends cannot mint invoices.
//
// NOTE: This is part of the Client interface.
func (c *remoteClient) GetInvoice(_ context.Context, _ uint64,
	_ Description, _ uint64) (string, error) {

	return "", status.Internalf("backend %v: remote HTTP backends "+
		"have no RPC client", c.address)
}

// GetMetrics fails, which keeps the backend unhealthy.
//
// NOTE: This is part of the Client interface.
func (c *remoteClient) GetMetrics(_ context.Context) (*Metrics, error) {
	return nil, status.Internalf("backend %v: remote HTTP backends "+
		"have no RPC client", c.address)
}

// Features reports no invoice capabilities.
//
// NOTE: This is part of the Client interface.
func (c *remoteClient) Features() Features {
	return Features{}
}

// Disconnect is a no-op, there is no connection to drop.
//
// NOTE: This is part of the Client interface.
func (c *remoteClient) Disconnect() {}
