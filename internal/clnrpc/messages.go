package clnrpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// wireMessage is implemented by every message in this package. The
// field numbers used below follow cln's node.proto.
type wireMessage interface {
	encode() []byte
	decode(data []byte) error
}

// Amount mirrors cln.Amount.
type Amount struct {
	// Msat is the amount in millisatoshi.
	Msat uint64
}

func (a *Amount) encode() []byte {
	var buf []byte
	if a.Msat != 0 {
		buf = protowire.AppendTag(buf, 1, protowire.VarintType)
		buf = protowire.AppendVarint(buf, a.Msat)
	}

	return buf
}

func (a *Amount) decode(data []byte) error {
	return walkFields(data, func(num protowire.Number,
		typ protowire.Type, value []byte) error {

		if num == 1 && typ == protowire.VarintType {
			msat, _ := protowire.ConsumeVarint(value)
			a.Msat = msat
		}

		return nil
	})
}

// AmountOrAny mirrors cln.AmountOrAny: a fixed amount or "any amount".
type AmountOrAny struct {
	// Amount is the fixed amount, if Any is false.
	Amount *Amount

	// Any lets the payer choose the amount.
	Any bool
}

func (a *AmountOrAny) encode() []byte {
	var buf []byte
	switch {
	case a.Amount != nil:
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, a.Amount.encode())

	case a.Any:
		buf = protowire.AppendTag(buf, 2, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}

	return buf
}

// InvoiceRequest mirrors the fields of cln.InvoiceRequest the gateway
// sets.
type InvoiceRequest struct {
	// Description is the invoice description. With DescHashOnly set,
	// only its SHA-256 ends up in the invoice.
	Description string

	// Label is the node-unique invoice label.
	Label string

	// Expiry is the invoice lifetime in seconds; zero keeps the
	// node's default.
	Expiry uint64

	// DescHashOnly requests a description_hash invoice.
	DescHashOnly bool

	// AmountMsat is the invoice amount.
	AmountMsat AmountOrAny
}

func (r *InvoiceRequest) encode() []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, r.Description)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendString(buf, r.Label)
	if r.Expiry != 0 {
		buf = protowire.AppendTag(buf, 7, protowire.VarintType)
		buf = protowire.AppendVarint(buf, r.Expiry)
	}
	if r.DescHashOnly {
		buf = protowire.AppendTag(buf, 9, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	buf = protowire.AppendTag(buf, 10, protowire.BytesType)
	buf = protowire.AppendBytes(buf, r.AmountMsat.encode())

	return buf
}

func (r *InvoiceRequest) decode(data []byte) error {
	return fmt.Errorf("InvoiceRequest is request-only")
}

// InvoiceResponse mirrors the fields of cln.InvoiceResponse the
// gateway reads.
type InvoiceResponse struct {
	// Bolt11 is the encoded payment request.
	Bolt11 string

	// PaymentHash is the invoice payment hash.
	PaymentHash []byte

	// ExpiresAt is the invoice expiry as a unix timestamp.
	ExpiresAt uint64
}

func (r *InvoiceResponse) encode() []byte {
	return nil
}

func (r *InvoiceResponse) decode(data []byte) error {
	return walkFields(data, func(num protowire.Number,
		typ protowire.Type, value []byte) error {

		switch {
		case num == 1 && typ == protowire.BytesType:
			r.Bolt11 = string(value)

		case num == 2 && typ == protowire.BytesType:
			r.PaymentHash = append([]byte(nil), value...)

		case num == 4 && typ == protowire.VarintType:
			expiresAt, _ := protowire.ConsumeVarint(value)
			r.ExpiresAt = expiresAt
		}

		return nil
	})
}

// ListPeerChannelsRequest mirrors cln.ListpeerchannelsRequest. An
// empty request lists all channels.
type ListPeerChannelsRequest struct {
	// ID restricts the listing to one peer, if set.
	ID []byte
}

func (r *ListPeerChannelsRequest) encode() []byte {
	var buf []byte
	if len(r.ID) > 0 {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.ID)
	}

	return buf
}

func (r *ListPeerChannelsRequest) decode(data []byte) error {
	return fmt.Errorf("ListPeerChannelsRequest is request-only")
}

// PeerChannel mirrors the fields of cln.ListpeerchannelsChannels the
// gateway reads.
type PeerChannel struct {
	// PeerID is the remote node's public key.
	PeerID []byte

	// State is the channel state machine state.
	State ChannelState

	// SpendableMsat is the balance spendable towards the peer.
	SpendableMsat *Amount

	// ReceivableMsat is the balance receivable from the peer.
	ReceivableMsat *Amount
}

func (c *PeerChannel) encode() []byte {
	return nil
}

func (c *PeerChannel) decode(data []byte) error {
	return walkFields(data, func(num protowire.Number,
		typ protowire.Type, value []byte) error {

		switch {
		case num == 1 && typ == protowire.BytesType:
			c.PeerID = append([]byte(nil), value...)

		case num == 3 && typ == protowire.VarintType:
			state, _ := protowire.ConsumeVarint(value)
			c.State = ChannelState(state)

		case num == 33 && typ == protowire.BytesType:
			amount := &Amount{}
			if err := amount.decode(value); err != nil {
				return err
			}
			c.SpendableMsat = amount

		case num == 34 && typ == protowire.BytesType:
			amount := &Amount{}
			if err := amount.decode(value); err != nil {
				return err
			}
			c.ReceivableMsat = amount
		}

		return nil
	})
}

// ListPeerChannelsResponse mirrors cln.ListpeerchannelsResponse.
type ListPeerChannelsResponse struct {
	// Channels is the node's channel list.
	Channels []*PeerChannel
}

func (r *ListPeerChannelsResponse) encode() []byte {
	return nil
}

func (r *ListPeerChannelsResponse) decode(data []byte) error {
	return walkFields(data, func(num protowire.Number,
		typ protowire.Type, value []byte) error {

		if num == 1 && typ == protowire.BytesType {
			channel := &PeerChannel{}
			if err := channel.decode(value); err != nil {
				return err
			}
			r.Channels = append(r.Channels, channel)
		}

		return nil
	})
}

// walkFields iterates the top-level fields of an encoded message and
// hands each to visit. Varint fields pass their raw varint bytes,
// length-delimited fields their payload; other wire types are skipped.
func walkFields(data []byte, visit func(num protowire.Number,
	typ protowire.Type, value []byte) error) error {

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		size := protowire.ConsumeFieldValue(num, typ, data)
		if size < 0 {
			return protowire.ParseError(size)
		}

		value := data[:size]
		if typ == protowire.BytesType {
			payload, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return protowire.ParseError(m)
			}
			value = payload
		}

		if err := visit(num, typ, value); err != nil {
			return err
		}

		data = data[size:]
	}

	return nil
}
