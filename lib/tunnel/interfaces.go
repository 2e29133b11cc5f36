// Package tunnel defines the opaque boundary between the router core
// (NetDB + streaming) and the tunnel-build/onion-wrapping machinery
// spec §1 places out of scope. Everything here is an interface the
// core consumes; no concrete transport, tunnel-build protocol, or
// packet-level onion wrapping is implemented in this module.
package tunnel

// OutboundTunnel is a unidirectional path originating at us. SendTo
// enqueues an already-wrapped message for delivery through the tunnel
// to the given gateway/tunnel-id pair — the shape every stream Send and
// every NetDB tunnel-routed lookup/publish ultimately calls.
type OutboundTunnel interface {
	SendTo(gateway [32]byte, tunnelID uint32, message []byte) error
}

// InboundTunnel is a unidirectional path terminating at us, referenced
// by identity when we need to hand it out to a peer as part of our own
// lease set.
type InboundTunnel interface {
	GatewayHash() [32]byte
	TunnelID() uint32
}

// Pool provides round-robin access to a router's tunnel pool. The core
// never builds, tears down, or inspects the hop list of a tunnel — it
// only asks for the next one to use.
type Pool interface {
	NextOutboundTunnel() (OutboundTunnel, bool)
	NextInboundTunnel() (InboundTunnel, bool)
}

// RoutingSession wraps an application payload (optionally piggybacking
// a lease set for the first message of a burst) into the onion-encoded
// bytes an OutboundTunnel will carry. The encryption session, garlic
// cloves, and ElGamal/AEAD primitives behind this call are all out of
// scope (spec §1) — this is a pure function boundary.
type RoutingSession interface {
	WrapSingleMessage(payload []byte, optionalLeaseSet []byte) ([]byte, error)
}
