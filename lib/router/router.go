// Package router wires the NetDB engine, the streaming engine, and
// their shared message queue into a single process (spec §9 "global
// singletons": every piece the source reaches through a process-wide
// global is injected here at construction instead).
package router

import (
	"context"
	"sync"

	"github.com/go-i2p/go-router-core/lib/mqueue"
	"github.com/go-i2p/go-router-core/lib/netdb"
	"github.com/go-i2p/go-router-core/lib/streaming"
	"github.com/go-i2p/go-router-core/lib/tunnel"
	"github.com/rs/zerolog/log"
)

// Router owns the three long-running workers spec §5 describes (NetDB
// engine, streaming engine; the transport layer feeding both is
// external and out of scope). Start spawns them; Stop signals the
// queue to wake, joins the NetDB worker, then stops the streaming
// engine.
type Router struct {
	Store     *netdb.Store
	NetDB     *netdb.Engine
	Streaming *streaming.Engine

	queue  *mqueue.Queue
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Router. ourHash identifies this router in NetDB;
// dataDir is where router records persist; exploratory is the tunnel
// pool used for outbound NetDB lookups/publishes; sender delivers
// direct (non-tunneled) NetDB replies; ownRecord supplies this
// router's own descriptor bytes on demand.
func New(
	ourHash netdb.IdentityHash,
	dataDir string,
	exploratory tunnel.Pool,
	sender netdb.Sender,
	ownRecord func() []byte,
) *Router {
	lookups := netdb.NewPendingLookups()
	store := netdb.NewStore(lookups)
	queue := mqueue.New()

	return &Router{
		Store:     store,
		NetDB:     netdb.NewEngine(ourHash, store, lookups, queue, dataDir, exploratory, sender, ownRecord),
		Streaming: streaming.NewEngine(),
		queue:     queue,
	}
}

// NetDBQueue returns the queue external transport code should Put
// inbound DatabaseStore/DatabaseSearchReply/DatabaseLookup messages
// onto for the NetDB engine to pick up.
func (r *Router) NetDBQueue() *mqueue.Queue {
	return r.queue
}

// RegisterDestination makes a StreamingDestination reachable by the
// streaming engine (spec §4.J: the engine owns a map identity_hash ->
// StreamingDestination).
func (r *Router) RegisterDestination(dest *streaming.StreamingDestination) {
	r.Streaming.Register(dest)
}

// Start spawns the NetDB and streaming workers. ctx governs both;
// cancelling it (or calling Stop) shuts them down.
func (r *Router) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		log.Info().Msg("router: NetDB engine starting")
		r.NetDB.Run(workerCtx)
		log.Info().Msg("router: NetDB engine stopped")
	}()

	r.Streaming.Start(workerCtx)
}

// Stop wakes the NetDB queue so its worker observes cancellation
// promptly, joins it, then stops the streaming engine (spec §9
// lifecycle: "stop signals the queue to wake, joins the worker, then
// drains and frees pending state").
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.queue.WakeUp()
	r.wg.Wait()
	r.Streaming.Stop()
}
