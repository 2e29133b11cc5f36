package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-i2p/go-router-core/lib/mqueue"
	"github.com/go-i2p/go-router-core/lib/netdb"
	"github.com/rs/zerolog/log"
)

const engineQueueIdleTimeout = 15 * time.Second

// commandKind enumerates the StreamCommand variants called for by
// spec §9's "dynamic dispatch across stream worker" redesign note:
// captured-this callbacks are replaced with explicit messages processed
// serially by the single streaming worker.
type commandKind int

const (
	cmdHandleIncoming commandKind = iota
	cmdSendBuffer
	cmdClose
	cmdReceiveTimerFired
	cmdResendTimerFired
)

// StreamCommand is the unit of work posted to the Engine. Every
// cross-thread touch of stream state goes through here instead of
// mutating a Stream's fields directly (spec §5).
type StreamCommand struct {
	kind     commandKind
	destHash netdb.IdentityHash
	streamID uint32 // recv_stream_id of the target stream, when known
	packet   *Packet
	buffer   []byte
	epoch    uint64
	result   chan sendResult
}

type sendResult struct {
	n   int
	err error
}

// errUnknownDestination/errUnknownStream surface a command that named a
// destination or stream the engine no longer has registered — this is
// routine under concurrent teardown, not a programming error.
var (
	errUnknownDestination = fmt.Errorf("streaming: unknown destination")
	errUnknownStream      = fmt.Errorf("streaming: unknown stream")
)

// Engine is the single process-wide background worker described by
// spec §4.J: it owns every registered StreamingDestination and
// dispatches inbound data messages and stream commands onto one
// goroutine. Grounded on go-i2p-go-streaming/manager.go's
// single-processor-loop shape, generalized from an I2CP-session-bound
// manager to an injected-dependency worker per spec §9 "global
// singletons".
type Engine struct {
	mu           sync.Mutex
	destinations map[netdb.IdentityHash]*StreamingDestination

	queue   *mqueue.Queue
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewEngine returns an Engine with no destinations registered. Start
// must be called to begin processing.
func NewEngine() *Engine {
	return &Engine{
		destinations: make(map[netdb.IdentityHash]*StreamingDestination),
		queue:        mqueue.New(),
		stopped:      make(chan struct{}),
	}
}

// Start spawns the engine's single worker goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop signals the worker to exit and waits for it to drain.
func (e *Engine) Stop() {
	close(e.stopped)
	e.queue.WakeUp()
	e.wg.Wait()
}

// Register associates a destination's identity hash with the engine so
// inbound data messages and stream commands can be routed to it.
func (e *Engine) Register(dest *StreamingDestination) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dest.engine = e
	e.destinations[dest.identityHash] = dest
}

// Unregister removes a destination; any commands already queued for it
// are dropped with a log line. A queued SendBuffer command's caller
// (Write) receives errUnknownDestination.
func (e *Engine) Unregister(hash netdb.IdentityHash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.destinations, hash)
}

// DeliverData is the engine's entry point for inbound Data(18)
// messages addressed to a local destination (spec §6): unwrap the gzip
// envelope, parse the stream packet, and post it as HandleIncoming.
// Per spec §9's "exception-for-control-flow" note, a parse failure is
// logged and the message dropped rather than propagated as an error.
func (e *Engine) DeliverData(destHash netdb.IdentityHash, rawDataMessage []byte) {
	marshaled, err := UnwrapDataMessage(rawDataMessage)
	if err != nil {
		log.Warn().Err(err).Msg("streaming: failed to unwrap inbound data message")
		return
	}
	pkt := &Packet{}
	if err := pkt.Unmarshal(marshaled); err != nil {
		log.Warn().Err(err).Msg("streaming: failed to parse inbound stream packet")
		return
	}
	e.queue.Put(StreamCommand{kind: cmdHandleIncoming, destHash: destHash, packet: pkt})
}

// CloseStream posts a Close command for the named stream.
func (e *Engine) CloseStream(destHash netdb.IdentityHash, streamID uint32) {
	e.queue.Put(StreamCommand{kind: cmdClose, destHash: destHash, streamID: streamID})
}

// submit is the internal posting path used by Stream's timers and
// Write to get back onto the engine goroutine.
func (e *Engine) submit(cmd StreamCommand) {
	e.queue.Put(cmd)
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopped:
			return
		default:
		}

		raw, ok := e.queue.GetWithTimeout(engineQueueIdleTimeout)
		if !ok {
			continue
		}
		cmd, ok := raw.(StreamCommand)
		if !ok {
			log.Warn().Msg("streaming: engine received malformed command, dropping")
			continue
		}
		e.dispatch(cmd)
	}
}

func (e *Engine) dispatch(cmd StreamCommand) {
	e.mu.Lock()
	dest, ok := e.destinations[cmd.destHash]
	e.mu.Unlock()
	if !ok {
		if cmd.kind == cmdSendBuffer && cmd.result != nil {
			cmd.result <- sendResult{0, errUnknownDestination}
		}
		log.Debug().Str("dest", cmd.destHash.String()).Msg("streaming: command for unregistered destination")
		return
	}

	switch cmd.kind {
	case cmdHandleIncoming:
		dest.HandleNextPacket(cmd.packet)

	case cmdSendBuffer:
		stream, ok := dest.lookupStream(cmd.streamID)
		if !ok {
			cmd.result <- sendResult{0, errUnknownStream}
			return
		}
		n, err := stream.Send(cmd.buffer)
		cmd.result <- sendResult{n, err}

	case cmdClose:
		if stream, ok := dest.lookupStream(cmd.streamID); ok {
			stream.Close()
		}

	case cmdReceiveTimerFired:
		if stream, ok := dest.lookupStream(cmd.streamID); ok {
			stream.fireReceiveTimeout(cmd.epoch)
		}

	case cmdResendTimerFired:
		if stream, ok := dest.lookupStream(cmd.streamID); ok {
			stream.fireResendTimer(cmd.epoch)
		}

	default:
		log.Warn().Int("kind", int(cmd.kind)).Msg("streaming: unknown command kind")
	}
}
