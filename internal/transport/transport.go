// Package transport defines the monitor's peer-transport contract and one
// default implementation. Per spec.md §1, transport is explicitly an
// external collaborator — "only its interface... enumerated" — so this
// package stays deliberately thin: a Sender contract plus a default
// net/http-based implementation grounded on rafthttp/sender.go's
// per-peer worker-goroutine idiom (a bounded outbound queue drained by a
// small pool of goroutines, non-blocking Send).
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/xiang90/probing"
	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/wire"
)

// Handler processes one inbound decoded message from a peer.
type Handler func(from string, msg wire.Message)

// Sender is the outbound half of the monitor's transport contract —
// the "send" and "broadcast" primitives of the monitor trait described in
// Design Notes §9.
type Sender interface {
	// Send enqueues msg for delivery to the peer at addr. It never blocks;
	// delivery is best-effort, matching spec.md's client-retry model.
	Send(addr string, typ wire.Type, sender string, epoch uint64, payload any)
	// Stop releases per-peer workers and connections.
	Stop()
}

const (
	queueSize  = 256
	numWorkers = 2
	postPath   = "/mon/wire"
)

// HTTPTransport is the default Sender: one bounded queue and worker pool
// per destination address, each worker POSTing framed wire.Messages.
type HTTPTransport struct {
	lg     *zap.Logger
	client *http.Client

	mu      sync.Mutex
	queues  map[string]chan frame
	stopped bool
	wg      sync.WaitGroup

	// prober watches peer liveness independently of the lease timer, so
	// the leader's lease-renewal loop can notice a silently partitioned
	// peon before the lease timeout would otherwise fire (SPEC_FULL.md §11).
	prober probing.Prober
}

// probingPath is where Serve registers the probing handler and where
// Watch tells the prober to dial.
const probingPath = "/probing"

type frame struct {
	typ     wire.Type
	sender  string
	epoch   uint64
	payload any
}

// NewHTTPTransport builds an HTTPTransport. timeout bounds each outbound
// POST (matching spec.md §5's "no component may hold the core lock across
// a blocking flush": sends happen off the event-loop goroutine).
func NewHTTPTransport(lg *zap.Logger, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		lg:     lg,
		client: &http.Client{Timeout: timeout},
		queues: map[string]chan frame{},
		prober: probing.NewProber(http.DefaultTransport),
	}
}

// Watch starts probing addr's liveness on probeInterval, independent of
// message traffic. Safe to call more than once for the same addr.
func (t *HTTPTransport) Watch(addr string, probeInterval time.Duration) error {
	_ = t.prober.Remove(addr)
	return t.prober.AddHTTP(addr, probeInterval, []string{addr + probingPath})
}

// Unwatch stops probing addr.
func (t *HTTPTransport) Unwatch(addr string) error {
	return t.prober.Remove(addr)
}

// Healthy reports whether the most recent probe of addr succeeded. A peer
// never Watch()'d is reported unhealthy.
func (t *HTTPTransport) Healthy(addr string) bool {
	st, err := t.prober.Status(addr)
	if err != nil {
		return false
	}
	return st.Health()
}

func (t *HTTPTransport) queueFor(addr string) chan frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[addr]
	if ok {
		return q
	}
	q = make(chan frame, queueSize)
	t.queues[addr] = q
	for i := 0; i < numWorkers; i++ {
		t.wg.Add(1)
		go t.worker(addr, q)
	}
	return q
}

func (t *HTTPTransport) worker(addr string, q chan frame) {
	defer t.wg.Done()
	for f := range q {
		if err := t.post(addr, f); err != nil {
			t.lg.Warn("peer send failed", zap.String("addr", addr), zap.Error(err))
		}
	}
}

func (t *HTTPTransport) post(addr string, f frame) error {
	var buf bytes.Buffer
	if err := wire.Encode(&buf, f.typ, f.sender, f.epoch, f.payload); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+postPath, &buf)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: peer %s returned %s", addr, resp.Status)
	}
	return nil
}

// Send implements Sender. It drops the message (logging at debug level)
// rather than blocking when the destination's queue is full, matching
// spec.md's "It is okay to drop messages, since clients should timeout and
// reissue" sender contract inherited from the teacher.
func (t *HTTPTransport) Send(addr string, typ wire.Type, sender string, epoch uint64, payload any) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	q := t.queueFor(addr)
	select {
	case q <- frame{typ: typ, sender: sender, epoch: epoch, payload: payload}:
	default:
		t.lg.Debug("dropping message, peer queue full", zap.String("addr", addr), zap.String("type", string(typ)))
	}
}

// Stop closes every per-peer queue and waits for workers to drain.
func (t *HTTPTransport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	queues := t.queues
	t.queues = map[string]chan frame{}
	t.mu.Unlock()

	for _, q := range queues {
		close(q)
	}
	t.wg.Wait()
}

// Serve registers the monitor's inbound wire handler on mux at postPath, plus
// the probing handler peers dial to check this monitor's liveness. Splitting
// listen/serve from Send lets the caller multiplex this handler behind cmux
// alongside the admin HTTP surface (internal/router).
func Serve(mux *http.ServeMux, lg *zap.Logger, handle Handler) {
	mux.HandleFunc(postPath, func(w http.ResponseWriter, r *http.Request) {
		msg, err := wire.Decode(r.Body)
		if err != nil {
			lg.Warn("bad inbound message", zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		handle(msg.Header.Sender, msg)
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle(probingPath, probing.NewHandler())
}
