package dist

import (
	"sync"
	"testing"
	"time"

	"github.com/danmuck/erlnode/internal/etf"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	peer etf.Atom
	msg  Message
}

type nodeDown struct {
	peer etf.Atom
	err  error
}

// recordingRuntime captures every runtime call.
type recordingRuntime struct {
	mu       sync.Mutex
	links    []Link
	unlinks  []Unlink
	exits    []Exit
	monitors []MonitorSignal
	leaders  []GroupLeader

	delivered chan delivery
	down      chan nodeDown
}

func newRecordingRuntime() *recordingRuntime {
	return &recordingRuntime{
		delivered: make(chan delivery, 16),
		down:      make(chan nodeDown, 4),
	}
}

func (r *recordingRuntime) Deliver(peer etf.Atom, msg Message) {
	r.delivered <- delivery{peer: peer, msg: msg}
}

func (r *recordingRuntime) SignalLink(_ etf.Atom, from, to etf.Pid, linked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if linked {
		r.links = append(r.links, Link{From: from, To: to})
		return
	}
	r.unlinks = append(r.unlinks, Unlink{From: from, To: to})
}

func (r *recordingRuntime) SignalExit(_ etf.Atom, e Exit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = append(r.exits, e)
}

func (r *recordingRuntime) SignalMonitor(_ etf.Atom, sig MonitorSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitors = append(r.monitors, sig)
}

func (r *recordingRuntime) SignalGroupLeader(_ etf.Atom, from, to etf.Pid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaders = append(r.leaders, GroupLeader{From: from, To: to})
}

func (r *recordingRuntime) NodeDown(peer etf.Atom, err error) {
	r.down <- nodeDown{peer: peer, err: err}
}

func (r *recordingRuntime) signals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links) + len(r.unlinks) + len(r.exits) + len(r.monitors) + len(r.leaders)
}

func (r *recordingRuntime) nextDelivery(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-r.delivered:
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("no delivery")
	}
	return delivery{}
}

func (r *recordingRuntime) requireNoDelivery(t *testing.T) {
	t.Helper()
	select {
	case d := <-r.delivered:
		t.Fatalf("unexpected delivery %+v", d)
	default:
	}
}

func (r *recordingRuntime) nextDown(t *testing.T) nodeDown {
	t.Helper()
	select {
	case d := <-r.down:
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("no node down")
	}
	return nodeDown{}
}

func pid(node string, id uint32) etf.Pid {
	return etf.Pid{Node: etf.Atom(node), ID: id, Serial: 0, Creation: 3}
}

func ref(node string, ids ...uint32) etf.Reference {
	return etf.Reference{Node: etf.Atom(node), Creation: 3, IDs: ids}
}

// frameBody encodes a raw control tuple and optional payload the way a peer
// would, bypassing the typed encoder.
func frameBody(t *testing.T, ctl etf.Term, payload ...etf.Term) []byte {
	t.Helper()
	out, err := etf.AppendEnvelope(nil, []byte{'p'}, ctl)
	require.NoError(t, err)
	for _, p := range payload {
		out, err = etf.AppendEnvelope(nil, out, p)
		require.NoError(t, err)
	}
	return out
}
