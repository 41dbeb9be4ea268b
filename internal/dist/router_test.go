package dist

import (
	"testing"

	"github.com/danmuck/erlnode/internal/etf"
	"github.com/danmuck/erlnode/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestRouteUnknownOperationIsDropped(t *testing.T) {
	testlog.Start(t)
	rt := newRecordingRuntime()
	r := NewRouter("b@host", nil, etf.DefaultDecodeOptions(), rt)

	c, err := r.Route("a@host", frameBody(t, etf.Tuple{etf.Atom("frobnicate"), etf.Atom("x")}))
	require.NoError(t, err)
	require.IsType(t, Unrecognized{}, c)
	rt.requireNoDelivery(t)
	require.Zero(t, rt.signals())

	_, err = r.Route("a@host", frameBody(t, etf.Tuple{etf.Atom("frobnicate")}))
	require.ErrorIs(t, err, ErrMalformedControl)
}

func TestRouteDispatchesToRuntime(t *testing.T) {
	testlog.Start(t)
	rt := newRecordingRuntime()
	r := NewRouter("b@host", nil, etf.DefaultDecodeOptions(), rt)
	a, b := pid("a@host", 1), pid("b@host", 2)

	_, err := r.Route("a@host", frameBody(t, etf.Tuple{int(OpSend), etf.Atom(""), b}, etf.Atom("ping")))
	require.NoError(t, err)
	d := rt.nextDelivery(t)
	require.Equal(t, etf.Atom("a@host"), d.peer)
	require.Equal(t, Message{To: b, Payload: etf.Atom("ping")}, d.msg)
	require.False(t, d.msg.Registered())

	_, err = r.Route("a@host", frameBody(t, etf.Tuple{int(OpRegSend), a, etf.Atom(""), etf.Atom("logger")}, 1))
	require.NoError(t, err)
	d = rt.nextDelivery(t)
	require.True(t, d.msg.Registered())
	require.Equal(t, etf.Atom("logger"), d.msg.ToName)
	require.Equal(t, a, d.msg.From)

	for _, ctl := range []etf.Tuple{
		{int(OpLink), a, b},
		{int(OpUnlink), a, b},
		{int(OpExit), a, b, etf.Atom("normal")},
		{int(OpGroupLeader), a, b},
		{int(OpMonitorP), a, etf.Atom("logger"), ref("a@host", 1)},
		{int(OpNodeLink)},
	} {
		_, err := r.Route("a@host", frameBody(t, ctl))
		require.NoError(t, err)
	}
	require.Len(t, rt.links, 1)
	require.Len(t, rt.unlinks, 1)
	require.Equal(t, etf.Atom("normal"), rt.exits[0].Reason)
	require.Len(t, rt.leaders, 1)
	require.Equal(t, Monitor{From: a, To: etf.Atom("logger"), Ref: ref("a@host", 1)}, rt.monitors[0])
}

func TestRouteRejectsBrokenFrames(t *testing.T) {
	testlog.Start(t)
	r := NewRouter("b@host", nil, etf.DefaultDecodeOptions(), nil)
	b := pid("b@host", 2)

	cases := map[string][]byte{
		"missing pass-through": frameBody(t, etf.Tuple{int(OpNodeLink)})[1:],
		"empty":                {},
		"bad version":          {'p', 130, 97, 1},
		"truncated control":    {'p', 131, 104, 3, 97},
		"trailing bytes":       append(frameBody(t, etf.Tuple{int(OpSend), etf.Atom(""), b}, 1), 0),
		"bad payload":          append(frameBody(t, etf.Tuple{int(OpSend), etf.Atom(""), b}), 131, 255),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.Route("a@host", body)
			require.ErrorIs(t, err, ErrMalformedControl)
		})
	}
}

func TestRouterForcesAtoms(t *testing.T) {
	testlog.Start(t)
	opts := etf.DefaultDecodeOptions()
	opts.AtomsAsStrings = true
	r := NewRouter("b@host", nil, opts, nil)
	c, err := r.Decode(frameBody(t, etf.Tuple{int(OpRegSend), pid("a@host", 1), etf.Atom(""), etf.Atom("logger")}, 1))
	require.NoError(t, err)
	require.Equal(t, etf.Atom("logger"), c.(RegSend).Name)
}
