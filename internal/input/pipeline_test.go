package input

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronologos/spr16/internal/protocol"
)

// fakeDevice records calls into a shared log and emits canned events.
type fakeDevice struct {
	id      uint8
	name    string
	role    Role
	calls   *[]string
	pending []protocol.Input
	err     error
	closed  bool
}

func (d *fakeDevice) ID() uint8     { return d.id }
func (d *fakeDevice) Name() string  { return d.name }
func (d *fakeDevice) Path() string  { return "/dev/input/" + d.name }
func (d *fakeDevice) Role() Role    { return d.role }
func (d *fakeDevice) Fd() int       { return 100 + int(d.id) }
func (d *fakeDevice) Close() error  { d.closed = true; return nil }
func (d *fakeDevice) log(op string) { *d.calls = append(*d.calls, fmt.Sprintf("%s:%s", op, d.name)) }

func (d *fakeDevice) Transceive(out Emitter) error {
	d.log("transceive")
	if d.err != nil {
		return d.err
	}
	for _, in := range d.pending {
		out.Input(in)
	}
	d.pending = nil
	return nil
}

func (d *fakeDevice) Flush() error {
	d.log("flush")
	d.pending = nil
	return d.err
}

func (d *fakeDevice) Reset() { d.log("reset") }

func newTestPipeline(calls *[]string, sink Emitter, hk *Hotkeys) *Pipeline {
	return NewPipeline(sink, hk, func() { *calls = append(*calls, "resync") }, testLog())
}

func TestPipelineForwardsWhenActive(t *testing.T) {
	var calls []string
	var r recorder
	p := newTestPipeline(&calls, &r, nil)
	kbd := &fakeDevice{name: "kbd", calls: &calls, pending: []protocol.Input{key('a', protocol.KeyDown, 0)}}
	p.Add(kbd)

	require.NoError(t, p.Service(kbd))
	require.Len(t, r.inputs, 1)
	require.Equal(t, uint16('a'), r.inputs[0].Code)
}

func TestPipelineMutedDiscards(t *testing.T) {
	var calls []string
	var r recorder
	p := newTestPipeline(&calls, &r, nil)
	kbd := &fakeDevice{name: "kbd", calls: &calls, pending: []protocol.Input{key('a', protocol.KeyDown, 0)}}
	p.Add(kbd)

	p.Mute()
	require.Equal(t, Muted, p.State())
	require.NoError(t, p.Service(kbd))
	require.Empty(t, r.inputs)
	require.Equal(t, []string{"flush:kbd"}, calls)
}

func TestPipelineUnmuteOrder(t *testing.T) {
	var calls []string
	var r recorder
	p := newTestPipeline(&calls, &r, nil)
	p.Add(&fakeDevice{id: 0, name: "kbd", calls: &calls})
	p.Add(&fakeDevice{id: 1, name: "mouse", calls: &calls})

	p.Unmute()
	require.Empty(t, calls, "unmute while active is a no-op")

	p.Mute()
	p.Unmute()
	require.Equal(t, []string{
		"flush:kbd", "flush:mouse",
		"reset:kbd", "reset:mouse",
		"resync",
	}, calls)
	require.Equal(t, Active, p.State())
}

func TestPipelineHotkeysFilter(t *testing.T) {
	var calls []string
	var r recorder
	killed := false
	p := newTestPipeline(&calls, &r, &Hotkeys{OnKill: func() { killed = true }})
	kbd := &fakeDevice{name: "kbd", calls: &calls, pending: []protocol.Input{
		key(protocol.ASCIIEscape, protocol.KeyDown, protocol.ModCtrl|protocol.ModAlt),
		key('x', protocol.KeyDown, 0),
	}}
	p.Add(kbd)

	require.NoError(t, p.Service(kbd))
	require.True(t, killed)
	require.Len(t, r.inputs, 1)
	require.Equal(t, uint16('x'), r.inputs[0].Code)
}

func TestPipelineDropsRemovedDevice(t *testing.T) {
	var calls []string
	var r recorder
	p := newTestPipeline(&calls, &r, nil)
	gone := &fakeDevice{name: "gone", calls: &calls, err: ErrDeviceGone}
	p.Add(gone)
	require.True(t, p.HasRole(RoleKeyboard))

	require.ErrorIs(t, p.Service(gone), ErrDeviceGone)
	require.True(t, gone.closed)
	require.Empty(t, p.Devices())
}

func TestPipelineLookupAndIDs(t *testing.T) {
	var calls []string
	p := newTestPipeline(&calls, &recorder{}, nil)
	require.Equal(t, uint8(0), p.NextID())

	a := &fakeDevice{id: 0, name: "a", calls: &calls}
	b := &fakeDevice{id: 2, name: "b", calls: &calls, role: RoleMouse}
	p.Add(a)
	p.Add(b)
	require.Equal(t, uint8(1), p.NextID())
	require.Same(t, b, p.Lookup(b.Fd()).(*fakeDevice))
	require.Nil(t, p.Lookup(-1))

	require.True(t, p.Remove(a.Path()))
	require.False(t, p.Remove(a.Path()))
	require.False(t, p.HasRole(RoleKeyboard))
	require.True(t, p.HasRole(RoleMouse))
}
