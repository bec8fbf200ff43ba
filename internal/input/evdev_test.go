package input

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func encodeEvent(e Event) []byte {
	buf := make([]byte, eventSize)
	tv := eventSize - 8
	if tv == 16 {
		hostOrder.PutUint64(buf[0:8], uint64(e.Time.Unix()))
		hostOrder.PutUint64(buf[8:16], uint64(e.Time.Nanosecond()/1000))
	} else {
		hostOrder.PutUint32(buf[0:4], uint32(e.Time.Unix()))
		hostOrder.PutUint32(buf[4:8], uint32(e.Time.Nanosecond()/1000))
	}
	hostOrder.PutUint16(buf[tv:], e.Type)
	hostOrder.PutUint16(buf[tv+2:], e.Code)
	hostOrder.PutUint32(buf[tv+4:], uint32(e.Value))
	return buf
}

func TestDecodeEvents(t *testing.T) {
	stamp := time.Unix(1700000000, 250000*1000)
	in := []Event{
		{Time: stamp, Type: evKey, Code: keyEsc, Value: 1},
		{Time: stamp, Type: evRel, Code: relX, Value: -7},
		{Time: stamp, Type: evSyn, Code: synReport},
	}
	var buf []byte
	for _, e := range in {
		buf = append(buf, encodeEvent(e)...)
	}
	// A trailing fragment is ignored.
	buf = append(buf, 1, 2, 3)

	out := decodeEvents(buf, nil)
	require.Len(t, out, len(in))
	for i := range in {
		require.True(t, in[i].Time.Equal(out[i].Time))
		require.Equal(t, in[i].Type, out[i].Type)
		require.Equal(t, in[i].Code, out[i].Code)
		require.Equal(t, in[i].Value, out[i].Value)
	}
}

func TestIoctlEncoding(t *testing.T) {
	require.Equal(t, uintptr(0x40044590), eviocGrab())
	require.Equal(t, uintptr(0x81004506), eviocGName(256))
	require.Equal(t, uintptr(0x80184540), eviocGAbs(absX))
	require.Equal(t, uintptr(0x80604521), eviocGBit(evKey, keyCnt/8))
}

func TestBitset(t *testing.T) {
	b := newBitset(20)
	require.Len(t, b, 3)
	b.set(0)
	b.set(9)
	b.set(19)
	b.set(400)
	require.True(t, b.has(9))
	require.False(t, b.has(10))
	require.False(t, b.has(400))
	require.Equal(t, 3, b.count())
}

func TestCapsBuilders(t *testing.T) {
	c := touchscreenCaps()
	require.True(t, c.Ev.has(evKey))
	require.True(t, c.Ev.has(evAbs))
	require.False(t, c.Ev.has(evRel))
	require.Equal(t, int32(4095), c.AbsInfo[absMTPositionX].Max)
}
