package codec

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	ts         time.Time
	lat, lon   float64
	sats       uint8
	speed      uint16
	angle      uint16
	io1        map[uint16]uint8
	io2        map[uint16]uint16
	ioVariable map[uint16][]byte
}

func putCount(b []byte, v int, extended bool) []byte {
	if extended {
		return binary.BigEndian.AppendUint16(b, uint16(v))
	}
	return append(b, byte(v))
}

func buildFrame(t *testing.T, codecID uint8, recs []testRecord) []byte {
	t.Helper()
	extended := codecID == Codec8Extended

	data := []byte{codecID, byte(len(recs))}
	for _, r := range recs {
		data = binary.BigEndian.AppendUint64(data, uint64(r.ts.UnixMilli()))
		data = append(data, 1) // priority
		data = binary.BigEndian.AppendUint32(data, uint32(int32(math.Round(r.lon*1e7))))
		data = binary.BigEndian.AppendUint32(data, uint32(int32(math.Round(r.lat*1e7))))
		data = binary.BigEndian.AppendUint16(data, 40)
		data = binary.BigEndian.AppendUint16(data, r.angle)
		data = append(data, r.sats)
		data = binary.BigEndian.AppendUint16(data, r.speed)

		total := len(r.io1) + len(r.io2) + len(r.ioVariable)
		data = putCount(data, 0, extended) // event id
		data = putCount(data, total, extended)

		data = putCount(data, len(r.io1), extended)
		for id, v := range r.io1 {
			data = putCount(data, int(id), extended)
			data = append(data, v)
		}
		data = putCount(data, len(r.io2), extended)
		for id, v := range r.io2 {
			data = putCount(data, int(id), extended)
			data = binary.BigEndian.AppendUint16(data, v)
		}
		data = putCount(data, 0, extended) // 4B
		data = putCount(data, 0, extended) // 8B
		if extended {
			data = binary.BigEndian.AppendUint16(data, uint16(len(r.ioVariable)))
			for id, v := range r.ioVariable {
				data = binary.BigEndian.AppendUint16(data, id)
				data = binary.BigEndian.AppendUint16(data, uint16(len(v)))
				data = append(data, v...)
			}
		}
	}
	data = append(data, byte(len(recs)))

	frame := []byte{0, 0, 0, 0}
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(data)))
	frame = append(frame, data...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(crc16IBM(data)))
	return frame
}

func TestDecodeAVL_Codec8(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	frame := buildFrame(t, Codec8, []testRecord{
		{ts: ts, lat: 37.5665, lon: 126.978, sats: 9, speed: 42, angle: 90, io1: map[uint16]uint8{239: 1}},
		{ts: ts.Add(time.Second), lat: 37.5666, lon: 126.978, sats: 9, speed: 43, io2: map[uint16]uint16{182: 11}},
	})

	n, ok, err := FrameLength(frame)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, len(frame), n)

	pkt, err := DecodeAVL(frame)
	require.NoError(t, err)
	assert.Equal(t, Codec8, pkt.CodecID)
	require.Len(t, pkt.Records, 2)

	r0 := pkt.Records[0]
	assert.True(t, r0.Timestamp.Equal(ts))
	assert.InDelta(t, 37.5665, r0.GPS.Latitude, 1e-7)
	assert.InDelta(t, 126.978, r0.GPS.Longitude, 1e-7)
	assert.Equal(t, 9, r0.GPS.Satellites)
	assert.Equal(t, 42, r0.GPS.Speed)
	assert.Equal(t, 90, r0.GPS.Angle)
	assert.Equal(t, uint64(1), r0.IO[239].Val)

	assert.Equal(t, uint64(11), pkt.Records[1].IO[182].Val)
	assert.Equal(t, 2, pkt.Records[1].IO[182].Size)
}

func TestDecodeAVL_Codec8Extended(t *testing.T) {
	frame := buildFrame(t, Codec8Extended, []testRecord{{
		ts:         time.Unix(1700000000, 0),
		lat:        -33.8688,
		lon:        151.2093,
		sats:       12,
		speed:      80,
		io2:        map[uint16]uint16{300: 513},
		ioVariable: map[uint16][]byte{385: {0xde, 0xad, 0xbe}},
	}})

	pkt, err := DecodeAVL(frame)
	require.NoError(t, err)
	require.Len(t, pkt.Records, 1)
	rec := pkt.Records[0]
	assert.InDelta(t, -33.8688, rec.GPS.Latitude, 1e-7)
	assert.Equal(t, uint64(513), rec.IO[300].Val)
	assert.Equal(t, "deadbe", hex.EncodeToString(rec.IO[385].Raw))
	assert.Equal(t, 3, rec.TotalIO)
}

func TestDecodeAVL_Errors(t *testing.T) {
	frame := buildFrame(t, Codec8, []testRecord{{ts: time.Unix(1, 0), lat: 1, lon: 1, sats: 5}})

	_, err := DecodeAVL(frame[:len(frame)-3])
	assert.True(t, errors.Is(err, ErrIncomplete))

	corrupt := append([]byte(nil), frame...)
	corrupt[len(corrupt)-1] ^= 0xff
	_, err = DecodeAVL(corrupt)
	assert.True(t, errors.Is(err, ErrCRCMismatch))

	bad := append([]byte(nil), frame...)
	bad[0] = 1
	_, _, err = FrameLength(bad)
	assert.Error(t, err)

	_, ok, err := FrameLength(frame[:5])
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestParseIMEI(t *testing.T) {
	login := append([]byte{0x00, 0x0F}, []byte("356307042441013")...)

	_, _, ok, err := ParseIMEI(login[:10])
	require.NoError(t, err)
	assert.False(t, ok)

	imei, n, ok, err := ParseIMEI(login)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "356307042441013", imei)
	assert.Equal(t, 17, n)

	_, _, _, err = ParseIMEI(append([]byte{0x00, 0x0F}, []byte("3563070424410xx")...))
	assert.Error(t, err)
}

func TestAck(t *testing.T) {
	assert.Equal(t, []byte{0, 0, 0, 2}, Ack(2))
}

func TestCRC16IBM(t *testing.T) {
	// Check value for CRC-16/ARC ("123456789").
	assert.Equal(t, uint16(0xBB3D), crc16IBM([]byte("123456789")))
}

func TestEncodeAVL_RoundTrip(t *testing.T) {
	recs := []AVLRecord{
		{
			Timestamp: time.UnixMilli(1767225600123).UTC(),
			Priority:  1,
			GPS:       GPSData{Latitude: 37.5665, Longitude: 126.978, Altitude: -12, Angle: 270, Satellites: 11, Speed: 64},
			EventIOID: 239,
			TotalIO:   3,
			IO: map[uint16]IOItem{
				239: {Size: 1, Val: 1},
				182: {Size: 2, Val: 9},
				16:  {Size: 4, Val: 123456},
			},
		},
	}
	for _, id := range []uint8{Codec8, Codec8Extended} {
		frame, err := EncodeAVL(id, recs)
		require.NoError(t, err)

		pkt, err := DecodeAVL(frame)
		require.NoError(t, err)
		require.Len(t, pkt.Records, 1)
		got := pkt.Records[0]
		assert.True(t, got.Timestamp.Equal(recs[0].Timestamp))
		assert.Equal(t, recs[0].GPS, got.GPS)
		assert.Equal(t, 239, got.EventIOID)
		assert.Equal(t, uint64(123456), got.IO[16].Val)
		assert.Equal(t, uint64(9), got.IO[182].Val)
	}
}

func TestEncodeAVL_Errors(t *testing.T) {
	_, err := EncodeAVL(0x0C, nil)
	assert.Error(t, err)

	variable := []AVLRecord{{IO: map[uint16]IOItem{385: {Size: 3, Raw: []byte{1, 2, 3}}}}}
	_, err = EncodeAVL(Codec8, variable)
	assert.Error(t, err)

	frame, err := EncodeAVL(Codec8Extended, variable)
	require.NoError(t, err)
	pkt, err := DecodeAVL(frame)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, pkt.Records[0].IO[385].Raw)
}

func TestLoginPacket(t *testing.T) {
	imei, n, ok, err := ParseIMEI(LoginPacket("356307042441013"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "356307042441013", imei)
	assert.Equal(t, 17, n)
}
