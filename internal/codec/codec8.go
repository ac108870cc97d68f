package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIncomplete means more bytes are needed before the frame can be decoded.
	ErrIncomplete = errors.New("incomplete frame")
	// ErrCRCMismatch means the frame arrived whole but its checksum is wrong.
	ErrCRCMismatch = errors.New("crc mismatch")
)

// maxDataLen bounds the data field so a corrupt header cannot stall the reader.
const maxDataLen = 64 * 1024

// reader is a bounds-checked cursor over the AVL data field.
type reader struct {
	data   []byte
	offset int
}

// safeRead guards against offsets past the end of the buffer.
func (r *reader) safeRead(length int) ([]byte, error) {
	if r.offset+length > len(r.data) {
		return nil, fmt.Errorf("buffer overflow: tried to read %d bytes at offset %d (len=%d)", length, r.offset, len(r.data))
	}
	b := r.data[r.offset : r.offset+length]
	r.offset += length
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.safeRead(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.safeRead(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.safeRead(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.safeRead(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// count reads a one-byte (Codec 8) or two-byte (Codec 8 Extended) counter or id.
func (r *reader) count(extended bool) (int, error) {
	if extended {
		v, err := r.u16()
		return int(v), err
	}
	v, err := r.u8()
	return int(v), err
}

// FrameLength returns the total length of the AVL frame at the start of buf.
// ok is false while the header itself is still incomplete.
func FrameLength(buf []byte) (n int, ok bool, err error) {
	if len(buf) < 8 {
		return 0, false, nil
	}
	if binary.BigEndian.Uint32(buf[0:4]) != 0 {
		return 0, false, fmt.Errorf("invalid preamble (expected 0x00000000)")
	}
	dataLen := binary.BigEndian.Uint32(buf[4:8])
	if dataLen == 0 || dataLen > maxDataLen {
		return 0, false, fmt.Errorf("invalid data field length %d", dataLen)
	}
	return 8 + int(dataLen) + 4, true, nil
}

// DecodeAVL decodes one complete Codec 8 or Codec 8 Extended frame.
func DecodeAVL(frame []byte) (*AvlPacket, error) {
	n, ok, err := FrameLength(frame)
	if err != nil {
		return nil, err
	}
	if !ok || len(frame) < n {
		return nil, ErrIncomplete
	}

	data := frame[8 : n-4]
	crc := binary.BigEndian.Uint32(frame[n-4 : n])
	if uint32(crc16IBM(data)) != crc {
		return nil, fmt.Errorf("%w: got %08x want %04x", ErrCRCMismatch, crc, crc16IBM(data))
	}

	pkt := &AvlPacket{
		Len: uint32(len(data)),
		CRC: crc,
	}
	r := &reader{data: data}
	if pkt.CodecID, err = r.u8(); err != nil {
		return nil, err
	}
	if pkt.CodecID != Codec8 && pkt.CodecID != Codec8Extended {
		return nil, fmt.Errorf("unsupported codec 0x%02x", pkt.CodecID)
	}
	extended := pkt.CodecID == Codec8Extended

	if pkt.Qty1, err = r.u8(); err != nil {
		return nil, err
	}
	pkt.Records = make([]AVLRecord, 0, pkt.Qty1)
	for i := 0; i < int(pkt.Qty1); i++ {
		rec, err := decodeRecord(r, extended)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		pkt.Records = append(pkt.Records, rec)
	}
	if pkt.Qty2, err = r.u8(); err != nil {
		return nil, err
	}
	if pkt.Qty1 != pkt.Qty2 {
		return nil, fmt.Errorf("record count mismatch: %d != %d", pkt.Qty1, pkt.Qty2)
	}
	return pkt, nil
}

func decodeRecord(r *reader, extended bool) (AVLRecord, error) {
	var rec AVLRecord

	ts, err := r.u64()
	if err != nil {
		return rec, err
	}
	rec.Timestamp = time.UnixMilli(int64(ts)).UTC()

	prio, err := r.u8()
	if err != nil {
		return rec, err
	}
	rec.Priority = int(prio)

	gps, err := r.safeRead(15)
	if err != nil {
		return rec, fmt.Errorf("gps element: %w", err)
	}
	rec.GPS = GPSData{
		Longitude:  float64(int32(binary.BigEndian.Uint32(gps[0:4]))) / 1e7,
		Latitude:   float64(int32(binary.BigEndian.Uint32(gps[4:8]))) / 1e7,
		Altitude:   int(int16(binary.BigEndian.Uint16(gps[8:10]))),
		Angle:      int(binary.BigEndian.Uint16(gps[10:12])),
		Satellites: int(gps[12]),
		Speed:      int(binary.BigEndian.Uint16(gps[13:15])),
	}

	if rec.EventIOID, err = r.count(extended); err != nil {
		return rec, err
	}
	if rec.TotalIO, err = r.count(extended); err != nil {
		return rec, err
	}
	rec.IO = make(map[uint16]IOItem, rec.TotalIO)

	// leer 1B,2B,4B,8B
	for _, size := range []int{1, 2, 4, 8} {
		if err := readGroup(r, rec.IO, size, extended); err != nil {
			return rec, fmt.Errorf("io group %dB: %w", size, err)
		}
	}
	// grupo X (id + size + value), solo Codec 8 Extended
	if extended {
		if err := readVariableGroup(r, rec.IO); err != nil {
			return rec, fmt.Errorf("io group X: %w", err)
		}
	}
	return rec, nil
}

// readGroup reads one group of IO elements of size bytes (1, 2, 4 or 8).
func readGroup(r *reader, io map[uint16]IOItem, size int, extended bool) error {
	n, err := r.count(extended)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		id, err := r.count(extended)
		if err != nil {
			return err
		}
		raw, err := r.safeRead(size)
		if err != nil {
			return err
		}
		io[uint16(id)] = IOItem{Size: size, Val: beUint(raw), Raw: raw}
	}
	return nil
}

func readVariableGroup(r *reader, io map[uint16]IOItem) error {
	n, err := r.u16()
	if err != nil {
		return err
	}
	for i := 0; i < int(n); i++ {
		id, err := r.u16()
		if err != nil {
			return err
		}
		size, err := r.u16()
		if err != nil {
			return err
		}
		raw, err := r.safeRead(int(size))
		if err != nil {
			return err
		}
		item := IOItem{Size: int(size), Raw: raw}
		if size <= 8 {
			item.Val = beUint(raw)
		}
		io[id] = item
	}
	return nil
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// ParseIMEI decodes the login packet: a two-byte length followed by the ASCII IMEI.
// It returns the number of bytes consumed; ok is false until the packet is complete.
func ParseIMEI(buf []byte) (imei string, n int, ok bool, err error) {
	if len(buf) < 2 {
		return "", 0, false, nil
	}
	l := int(binary.BigEndian.Uint16(buf[0:2]))
	if l < 8 || l > 17 {
		return "", 0, false, fmt.Errorf("invalid imei length %d", l)
	}
	if len(buf) < 2+l {
		return "", 0, false, nil
	}
	for _, c := range buf[2 : 2+l] {
		if c < '0' || c > '9' {
			return "", 0, false, fmt.Errorf("imei contains non-digit 0x%02x", c)
		}
	}
	return string(buf[2 : 2+l]), 2 + l, true, nil
}

// Ack builds the server acknowledgement for n accepted records.
func Ack(n int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}
