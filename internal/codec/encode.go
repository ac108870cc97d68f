package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// LoginPacket builds the device login: a two-byte length and the ASCII IMEI.
func LoginPacket(imei string) []byte {
	b := binary.BigEndian.AppendUint16(nil, uint16(len(imei)))
	return append(b, imei...)
}

// EncodeAVL builds a complete Codec 8 or Codec 8 Extended frame, the way a
// tracker would send it. IO elements are written in id order, grouped by
// size; sizes other than 1, 2, 4 and 8 bytes need Codec 8 Extended.
func EncodeAVL(codecID uint8, records []AVLRecord) ([]byte, error) {
	if codecID != Codec8 && codecID != Codec8Extended {
		return nil, fmt.Errorf("unsupported codec 0x%02x", codecID)
	}
	if len(records) > math.MaxUint8 {
		return nil, fmt.Errorf("too many records: %d", len(records))
	}
	extended := codecID == Codec8Extended

	data := []byte{codecID, byte(len(records))}
	for i, rec := range records {
		var err error
		if data, err = appendRecord(data, rec, extended); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	data = append(data, byte(len(records)))

	frame := make([]byte, 4, 12+len(data))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(data)))
	frame = append(frame, data...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(crc16IBM(data)))
	return frame, nil
}

func appendRecord(b []byte, rec AVLRecord, extended bool) ([]byte, error) {
	putCount := func(b []byte, v int) []byte {
		if extended {
			return binary.BigEndian.AppendUint16(b, uint16(v))
		}
		return append(b, byte(v))
	}

	b = binary.BigEndian.AppendUint64(b, uint64(rec.Timestamp.UnixMilli()))
	b = append(b, byte(rec.Priority))
	b = binary.BigEndian.AppendUint32(b, uint32(int32(math.Round(rec.GPS.Longitude*1e7))))
	b = binary.BigEndian.AppendUint32(b, uint32(int32(math.Round(rec.GPS.Latitude*1e7))))
	b = binary.BigEndian.AppendUint16(b, uint16(int16(rec.GPS.Altitude)))
	b = binary.BigEndian.AppendUint16(b, uint16(rec.GPS.Angle))
	b = append(b, byte(rec.GPS.Satellites))
	b = binary.BigEndian.AppendUint16(b, uint16(rec.GPS.Speed))

	groups := map[int][]uint16{}
	for id, item := range rec.IO {
		size := item.Size
		switch size {
		case 1, 2, 4, 8:
		default:
			if !extended {
				return nil, fmt.Errorf("io %d: %d-byte value needs codec 8 extended", id, size)
			}
			size = 0
		}
		if !extended && id > math.MaxUint8 {
			return nil, fmt.Errorf("io id %d does not fit codec 8", id)
		}
		groups[size] = append(groups[size], id)
	}

	b = putCount(b, rec.EventIOID)
	b = putCount(b, len(rec.IO))
	for _, size := range []int{1, 2, 4, 8} {
		ids := groups[size]
		slices.Sort(ids)
		b = putCount(b, len(ids))
		for _, id := range ids {
			b = putCount(b, int(id))
			v := make([]byte, 8)
			binary.BigEndian.PutUint64(v, rec.IO[id].Val)
			b = append(b, v[8-size:]...)
		}
	}
	if extended {
		ids := groups[0]
		slices.Sort(ids)
		b = binary.BigEndian.AppendUint16(b, uint16(len(ids)))
		for _, id := range ids {
			raw := rec.IO[id].Raw
			b = binary.BigEndian.AppendUint16(b, id)
			b = binary.BigEndian.AppendUint16(b, uint16(len(raw)))
			b = append(b, raw...)
		}
	}
	return b, nil
}
