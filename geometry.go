package main

import (
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// SpatiaLite point blob layout.
const (
	spatialitePointLen   = 60
	spatialiteStart      = 0x00
	spatialiteMBREnd     = 0x7C
	spatialiteEnd        = 0xFE
	spatialiteClassPoint = 1
)

// spatialitePoint is a decoded SpatiaLite point geometry.
type spatialitePoint struct {
	order binary.ByteOrder
	srid  uint32
	x, y  uint64 // raw IEEE-754 bits in host form
}

// decodeSpatialitePoint parses the 60-byte blob. It reports false for
// anything that is not a point blob.
func decodeSpatialitePoint(b []byte) (spatialitePoint, bool) {
	if len(b) != spatialitePointLen || b[0] != spatialiteStart || b[38] != spatialiteMBREnd || b[59] != spatialiteEnd {
		return spatialitePoint{}, false
	}
	var order binary.ByteOrder
	switch b[1] {
	case 0x00:
		order = binary.BigEndian
	case 0x01:
		order = binary.LittleEndian
	default:
		return spatialitePoint{}, false
	}
	if order.Uint32(b[39:43]) != spatialiteClassPoint {
		return spatialitePoint{}, false
	}
	return spatialitePoint{
		order: order,
		srid:  order.Uint32(b[2:6]),
		x:     order.Uint64(b[43:51]),
		y:     order.Uint64(b[51:59]),
	}, true
}

// encodePoint renders p in the dialect's native point binary.
func encodePoint(d Dialect, p spatialitePoint) []byte {
	prefix, coordOrder := d.GeometryPrefix(p.order, p.srid)
	out := make([]byte, len(prefix)+16)
	copy(out, prefix)
	coordOrder.PutUint64(out[len(prefix):], p.x)
	coordOrder.PutUint64(out[len(prefix)+8:], p.y)
	return out
}

// translateGeometryField rewrites a hex-encoded SpatiaLite point into the
// dialect's hex-encoded point. Any other value is returned unchanged.
func translateGeometryField(d Dialect, field string) string {
	if len(field) != spatialitePointLen*2 {
		return field
	}
	raw, err := hex.DecodeString(field)
	if err != nil {
		return field
	}
	p, ok := decodeSpatialitePoint(raw)
	if !ok {
		return field
	}
	return strings.ToUpper(hex.EncodeToString(encodePoint(d, p)))
}

// translateGeometryRecord applies translateGeometryField to every field in place.
func translateGeometryRecord(d Dialect, fields []string) {
	for i, f := range fields {
		fields[i] = translateGeometryField(d, f)
	}
}
