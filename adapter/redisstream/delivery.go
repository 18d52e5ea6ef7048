package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/trickstertwo/xrsocket"
)

// delivery is one entry read from a responder stream.
type delivery struct {
	t      *transport
	stream string
	id     string
	values map[string]any

	// Ensures Ack happens exactly once
	onceAck sync.Once
}

func (d *delivery) kind() string { return asString(d.values[fieldKind]) }

func (d *delivery) field(name string) string { return asString(d.values[name]) }

// Ack acknowledges the entry, marking it as processed.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.t.client.XAck(ctx, d.stream, d.t.cfg.Group, d.id).Err()
		if err == nil {
			d.t.metrics.acked.Add(1)
			// Optionally delete from stream after ack (saves memory)
			if d.t.cfg.AutoDeleteOnAck {
				_ = d.t.client.XDel(ctx, d.stream, d.id).Err()
			}
		}
	})
	return err
}

var frameKinds = map[string]xrsocket.FrameKind{
	kindSetup:        xrsocket.FrameSetup,
	kindMetadataPush: xrsocket.FrameMetadataPush,
	kindFireForget:   xrsocket.FrameFireAndForget,
	kindRequestResp:  xrsocket.FrameRequestResponse,
	kindStream:       xrsocket.FrameRequestStream,
	kindChannel:      xrsocket.FrameRequestChannel,
}

func entryKind(k xrsocket.FrameKind) (string, bool) {
	for name, fk := range frameKinds {
		if fk == k {
			return name, true
		}
	}
	return "", false
}

// encodeMessage flattens m into stream entry values.
func encodeMessage(vals map[string]any, m *xrsocket.Message) {
	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	if m.Route != "" {
		vals[fieldRoute] = m.Route
	}
	if m.MetadataMimeType != "" {
		vals[fieldMetadataMime] = m.MetadataMimeType
	}
	if len(m.Metadata) > 0 {
		vals[fieldMetadata] = m.Metadata
	}
	if m.DataMimeType != "" {
		vals[fieldDataMime] = m.DataMimeType
	}
	if len(m.Data) > 0 {
		vals[fieldData] = m.Data
	}
	if m.InitialDemand > 0 {
		vals[fieldDemand] = m.InitialDemand
	}
	produced := m.ProducedAt
	if produced.IsZero() {
		produced = time.Now()
	}
	vals[fieldProducedAt] = produced.UnixNano()
}

// decodeMessage reconstructs a Message from stream entry values.
func decodeMessage(kind xrsocket.FrameKind, vals map[string]any) *xrsocket.Message {
	msg := &xrsocket.Message{
		ID:               asString(vals[fieldID]),
		Kind:             kind,
		Route:            asString(vals[fieldRoute]),
		MetadataMimeType: asString(vals[fieldMetadataMime]),
		Metadata:         asBytes(vals[fieldMetadata]),
		DataMimeType:     asString(vals[fieldDataMime]),
		Data:             asBytes(vals[fieldData]),
	}
	if n, ok := toInt64(vals[fieldDemand]); ok {
		msg.InitialDemand = n
	}
	switch {
	case kind == xrsocket.FrameRequestChannel:
		msg.Cardinality = xrsocket.Many
	case len(msg.Data) > 0:
		msg.Cardinality = xrsocket.One
	}
	if pa := vals[fieldProducedAt]; pa != nil {
		if ns, ok := toInt64(pa); ok && ns > 0 {
			msg.ProducedAt = time.Unix(0, ns)
		}
	}
	return msg
}

// Helper functions for type conversion

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		if b == "" {
			return nil
		}
		return []byte(b)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if n == "" {
			return 0, false
		}
		// Try integer parsing first (faster)
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
		// Fall back to float parsing for scientific notation
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(f), true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
