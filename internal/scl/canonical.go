// Package scl is the signing/canonicalization library: it produces the
// deterministic byte encoding an envelope is signed over, and wraps Ed25519
// sign/verify and key loading around that encoding.
package scl

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"

	"github.com/karasz/telemetry-core/internal/wire"
)

// ErrUnknownPayload is returned when an envelope carries no recognized
// payload variant.
var ErrUnknownPayload = errors.New("scl: unknown payload variant")

// Canonical returns the deterministic byte encoding of env used as sign/verify
// input. It MUST ignore env.Sig and env.PrevSig, and MUST NOT depend on map
// or struct field iteration order: every field is written in a fixed order
// with explicit length prefixes, never via reflection.
func Canonical(env *wire.Envelope) ([]byte, error) {
	buf := make([]byte, 0, 256+len(env.IdempotencyKey))

	buf = appendString(buf, env.Version)
	buf = appendUint64(buf, env.TsNs)
	buf = appendString(buf, env.IdempotencyKey)
	buf = appendString(buf, env.SigningAlgorithm)
	buf = appendUint32(buf, uint32(env.Priority))
	buf = appendBool(buf, env.RequiresAcknowledgment)

	payloadBytes, tag, err := canonicalPayload(env)
	if err != nil {
		return nil, err
	}
	buf = appendUint32(buf, tag)
	buf = appendBytes(buf, payloadBytes)

	return buf, nil
}

// payload tags are part of the canonical form; once assigned they must never
// change or be reused for a different payload kind.
const (
	tagFlowEvent       uint32 = 1
	tagProcessEvent    uint32 = 2
	tagDeviceTelemetry uint32 = 3
	tagTelemetryBatch  uint32 = 4
)

func canonicalPayload(env *wire.Envelope) ([]byte, uint32, error) {
	switch p := env.Payload.(type) {
	case *wire.FlowEventPayload:
		return canonicalFlow(p.FlowEvent), tagFlowEvent, nil
	case *wire.ProcessEventPayload:
		return canonicalProcess(p.ProcessEvent), tagProcessEvent, nil
	case *wire.DeviceTelemetryPayload:
		return canonicalDevice(p.DeviceTelemetry), tagDeviceTelemetry, nil
	case *wire.TelemetryBatchPayload:
		return canonicalBatch(p.TelemetryBatch)
	default:
		return nil, 0, ErrUnknownPayload
	}
}

func canonicalFlow(f *wire.FlowEvent) []byte {
	var buf []byte
	buf = appendString(buf, f.SrcIp)
	buf = appendString(buf, f.DstIp)
	buf = appendUint32(buf, f.SrcPort)
	buf = appendUint32(buf, f.DstPort)
	buf = appendString(buf, f.Protocol)
	buf = appendUint64(buf, f.BytesSent)
	buf = appendUint64(buf, f.BytesReceived)
	buf = appendUint64(buf, f.StartTsNs)
	buf = appendUint64(buf, f.EndTsNs)
	return buf
}

func canonicalProcess(p *wire.ProcessEvent) []byte {
	var buf []byte
	buf = appendString(buf, p.HostId)
	buf = appendUint32(buf, p.Pid)
	buf = appendUint32(buf, p.Ppid)
	buf = appendString(buf, p.ExePath)
	buf = appendString(buf, p.Cmdline)
	buf = appendString(buf, p.User)
	buf = appendUint32(buf, uint32(p.Event))
	return buf
}

func canonicalDevice(d *wire.DeviceTelemetry) []byte {
	var buf []byte
	buf = appendString(buf, d.DeviceId)
	buf = appendString(buf, d.MetricName)
	buf = appendFloat64(buf, d.MetricValue)
	buf = appendString(buf, d.Unit)

	keys := make([]string, 0, len(d.Tags))
	for k := range d.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf = appendUint32(buf, uint32(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, d.Tags[k])
	}
	return buf
}

func canonicalBatch(b *wire.TelemetryBatch) ([]byte, uint32, error) {
	var buf []byte
	buf = appendUint32(buf, uint32(len(b.Items)))
	for _, item := range b.Items {
		ib, err := Canonical(item)
		if err != nil {
			return nil, 0, err
		}
		buf = appendBytes(buf, ib)
	}
	return buf, tagTelemetryBatch, nil
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendFloat64(buf []byte, v float64) []byte {
	return appendUint64(buf, math.Float64bits(v))
}

func appendBool(buf []byte, b bool) []byte {
	if b {
		return append(buf, 1)
	}
	return append(buf, 0)
}
