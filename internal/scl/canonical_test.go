package scl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karasz/telemetry-core/internal/wire"
)

func sampleEnvelope() *wire.Envelope {
	return &wire.Envelope{
		Version:        "1",
		TsNs:           1700000000000000000,
		IdempotencyKey: "agent-1:flow:abc123",
		Payload: &wire.FlowEventPayload{FlowEvent: &wire.FlowEvent{
			SrcIp:         "10.0.0.1",
			DstIp:         "10.0.0.2",
			SrcPort:       443,
			DstPort:       51234,
			Protocol:      "tcp",
			BytesSent:     1024,
			BytesReceived: 2048,
			StartTsNs:     1700000000000000000,
			EndTsNs:       1700000000500000000,
		}},
		SigningAlgorithm:       "Ed25519",
		Priority:               wire.PriorityNormal,
		RequiresAcknowledgment: true,
	}
}

// TestCanonicalDeterministic is property P1: the same logical envelope
// canonicalizes to the same bytes across repeated calls and independent
// struct constructions, regardless of map iteration order elsewhere in the
// process.
func TestCanonicalDeterministic(t *testing.T) {
	a, err := Canonical(sampleEnvelope())
	require.NoError(t, err)
	b, err := Canonical(sampleEnvelope())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalIgnoresSigFields(t *testing.T) {
	env := sampleEnvelope()
	a, err := Canonical(env)
	require.NoError(t, err)

	env.Sig = []byte{1, 2, 3}
	env.PrevSig = []byte{4, 5, 6}
	b, err := Canonical(env)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestCanonicalDeviceTagsOrderIndependent(t *testing.T) {
	env1 := &wire.Envelope{
		Version:          "1",
		TsNs:             1,
		IdempotencyKey:   "k",
		SigningAlgorithm: "Ed25519",
		Payload: &wire.DeviceTelemetryPayload{DeviceTelemetry: &wire.DeviceTelemetry{
			DeviceId:    "d1",
			MetricName:  "cpu",
			MetricValue: 1.5,
			Tags:        map[string]string{"a": "1", "b": "2", "c": "3"},
		}},
	}
	env2 := &wire.Envelope{
		Version:          "1",
		TsNs:             1,
		IdempotencyKey:   "k",
		SigningAlgorithm: "Ed25519",
		Payload: &wire.DeviceTelemetryPayload{DeviceTelemetry: &wire.DeviceTelemetry{
			DeviceId:    "d1",
			MetricName:  "cpu",
			MetricValue: 1.5,
			Tags:        map[string]string{"c": "3", "a": "1", "b": "2"},
		}},
	}
	c1, err := Canonical(env1)
	require.NoError(t, err)
	c2, err := Canonical(env2)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}

func TestCanonicalUnknownPayload(t *testing.T) {
	env := sampleEnvelope()
	env.Payload = nil
	_, err := Canonical(env)
	assert.ErrorIs(t, err, ErrUnknownPayload)
}

// TestCanonicalGoldenVector pins Canonical's output for one fixed envelope
// to a literal byte sequence. The encoding is part of the public contract:
// any change here is a wire-format break, not a refactor.
func TestCanonicalGoldenVector(t *testing.T) {
	env := &wire.Envelope{
		Version:        "1",
		TsNs:           42,
		IdempotencyKey: "k",
		Payload: &wire.FlowEventPayload{FlowEvent: &wire.FlowEvent{
			SrcIp:         "a",
			DstIp:         "b",
			SrcPort:       1,
			DstPort:       2,
			Protocol:      "tcp",
			BytesSent:     3,
			BytesReceived: 4,
			StartTsNs:     5,
			EndTsNs:       6,
		}},
		SigningAlgorithm:       "Ed25519",
		Priority:               wire.PriorityNormal,
		RequiresAcknowledgment: false,
	}

	want := []byte{
		0x00, 0x00, 0x00, 0x01, 0x31, // version "1"
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x2a, // ts_ns 42
		0x00, 0x00, 0x00, 0x01, 0x6b, // idempotency_key "k"
		0x00, 0x00, 0x00, 0x07, 0x45, 0x64, 0x32, 0x35, 0x35, 0x31, 0x39, // signing_algorithm "Ed25519"
		0x00, 0x00, 0x00, 0x01, // priority NORMAL
		0x00,                   // requires_acknowledgment false
		0x00, 0x00, 0x00, 0x01, // payload tag: flow event
		0x00, 0x00, 0x00, 0x39, // payload length 57
		0x00, 0x00, 0x00, 0x01, 0x61, // src_ip "a"
		0x00, 0x00, 0x00, 0x01, 0x62, // dst_ip "b"
		0x00, 0x00, 0x00, 0x01, // src_port 1
		0x00, 0x00, 0x00, 0x02, // dst_port 2
		0x00, 0x00, 0x00, 0x03, 0x74, 0x63, 0x70, // protocol "tcp"
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x03, // bytes_sent 3
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04, // bytes_received 4
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x05, // start_ts_ns 5
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x06, // end_ts_ns 6
	}

	got, err := Canonical(env)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCanonicalBatchRecurses(t *testing.T) {
	item := sampleEnvelope()
	batch := &wire.Envelope{
		Version:          "1",
		TsNs:             2,
		IdempotencyKey:   "batch-1",
		SigningAlgorithm: "Ed25519",
		Payload:          &wire.TelemetryBatchPayload{TelemetryBatch: &wire.TelemetryBatch{Items: []*wire.Envelope{item}}},
	}
	a, err := Canonical(batch)
	require.NoError(t, err)

	item.Sig = []byte{9, 9, 9} // must not affect the batch's canonical bytes
	b, err := Canonical(batch)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
