package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTripFlowEvent(t *testing.T) {
	env := &Envelope{
		Version:        "1",
		TsNs:           1700000000000000000,
		IdempotencyKey: "agent-1:flow:abc123",
		Payload: &FlowEventPayload{FlowEvent: &FlowEvent{
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
		Sig:                    make([]byte, 64),
		PrevSig:                nil,
		SigningAlgorithm:       "Ed25519",
		Priority:               PriorityNormal,
		RequiresAcknowledgment: true,
	}

	b := env.Marshal()
	require.NotEmpty(t, b)

	var got Envelope
	require.NoError(t, got.Unmarshal(b))

	assert.Equal(t, env.Version, got.Version)
	assert.Equal(t, env.TsNs, got.TsNs)
	assert.Equal(t, env.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, env.SigningAlgorithm, got.SigningAlgorithm)
	assert.Equal(t, env.Priority, got.Priority)
	assert.Equal(t, env.RequiresAcknowledgment, got.RequiresAcknowledgment)
	assert.Equal(t, env.Sig, got.Sig)

	gotFlow, ok := got.Payload.(*FlowEventPayload)
	require.True(t, ok)
	assert.Equal(t, env.Payload.(*FlowEventPayload).FlowEvent, gotFlow.FlowEvent)
}

func TestEnvelopeRoundTripDeviceTelemetryTags(t *testing.T) {
	env := &Envelope{
		Version:        "1",
		TsNs:           42,
		IdempotencyKey: "agent-1:dev:xyz",
		Payload: &DeviceTelemetryPayload{DeviceTelemetry: &DeviceTelemetry{
			DeviceId:    "dev-1",
			MetricName:  "cpu_temp",
			MetricValue: 57.25,
			Unit:        "celsius",
			Tags: map[string]string{
				"zone": "us-east",
				"rack": "r12",
			},
		}},
		SigningAlgorithm: "Ed25519",
		Priority:         PriorityLow,
	}

	b := env.Marshal()
	var got Envelope
	require.NoError(t, got.Unmarshal(b))

	gotDev, ok := got.Payload.(*DeviceTelemetryPayload)
	require.True(t, ok)
	assert.Equal(t, env.Payload.(*DeviceTelemetryPayload).DeviceTelemetry.DeviceId, gotDev.DeviceTelemetry.DeviceId)
	assert.InDelta(t, 57.25, gotDev.DeviceTelemetry.MetricValue, 0)
	assert.Equal(t, "us-east", gotDev.DeviceTelemetry.Tags["zone"])
	assert.Equal(t, "r12", gotDev.DeviceTelemetry.Tags["rack"])
}

func TestEnvelopeRoundTripTelemetryBatch(t *testing.T) {
	item1 := &Envelope{
		Version:          "1",
		TsNs:             1,
		IdempotencyKey:   "agent-1:proc:1",
		SigningAlgorithm: "Ed25519",
		Payload: &ProcessEventPayload{ProcessEvent: &ProcessEvent{
			HostId:  "host-1",
			Pid:     100,
			Ppid:    1,
			ExePath: "/usr/bin/sh",
			Cmdline: "sh -c true",
			User:    "root",
			Event:   ProcessEventExec,
		}},
	}
	batch := &Envelope{
		Version:          "1",
		TsNs:             2,
		IdempotencyKey:   "agent-1:batch:1",
		SigningAlgorithm: "Ed25519",
		Payload:          &TelemetryBatchPayload{TelemetryBatch: &TelemetryBatch{Items: []*Envelope{item1}}},
	}

	b := batch.Marshal()
	var got Envelope
	require.NoError(t, got.Unmarshal(b))

	gotBatch, ok := got.Payload.(*TelemetryBatchPayload)
	require.True(t, ok)
	require.Len(t, gotBatch.TelemetryBatch.Items, 1)

	gotProc, ok := gotBatch.TelemetryBatch.Items[0].Payload.(*ProcessEventPayload)
	require.True(t, ok)
	assert.Equal(t, "host-1", gotProc.ProcessEvent.HostId)
	assert.Equal(t, uint32(100), gotProc.ProcessEvent.Pid)
}

func TestEnvelopeUnmarshalSkipsUnknownFields(t *testing.T) {
	env := &Envelope{
		Version:          "1",
		TsNs:             7,
		IdempotencyKey:   "agent-1:flow:skip",
		SigningAlgorithm: "Ed25519",
		Payload:          &FlowEventPayload{FlowEvent: &FlowEvent{SrcIp: "1.1.1.1"}},
	}
	b := env.Marshal()

	// Append a field number no current message defines; Unmarshal must
	// skip it instead of erroring, so older brokers tolerate newer agents.
	b = appendEmbedded(b, 99, []byte("future-field"))

	var got Envelope
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, "agent-1:flow:skip", got.IdempotencyKey)
}

func TestAckRoundTrip(t *testing.T) {
	ack := &Ack{
		Status:           AckOverload,
		Reason:           "hard_max_inflight exceeded",
		BackoffHintMs:    1500,
		Duplicate:        false,
		ProcessedTsNs:    0,
		HasProcessedTsNs: false,
	}
	b := ack.Marshal()

	var got Ack
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, ack.Status, got.Status)
	assert.Equal(t, ack.Reason, got.Reason)
	assert.Equal(t, ack.BackoffHintMs, got.BackoffHintMs)
	assert.False(t, got.HasProcessedTsNs)
	assert.Equal(t, "OVERLOAD", got.Status.String())
}

func TestAckRoundTripWithProcessedTs(t *testing.T) {
	ack := &Ack{Status: AckOK, ProcessedTsNs: 123456, HasProcessedTsNs: true}
	b := ack.Marshal()

	var got Ack
	require.NoError(t, got.Unmarshal(b))
	assert.True(t, got.HasProcessedTsNs)
	assert.Equal(t, uint64(123456), got.ProcessedTsNs)
}
