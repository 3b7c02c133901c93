package wire

import "google.golang.org/protobuf/encoding/protowire"

// Field numbers are part of the wire contract; once shipped they must never
// be reused for a different meaning (schema-evolvable encoding, spec §6).
const (
	fieldEnvVersion          = 1
	fieldEnvTsNs             = 2
	fieldEnvIdempotencyKey   = 3
	fieldEnvSig              = 4
	fieldEnvPrevSig          = 5
	fieldEnvSigningAlgorithm = 6
	fieldEnvPriority         = 7
	fieldEnvRequiresAck      = 8
	fieldEnvFlowEvent        = 9
	fieldEnvProcessEvent     = 10
	fieldEnvDeviceTelemetry  = 11
	fieldEnvTelemetryBatch   = 12

	fieldFlowSrcIp         = 1
	fieldFlowDstIp         = 2
	fieldFlowSrcPort       = 3
	fieldFlowDstPort       = 4
	fieldFlowProtocol      = 5
	fieldFlowBytesSent     = 6
	fieldFlowBytesReceived = 7
	fieldFlowStartTsNs     = 8
	fieldFlowEndTsNs       = 9

	fieldProcHostId  = 1
	fieldProcPid     = 2
	fieldProcPpid    = 3
	fieldProcExePath = 4
	fieldProcCmdline = 5
	fieldProcUser    = 6
	fieldProcEvent   = 7

	fieldDevDeviceId    = 1
	fieldDevMetricName  = 2
	fieldDevMetricValue = 3
	fieldDevUnit        = 4
	fieldDevTags        = 5
	fieldTagKey         = 1
	fieldTagValue       = 2

	fieldBatchItems = 1

	fieldAckStatus        = 1
	fieldAckReason        = 2
	fieldAckBackoffHintMs = 3
	fieldAckDuplicate     = 4
	fieldAckProcessedTsNs = 5
)

// Marshal encodes env in protobuf wire format.
func (env *Envelope) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldEnvVersion, protowire.BytesType)
	b = protowire.AppendString(b, env.Version)
	b = protowire.AppendTag(b, fieldEnvTsNs, protowire.VarintType)
	b = protowire.AppendVarint(b, env.TsNs)
	b = protowire.AppendTag(b, fieldEnvIdempotencyKey, protowire.BytesType)
	b = protowire.AppendString(b, env.IdempotencyKey)
	if len(env.Sig) > 0 {
		b = protowire.AppendTag(b, fieldEnvSig, protowire.BytesType)
		b = protowire.AppendBytes(b, env.Sig)
	}
	if len(env.PrevSig) > 0 {
		b = protowire.AppendTag(b, fieldEnvPrevSig, protowire.BytesType)
		b = protowire.AppendBytes(b, env.PrevSig)
	}
	b = protowire.AppendTag(b, fieldEnvSigningAlgorithm, protowire.BytesType)
	b = protowire.AppendString(b, env.SigningAlgorithm)
	b = protowire.AppendTag(b, fieldEnvPriority, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(env.Priority))
	b = protowire.AppendTag(b, fieldEnvRequiresAck, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(env.RequiresAcknowledgment))

	switch p := env.Payload.(type) {
	case *FlowEventPayload:
		b = appendEmbedded(b, fieldEnvFlowEvent, marshalFlowEvent(p.FlowEvent))
	case *ProcessEventPayload:
		b = appendEmbedded(b, fieldEnvProcessEvent, marshalProcessEvent(p.ProcessEvent))
	case *DeviceTelemetryPayload:
		b = appendEmbedded(b, fieldEnvDeviceTelemetry, marshalDeviceTelemetry(p.DeviceTelemetry))
	case *TelemetryBatchPayload:
		b = appendEmbedded(b, fieldEnvTelemetryBatch, marshalTelemetryBatch(p.TelemetryBatch))
	}
	return b
}

func marshalFlowEvent(f *FlowEvent) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldFlowSrcIp, protowire.BytesType)
	b = protowire.AppendString(b, f.SrcIp)
	b = protowire.AppendTag(b, fieldFlowDstIp, protowire.BytesType)
	b = protowire.AppendString(b, f.DstIp)
	b = protowire.AppendTag(b, fieldFlowSrcPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.SrcPort))
	b = protowire.AppendTag(b, fieldFlowDstPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.DstPort))
	b = protowire.AppendTag(b, fieldFlowProtocol, protowire.BytesType)
	b = protowire.AppendString(b, f.Protocol)
	b = protowire.AppendTag(b, fieldFlowBytesSent, protowire.VarintType)
	b = protowire.AppendVarint(b, f.BytesSent)
	b = protowire.AppendTag(b, fieldFlowBytesReceived, protowire.VarintType)
	b = protowire.AppendVarint(b, f.BytesReceived)
	b = protowire.AppendTag(b, fieldFlowStartTsNs, protowire.VarintType)
	b = protowire.AppendVarint(b, f.StartTsNs)
	b = protowire.AppendTag(b, fieldFlowEndTsNs, protowire.VarintType)
	b = protowire.AppendVarint(b, f.EndTsNs)
	return b
}

func marshalProcessEvent(p *ProcessEvent) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldProcHostId, protowire.BytesType)
	b = protowire.AppendString(b, p.HostId)
	b = protowire.AppendTag(b, fieldProcPid, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Pid))
	b = protowire.AppendTag(b, fieldProcPpid, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Ppid))
	b = protowire.AppendTag(b, fieldProcExePath, protowire.BytesType)
	b = protowire.AppendString(b, p.ExePath)
	b = protowire.AppendTag(b, fieldProcCmdline, protowire.BytesType)
	b = protowire.AppendString(b, p.Cmdline)
	b = protowire.AppendTag(b, fieldProcUser, protowire.BytesType)
	b = protowire.AppendString(b, p.User)
	b = protowire.AppendTag(b, fieldProcEvent, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Event))
	return b
}

func marshalDeviceTelemetry(d *DeviceTelemetry) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldDevDeviceId, protowire.BytesType)
	b = protowire.AppendString(b, d.DeviceId)
	b = protowire.AppendTag(b, fieldDevMetricName, protowire.BytesType)
	b = protowire.AppendString(b, d.MetricName)
	b = protowire.AppendTag(b, fieldDevMetricValue, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, float64ToBits(d.MetricValue))
	b = protowire.AppendTag(b, fieldDevUnit, protowire.BytesType)
	b = protowire.AppendString(b, d.Unit)
	for k, v := range d.Tags {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldTagKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldTagValue, protowire.BytesType)
		entry = protowire.AppendString(entry, v)
		b = appendEmbedded(b, fieldDevTags, entry)
	}
	return b
}

func marshalTelemetryBatch(t *TelemetryBatch) []byte {
	var b []byte
	for _, item := range t.Items {
		b = appendEmbedded(b, fieldBatchItems, item.Marshal())
	}
	return b
}

// Marshal encodes ack in protobuf wire format.
func (ack *Ack) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldAckStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ack.Status))
	b = protowire.AppendTag(b, fieldAckReason, protowire.BytesType)
	b = protowire.AppendString(b, ack.Reason)
	b = protowire.AppendTag(b, fieldAckBackoffHintMs, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ack.BackoffHintMs))
	b = protowire.AppendTag(b, fieldAckDuplicate, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(ack.Duplicate))
	if ack.HasProcessedTsNs {
		b = protowire.AppendTag(b, fieldAckProcessedTsNs, protowire.VarintType)
		b = protowire.AppendVarint(b, ack.ProcessedTsNs)
	}
	return b
}

func appendEmbedded(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func boolToVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
