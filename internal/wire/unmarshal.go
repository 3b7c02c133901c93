package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

func float64ToBits(v float64) uint64 { return math.Float64bits(v) }

// Unmarshal decodes b into env, replacing its contents. Unknown fields are
// skipped so older/newer agents and brokers can exchange envelopes carrying
// fields the other side does not yet know about.
func (env *Envelope) Unmarshal(b []byte) error {
	*env = Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldEnvVersion:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			env.Version, b = v, b[m:]
		case fieldEnvTsNs:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			env.TsNs, b = v, b[m:]
		case fieldEnvIdempotencyKey:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			env.IdempotencyKey, b = v, b[m:]
		case fieldEnvSig:
			v, m, err := consumeBytes(b, typ)
			if err != nil {
				return err
			}
			env.Sig, b = v, b[m:]
		case fieldEnvPrevSig:
			v, m, err := consumeBytes(b, typ)
			if err != nil {
				return err
			}
			env.PrevSig, b = v, b[m:]
		case fieldEnvSigningAlgorithm:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			env.SigningAlgorithm, b = v, b[m:]
		case fieldEnvPriority:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			env.Priority, b = Priority(v), b[m:]
		case fieldEnvRequiresAck:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			env.RequiresAcknowledgment, b = v != 0, b[m:]
		case fieldEnvFlowEvent:
			msg, m, err := consumeBytes(b, typ)
			if err != nil {
				return err
			}
			f := &FlowEvent{}
			if err := unmarshalFlowEvent(f, msg); err != nil {
				return err
			}
			env.Payload, b = &FlowEventPayload{FlowEvent: f}, b[m:]
		case fieldEnvProcessEvent:
			msg, m, err := consumeBytes(b, typ)
			if err != nil {
				return err
			}
			p := &ProcessEvent{}
			if err := unmarshalProcessEvent(p, msg); err != nil {
				return err
			}
			env.Payload, b = &ProcessEventPayload{ProcessEvent: p}, b[m:]
		case fieldEnvDeviceTelemetry:
			msg, m, err := consumeBytes(b, typ)
			if err != nil {
				return err
			}
			d := &DeviceTelemetry{}
			if err := unmarshalDeviceTelemetry(d, msg); err != nil {
				return err
			}
			env.Payload, b = &DeviceTelemetryPayload{DeviceTelemetry: d}, b[m:]
		case fieldEnvTelemetryBatch:
			msg, m, err := consumeBytes(b, typ)
			if err != nil {
				return err
			}
			t := &TelemetryBatch{}
			if err := unmarshalTelemetryBatch(t, msg); err != nil {
				return err
			}
			env.Payload, b = &TelemetryBatchPayload{TelemetryBatch: t}, b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

func unmarshalFlowEvent(f *FlowEvent, b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldFlowSrcIp:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			f.SrcIp, b = v, b[m:]
		case fieldFlowDstIp:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			f.DstIp, b = v, b[m:]
		case fieldFlowSrcPort:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			f.SrcPort, b = uint32(v), b[m:]
		case fieldFlowDstPort:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			f.DstPort, b = uint32(v), b[m:]
		case fieldFlowProtocol:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			f.Protocol, b = v, b[m:]
		case fieldFlowBytesSent:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			f.BytesSent, b = v, b[m:]
		case fieldFlowBytesReceived:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			f.BytesReceived, b = v, b[m:]
		case fieldFlowStartTsNs:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			f.StartTsNs, b = v, b[m:]
		case fieldFlowEndTsNs:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			f.EndTsNs, b = v, b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

func unmarshalProcessEvent(p *ProcessEvent, b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldProcHostId:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			p.HostId, b = v, b[m:]
		case fieldProcPid:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			p.Pid, b = uint32(v), b[m:]
		case fieldProcPpid:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			p.Ppid, b = uint32(v), b[m:]
		case fieldProcExePath:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			p.ExePath, b = v, b[m:]
		case fieldProcCmdline:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			p.Cmdline, b = v, b[m:]
		case fieldProcUser:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			p.User, b = v, b[m:]
		case fieldProcEvent:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			p.Event, b = ProcessEventKind(v), b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

func unmarshalDeviceTelemetry(d *DeviceTelemetry, b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldDevDeviceId:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			d.DeviceId, b = v, b[m:]
		case fieldDevMetricName:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			d.MetricName, b = v, b[m:]
		case fieldDevMetricValue:
			if typ != protowire.Fixed64Type {
				return fmt.Errorf("wire: device_telemetry.metric_value: unexpected wire type %d", typ)
			}
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			d.MetricValue, b = math.Float64frombits(v), b[m:]
		case fieldDevUnit:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			d.Unit, b = v, b[m:]
		case fieldDevTags:
			entry, m, err := consumeBytes(b, typ)
			if err != nil {
				return err
			}
			k, v, err := unmarshalTagEntry(entry)
			if err != nil {
				return err
			}
			if d.Tags == nil {
				d.Tags = make(map[string]string)
			}
			d.Tags[k] = v
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

func unmarshalTagEntry(b []byte) (key, value string, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldTagKey:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return "", "", err
			}
			key, b = v, b[m:]
		case fieldTagValue:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return "", "", err
			}
			value, b = v, b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return "", "", protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return key, value, nil
}

func unmarshalTelemetryBatch(t *TelemetryBatch, b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldBatchItems:
			msg, m, err := consumeBytes(b, typ)
			if err != nil {
				return err
			}
			item := &Envelope{}
			if err := item.Unmarshal(msg); err != nil {
				return err
			}
			t.Items = append(t.Items, item)
			b = b[m:]
			if len(t.Items) > MaxBatchItems {
				return fmt.Errorf("wire: telemetry_batch exceeds MaxBatchItems (%d)", MaxBatchItems)
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

// Unmarshal decodes b into ack, replacing its contents.
func (ack *Ack) Unmarshal(b []byte) error {
	*ack = Ack{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldAckStatus:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			ack.Status, b = AckStatus(v), b[m:]
		case fieldAckReason:
			v, m, err := consumeString(b, typ)
			if err != nil {
				return err
			}
			ack.Reason, b = v, b[m:]
		case fieldAckBackoffHintMs:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			ack.BackoffHintMs, b = uint32(v), b[m:]
		case fieldAckDuplicate:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			ack.Duplicate, b = v != 0, b[m:]
		case fieldAckProcessedTsNs:
			v, m, err := consumeVarint(b, typ)
			if err != nil {
				return err
			}
			ack.ProcessedTsNs, ack.HasProcessedTsNs, b = v, true, b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
			b = b[m:]
		}
	}
	return nil
}

func consumeString(b []byte, typ protowire.Type) (string, int, error) {
	v, n, err := consumeBytes(b, typ)
	return string(v), n, err
}

func consumeBytes(b []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire: unexpected wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func consumeVarint(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire: unexpected wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}
