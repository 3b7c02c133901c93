// Package wire defines the Envelope/Ack transport messages and their
// length-prefixed protobuf-wire-format encoding. Encoding is hand-written
// against google.golang.org/protobuf/encoding/protowire rather than
// generated by protoc: the message set is small and stable, and writing the
// wire form directly keeps the schema-evolution contract (unknown fields are
// skipped, not rejected) explicit in one place per message.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Priority mirrors spec's {LOW, NORMAL, HIGH} advisory enum.
type Priority int32

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// ProcessEventKind is the {EXEC, EXIT} enum carried by ProcessEvent.
type ProcessEventKind int32

const (
	ProcessEventExec ProcessEventKind = 0
	ProcessEventExit ProcessEventKind = 1
)

// Payload is the tagged union of exactly one telemetry body, matching
// spec §3.1's "exactly one of {FlowEvent, ProcessEvent, DeviceTelemetry,
// TelemetryBatch}".
type Payload interface {
	isPayload()
}

type FlowEventPayload struct{ FlowEvent *FlowEvent }
type ProcessEventPayload struct{ ProcessEvent *ProcessEvent }
type DeviceTelemetryPayload struct{ DeviceTelemetry *DeviceTelemetry }
type TelemetryBatchPayload struct{ TelemetryBatch *TelemetryBatch }

func (*FlowEventPayload) isPayload()       {}
func (*ProcessEventPayload) isPayload()    {}
func (*DeviceTelemetryPayload) isPayload() {}
func (*TelemetryBatchPayload) isPayload()  {}

// FlowEvent is a network flow observation.
type FlowEvent struct {
	SrcIp         string
	DstIp         string
	SrcPort       uint32
	DstPort       uint32
	Protocol      string
	BytesSent     uint64
	BytesReceived uint64
	StartTsNs     uint64
	EndTsNs       uint64
}

// ProcessEvent is a process lifecycle observation.
type ProcessEvent struct {
	HostId  string
	Pid     uint32
	Ppid    uint32
	ExePath string
	Cmdline string
	User    string
	Event   ProcessEventKind
}

// DeviceTelemetry is a single named metric sample from a device.
type DeviceTelemetry struct {
	DeviceId    string
	MetricName  string
	MetricValue float64
	Unit        string
	Tags        map[string]string
}

// TelemetryBatch carries multiple envelopes under the universal path. The
// broker does not unpack it: a batch is verified, deduplicated by the
// batch's own idempotency_key, and persisted as one envelope. Capped at
// MaxBatchItems (spec §3.8).
type TelemetryBatch struct {
	Items []*Envelope
}

// MaxBatchItems bounds a single TelemetryBatch; Unmarshal fails on the whole
// envelope when it decodes item MaxBatchItems+1, after the items before it
// have been parsed.
const MaxBatchItems = 256

// Envelope is the unit of transport (spec §3.1).
type Envelope struct {
	Version                string
	TsNs                   uint64
	IdempotencyKey         string
	Payload                Payload
	Sig                    []byte // 64 bytes once signed
	PrevSig                []byte // optional, empty for first envelope
	SigningAlgorithm       string
	Priority               Priority
	RequiresAcknowledgment bool
}

// MaxIdempotencyKeyLen is the spec's ≤128 byte bound on idempotency_key.
const MaxIdempotencyKeyLen = 128

// AckStatus is the broker's ack status enum.
type AckStatus int32

const (
	AckOK       AckStatus = 0
	AckOverload AckStatus = 1
	AckInvalid  AckStatus = 2
)

func (s AckStatus) String() string {
	switch s {
	case AckOK:
		return "OK"
	case AckOverload:
		return "OVERLOAD"
	case AckInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("AckStatus(%d)", int32(s))
	}
}

// Ack is the broker's response to Publish/PublishTelemetry (spec §4.4).
type Ack struct {
	Status           AckStatus
	Reason           string
	BackoffHintMs    uint32
	Duplicate        bool
	ProcessedTsNs    uint64
	HasProcessedTsNs bool
}
