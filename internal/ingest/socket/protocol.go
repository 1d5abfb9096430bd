package socket

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/protobuf/proto"

	"chroniclesink/internal/event"
)

type Operation int32

const (
	OperationUnknown    Operation = 0
	OperationIngest     Operation = 1
	OperationIngestGELF Operation = 2
	OperationPing       Operation = 3
	OperationHealth     Operation = 4
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

type SocketRequest struct {
	RequestId string         `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string         `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32          `protobuf:"varint,3,opt,name=operation,proto3"`
	Ingest    *IngestRequest `protobuf:"bytes,4,opt,name=ingest,proto3"`
	Ping      *PingRequest   `protobuf:"bytes,5,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32           `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string          `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Ingest       *IngestResponse `protobuf:"bytes,4,opt,name=ingest,proto3"`
	Pong         *PongResponse   `protobuf:"bytes,5,opt,name=pong,proto3"`
	Health       *HealthResponse `protobuf:"bytes,6,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

// Event is a log record on the wire. Fields are flat string pairs; the
// message and timestamp have their own slots.
type Event struct {
	Message         string   `protobuf:"bytes,1,opt,name=message,proto3"`
	TimestampUnixNs int64    `protobuf:"varint,2,opt,name=timestamp_unix_ns,json=timestampUnixNs,proto3"`
	Host            string   `protobuf:"bytes,3,opt,name=host,proto3"`
	Fields          []*Field `protobuf:"bytes,4,rep,name=fields,proto3"`
}

func (*Event) Reset()         {}
func (*Event) String() string { return "Event" }
func (*Event) ProtoMessage()  {}

type Field struct {
	Key   string `protobuf:"bytes,1,opt,name=key,proto3"`
	Value string `protobuf:"bytes,2,opt,name=value,proto3"`
}

func (*Field) Reset()         {}
func (*Field) String() string { return "Field" }
func (*Field) ProtoMessage()  {}

// IngestRequest carries either structured events or raw GELF messages,
// depending on the request operation.
type IngestRequest struct {
	Events []*Event `protobuf:"bytes,1,rep,name=events,proto3"`
	Gelf   [][]byte `protobuf:"bytes,2,rep,name=gelf,proto3"`
}

func (*IngestRequest) Reset()         {}
func (*IngestRequest) String() string { return "IngestRequest" }
func (*IngestRequest) ProtoMessage()  {}

type IngestResponse struct {
	Accepted   bool   `protobuf:"varint,1,opt,name=accepted,proto3"`
	EventCount uint32 `protobuf:"varint,2,opt,name=event_count,json=eventCount,proto3"`
	Status     string `protobuf:"bytes,3,opt,name=status,proto3"`
}

func (*IngestResponse) Reset()         {}
func (*IngestResponse) String() string { return "IngestResponse" }
func (*IngestResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return fmt.Errorf("operation is required")
	case OperationIngest:
		if req.Ingest == nil || len(req.Ingest.Events) == 0 {
			return errors.New("ingest events required")
		}
	case OperationIngestGELF:
		if req.Ingest == nil || len(req.Ingest.Gelf) == 0 {
			return errors.New("ingest gelf messages required")
		}
	}
	return nil
}

// ToEvent converts a wire event. received stamps events sent without a
// timestamp.
func ToEvent(e *Event, received time.Time) (event.Event, error) {
	if e == nil {
		return event.Event{}, errors.New("nil event")
	}
	fields := make(map[string]any, len(e.Fields)+3)
	for _, f := range e.Fields {
		if strings.TrimSpace(f.Key) == "" {
			return event.Event{}, errors.New("field key is required")
		}
		fields[f.Key] = f.Value
	}
	if e.Message != "" {
		fields[event.MessageKey] = e.Message
	}
	if e.Host != "" {
		fields[event.HostKey] = e.Host
	}
	ts := received
	if e.TimestampUnixNs != 0 {
		ts = time.Unix(0, e.TimestampUnixNs)
	}
	fields[event.TimestampKey] = ts.UTC()
	return event.NewLog(fields), nil
}
