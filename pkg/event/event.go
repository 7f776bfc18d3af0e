package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
)

// IDFields lists the payload fields that carry the event identifier, in
// precedence order.
var IDFields = []string{"inputEventId", "eventId", "messageId"}

// Payload is a decoded JSON message body.
type Payload map[string]any

// DecodePayload decodes a JSON object. Numbers are kept as json.Number so
// identifiers and amounts survive without float rounding.
func DecodePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	return p, nil
}

// EventID returns the identifier used for deduplication and the field it was
// read from. The first present and non-empty field in IDFields wins.
func (p Payload) EventID() (id string, field string, ok bool) {
	for _, f := range IDFields {
		v, exists := p[f]
		if !exists {
			continue
		}
		if s := idString(v); s != "" {
			return s, f, true
		}
	}
	return "", "", false
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

// Status is the processing state of a ledger record.
type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// Replayable reports whether a record in this status may be re-driven.
func (s Status) Replayable() bool {
	return s == StatusReceived || s == StatusFailed
}

// Record is one idempotency ledger row.
type Record struct {
	EventID     string
	TopicName   string
	Payload     json.RawMessage
	Status      Status
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// NewRecord builds a received record for a freshly delivered payload.
func NewRecord(eventID, topic string, payload Payload, receivedAt time.Time) (*Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Record{
		EventID:    eventID,
		TopicName:  topic,
		Payload:    raw,
		Status:     StatusReceived,
		ReceivedAt: receivedAt,
	}, nil
}

// Decode returns the stored payload.
func (r *Record) Decode() (Payload, error) {
	return DecodePayload(r.Payload)
}

// Key returns the ledger identity of the record.
func (r *Record) Key() Key {
	return Key{EventID: r.EventID, Topic: r.TopicName}
}

// Key identifies a ledger row.
type Key struct {
	EventID string
	Topic   string
}

func (k Key) String() string {
	return k.Topic + "/" + k.EventID
}

// ArchiveKey groups archived records by topic and processing day.
type ArchiveKey struct {
	Topic string
	Day   string
}

func (k ArchiveKey) String() string {
	return fmt.Sprintf("%s/dt=%s", k.Topic, k.Day)
}

// ArchiveKeyFor returns the archive partition of a processed record.
func ArchiveKeyFor(r *Record) ArchiveKey {
	return ArchiveKey{Topic: r.TopicName, Day: r.ArchiveTime().UTC().Format("2006-01-02")}
}

// ArchiveTime is the processing time, falling back to the receive time.
func (r *Record) ArchiveTime() time.Time {
	if r.ProcessedAt != nil {
		return *r.ProcessedAt
	}
	return r.ReceivedAt
}

// FileStats describes a written archive file or a pending buffer.
type FileStats struct {
	RecordCount    int
	SizeBytes      int64
	FirstWriteTime time.Time
	LastWriteTime  time.Time
}

// FileFormat is an archive file format.
type FileFormat string

const (
	FormatParquet FileFormat = "parquet"
	FormatAvro    FileFormat = "avro"
)
