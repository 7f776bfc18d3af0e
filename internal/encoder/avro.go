package encoder

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/jittakal/kafeventledger/pkg/encoder"
	"github.com/jittakal/kafeventledger/pkg/event"
)

var _ encoder.Encoder = (*AvroEncoder)(nil)

const avroSchema = `{
	"type": "record",
	"name": "LedgerRecord",
	"namespace": "com.jittakal.kafeventledger",
	"fields": [
		{"name": "event_id", "type": "string"},
		{"name": "topic_name", "type": "string"},
		{"name": "status", "type": "string"},
		{"name": "payload", "type": "string"},
		{"name": "received_at", "type": {"type": "long", "logicalType": "timestamp-micros"}},
		{"name": "processed_at", "type": ["null", {"type": "long", "logicalType": "timestamp-micros"}], "default": null},
		{"name": "archived_at", "type": {"type": "long", "logicalType": "timestamp-micros"}}
	]
}`

// AvroEncoder writes Avro object container files. The block codec is one
// of null, deflate or snappy.
type AvroEncoder struct {
	codec     *goavro.Codec
	blockName string
	now       func() time.Time
}

func NewAvroEncoder(blockCodec string) (*AvroEncoder, error) {
	codec, err := goavro.NewCodec(avroSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}

	name, err := avroCompression(blockCodec)
	if err != nil {
		return nil, err
	}

	return &AvroEncoder{codec: codec, blockName: name, now: time.Now}, nil
}

func avroCompression(name string) (string, error) {
	switch name {
	case "", "null", "none", "uncompressed":
		return goavro.CompressionNullLabel, nil
	case "deflate":
		return goavro.CompressionDeflateLabel, nil
	case "snappy":
		return goavro.CompressionSnappyLabel, nil
	default:
		return "", fmt.Errorf("unsupported avro codec: %s (supported: null, deflate, snappy)", name)
	}
}

func (e *AvroEncoder) Encode(filePath string, records []event.Record) (*event.FileStats, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to encode")
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	if err := e.write(file, records); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	return fileStats(filePath, records)
}

func (e *AvroEncoder) write(w io.Writer, records []event.Record) error {
	ocfWriter, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           e.codec,
		CompressionName: e.blockName,
	})
	if err != nil {
		return fmt.Errorf("failed to create OCF writer: %w", err)
	}

	archivedAt := e.now().UTC()
	rows := make([]any, 0, len(records))
	for _, record := range records {
		rows = append(rows, toAvro(record, archivedAt))
	}

	if err := ocfWriter.Append(rows); err != nil {
		return fmt.Errorf("failed to write records: %w", err)
	}
	return nil
}

func toAvro(record event.Record, archivedAt time.Time) map[string]any {
	row := map[string]any{
		"event_id":     record.EventID,
		"topic_name":   record.TopicName,
		"status":       string(record.Status),
		"payload":      string(record.Payload),
		"received_at":  record.ReceivedAt.UTC(),
		"processed_at": nil,
		"archived_at":  archivedAt,
	}
	if record.ProcessedAt != nil {
		row["processed_at"] = goavro.Union("long.timestamp-micros", record.ProcessedAt.UTC())
	}
	return row
}

func (e *AvroEncoder) Format() event.FileFormat {
	return event.FormatAvro
}

func (e *AvroEncoder) FileExtension() string {
	return ".avro"
}
