package encoder

import (
	"fmt"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/pkg/encoder"
	"github.com/jittakal/kafeventledger/pkg/event"
)

// ParseFormat maps the storage.format setting to a file format.
func ParseFormat(name string) (event.FileFormat, error) {
	switch name {
	case "", "parquet":
		return event.FormatParquet, nil
	case "avro":
		return event.FormatAvro, nil
	default:
		return "", fmt.Errorf("unsupported file format: %s (supported: parquet, avro)", name)
	}
}

// New builds the encoder for the configured format and codec.
func New(format event.FileFormat, parquetCfg dto.ParquetConfig, avroCfg dto.AvroConfig) (encoder.Encoder, error) {
	switch format {
	case event.FormatParquet:
		return NewParquetEncoder(parquetCfg.Compression), nil
	case event.FormatAvro:
		return NewAvroEncoder(avroCfg.Codec)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", format)
	}
}
