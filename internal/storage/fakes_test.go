package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/internal/encoder"
	pkgencoder "github.com/jittakal/kafeventledger/pkg/encoder"
	"github.com/jittakal/kafeventledger/pkg/event"
)

var fixedNow = time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)

func testRecords(topic string, n int) []event.Record {
	processed := fixedNow
	records := make([]event.Record, n)
	for i := range records {
		records[i] = event.Record{
			EventID:     "e" + string(rune('a'+i)),
			TopicName:   topic,
			Payload:     json.RawMessage(`{"eventId":"x","amount":1}`),
			Status:      event.StatusProcessed,
			ReceivedAt:  fixedNow.Add(-time.Second),
			ProcessedAt: &processed,
		}
	}
	return records
}

func parquetEncoder(t *testing.T) pkgencoder.Encoder {
	t.Helper()
	enc, err := encoder.New(event.FormatParquet, dto.ParquetConfig{Compression: "snappy"}, dto.AvroConfig{})
	require.NoError(t, err)
	return enc
}

type mockMetrics struct {
	mu              sync.Mutex
	filesWritten    int
	fileSizes       []float64
	durations       []float64
	lastTopic       string
	lastFormat      string
	lastStatus      string
	storageErrors   int
	lastErrBackend  string
	lastErrOperation string
}

func (m *mockMetrics) IncFilesWritten(topic, format, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filesWritten++
	m.lastTopic, m.lastFormat, m.lastStatus = topic, format, status
}

func (m *mockMetrics) ObserveFileSize(topic, format string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fileSizes = append(m.fileSizes, size)
}

func (m *mockMetrics) ObserveStorageWriteDuration(topic string, duration float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.durations = append(m.durations, duration)
}

func (m *mockMetrics) IncStorageErrors(backend, operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageErrors++
	m.lastErrBackend, m.lastErrOperation = backend, operation
}

type fakeS3Uploader struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3Uploader) Upload(ctx context.Context, input *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, input)
	f.bodies = append(f.bodies, body)
	return &manager.UploadOutput{Location: "https://bucket.example/" + *input.Key}, nil
}

type gcsObject struct {
	bucket, name, contentType string
	buf                       bytes.Buffer
	closed                    bool
}

func (o *gcsObject) Write(p []byte) (int, error) { return o.buf.Write(p) }

func (o *gcsObject) Close() error {
	o.closed = true
	return nil
}

type fakeGCS struct {
	objects  []*gcsObject
	closeErr error
}

func (f *fakeGCS) newObject(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
	o := &gcsObject{bucket: bucket, name: object, contentType: contentType}
	f.objects = append(f.objects, o)
	if f.closeErr != nil {
		return failingCloser{o, f.closeErr}
	}
	return o
}

type failingCloser struct {
	*gcsObject
	err error
}

func (c failingCloser) Close() error { return c.err }

type fakeBlobs struct {
	container string
	blobs     map[string][]byte
	err       error
}

func (f *fakeBlobs) UploadFile(ctx context.Context, containerName, blobName string, file *os.File, _ *azblob.UploadFileOptions) (azblob.UploadFileResponse, error) {
	if f.err != nil {
		return azblob.UploadFileResponse{}, f.err
	}
	body, err := io.ReadAll(file)
	if err != nil {
		return azblob.UploadFileResponse{}, err
	}
	if f.blobs == nil {
		f.blobs = map[string][]byte{}
	}
	f.container = containerName
	f.blobs[blobName] = body
	return azblob.UploadFileResponse{}, nil
}
