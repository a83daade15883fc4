// Package archive batches market ticks into parquet files and uploads them
// to S3. The hub keeps only the latest tick per symbol; this package is the
// collaborator that keeps history, and it is entirely optional.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "ibgate/config"
	"ibgate/logger"
	"ibgate/models"
)

// tickRecord is the parquet row layout for one archived tick.
type tickRecord struct {
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Bid       float64 `parquet:"name=bid, type=DOUBLE"`
	Ask       float64 `parquet:"name=ask, type=DOUBLE"`
	Last      float64 `parquet:"name=last, type=DOUBLE"`
	High      float64 `parquet:"name=high, type=DOUBLE"`
	Low       float64 `parquet:"name=low, type=DOUBLE"`
	Volume    int64   `parquet:"name=volume, type=INT64"`
	Timestamp int64   `parquet:"name=timestamp_ms, type=INT64"`
}

// TickArchiver buffers ticks from the hub's tap and flushes them as parquet
// objects, either when the batch fills or on the flush interval.
type TickArchiver struct {
	cfg      *appconfig.Config
	ticks    chan models.MarketTick
	s3Client *s3.Client
	log      *logger.Log

	mu      sync.Mutex
	running bool
	buffer  []models.MarketTick
	wg      sync.WaitGroup

	batchesWritten int64
	rowsWritten    int64
	errorsCount    int64
}

// NewTickArchiver configures the AWS SDK and the S3 client.
func NewTickArchiver(cfg *appconfig.Config) (*TickArchiver, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	s3cfg := cfg.Archive.S3
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsConfig.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	a := &TickArchiver{
		cfg:      cfg,
		ticks:    make(chan models.MarketTick, cfg.Archive.BatchSize*2),
		s3Client: s3Client,
		log:      log,
		buffer:   make([]models.MarketTick, 0, cfg.Archive.BatchSize),
	}

	log.WithComponent("tick_archiver").WithFields(logger.Fields{
		"bucket":         s3cfg.Bucket,
		"region":         s3cfg.Region,
		"batch_size":     cfg.Archive.BatchSize,
		"flush_interval": cfg.Archive.FlushInterval,
	}).Info("tick archiver initialized")

	return a, nil
}

// Ticks returns the channel the hub's tap feeds. Sends are best effort.
func (a *TickArchiver) Ticks() chan<- models.MarketTick {
	return a.ticks
}

// Start begins buffering and flushing.
func (a *TickArchiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("tick archiver already running")
	}
	a.running = true
	a.mu.Unlock()

	a.wg.Add(1)
	go a.worker(ctx)

	a.log.WithComponent("tick_archiver").Info("tick archiver started")
	return nil
}

// Stop waits for the worker to finish its final flush.
func (a *TickArchiver) Stop() {
	a.wg.Wait()
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	a.log.WithComponent("tick_archiver").WithFields(logger.Fields{
		"batches_written": atomic.LoadInt64(&a.batchesWritten),
		"rows_written":    atomic.LoadInt64(&a.rowsWritten),
		"errors":          atomic.LoadInt64(&a.errorsCount),
	}).Info("tick archiver stopped")
}

func (a *TickArchiver) worker(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.Archive.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flush(context.Background(), "shutdown")
			return
		case tick := <-a.ticks:
			a.mu.Lock()
			a.buffer = append(a.buffer, tick)
			full := len(a.buffer) >= a.cfg.Archive.BatchSize
			a.mu.Unlock()
			if full {
				a.flush(ctx, "batch_full")
			}
		case <-ticker.C:
			a.flush(ctx, "interval")
		}
	}
}

func (a *TickArchiver) flush(ctx context.Context, reason string) {
	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.buffer
	a.buffer = make([]models.MarketTick, 0, a.cfg.Archive.BatchSize)
	a.mu.Unlock()

	log := a.log.WithComponent("tick_archiver").WithFields(logger.Fields{"reason": reason, "rows": len(batch)})

	data, err := buildParquet(batch)
	if err != nil {
		atomic.AddInt64(&a.errorsCount, 1)
		log.WithError(err).Error("failed to build parquet file")
		return
	}

	key := a.objectKey(batch[len(batch)-1].Timestamp)
	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.cfg.Archive.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		atomic.AddInt64(&a.errorsCount, 1)
		log.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to upload tick batch")
		return
	}

	atomic.AddInt64(&a.batchesWritten, 1)
	atomic.AddInt64(&a.rowsWritten, int64(len(batch)))
	logger.IncrementCounter("tick_batches_archived")
	log.WithFields(logger.Fields{"key": key, "bytes": len(data)}).Debug("tick batch archived")
}

func (a *TickArchiver) objectKey(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	prefix := a.cfg.Archive.S3.Prefix
	if prefix == "" {
		prefix = "ticks"
	}
	return fmt.Sprintf("%s/date=%s/ticks_%d_%s.parquet",
		prefix, ts.UTC().Format("2006-01-02"), ts.UnixMilli(), uuid.New().String()[:8])
}

// buildParquet serializes the batch into an in-memory parquet file.
func buildParquet(batch []models.MarketTick) ([]byte, error) {
	file := newMemoryFile()
	pw, err := writer.NewParquetWriter(file, new(tickRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, tick := range batch {
		record := tickRecord{
			Symbol:    tick.Symbol,
			Bid:       tick.Bid,
			Ask:       tick.Ask,
			Last:      tick.Last,
			High:      tick.High,
			Low:       tick.Low,
			Volume:    tick.Volume,
			Timestamp: tick.Timestamp.UnixMilli(),
		}
		if err := pw.Write(record); err != nil {
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return file.Bytes(), nil
}
