// Package outbox stages and delivers this service's outbound domain events
// to Kafka.
package outbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Dispatcher drains the outbox table and delivers staged records to Kafka
// with Confluent wire framing.
type Dispatcher struct {
	pool             *pgxpool.Pool
	producer         messageWriter
	registry         schemaRegistrar
	dlq              *DLQWriter
	pollInterval     time.Duration
	batchSize        int
	schemaIDCache    sync.Map
	logger           *log.Logger
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int) *Dispatcher {
	return &Dispatcher{
		pool:             pool,
		producer:         producer,
		registry:         registry,
		dlq:              NewDLQWriter(pool),
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		logger:           log.New(log.Writer(), "[outbox] ", log.LstdFlags),
		shutdownComplete: make(chan struct{}),
	}
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("dispatch error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until the dispatcher loop has stopped.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	rows, err := d.fetchAndClaim(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	if err := d.deliver(ctx, rows); err != nil {
		d.logger.Printf("delivery failure: %v", err)
		failedCounter.Add(float64(len(rows)))
		if dlqErr := d.moveToDLQ(ctx, rows, err.Error()); dlqErr != nil {
			return dlqErr
		}
		return d.markPublished(ctx, rows)
	}

	deliveredCounter.Add(float64(len(rows)))
	return d.markPublished(ctx, rows)
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) ([]Row, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	query := `SELECT event_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload
        FROM outbox
        WHERE published_at IS NULL
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claimed := make([]Row, 0)
	ids := make([]int64, 0)
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.EventID, &row.AggregateType, &row.AggregateID, &row.EventType, &row.Topic, &row.SchemaSubject, &row.PartitionKey, &row.Payload); err != nil {
			return nil, err
		}
		claimed = append(claimed, row)
		ids = append(ids, row.EventID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		tx.Rollback(ctx)
		return nil, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return claimed, nil
}

func (d *Dispatcher) deliver(ctx context.Context, rows []Row) error {
	batches := make(map[string][]kafka.Message)

	for _, row := range rows {
		meta, ok := schemaCatalog[row.EventType]
		if !ok {
			return fmt.Errorf("no schema for event_type=%s", row.EventType)
		}

		cacheKey := row.SchemaSubject
		var schemaID int
		if cached, found := d.schemaIDCache.Load(cacheKey); found {
			schemaID = cached.(int)
		} else {
			id, err := d.registry.EnsureSchema(ctx, row.SchemaSubject, meta.Schema)
			if err != nil {
				return err
			}
			d.schemaIDCache.Store(cacheKey, id)
			schemaID = id
		}

		record := kafka.Message{
			Key:   []byte(row.PartitionKey),
			Value: encodeWireFormat(schemaID, row.Payload),
			Time:  time.Now().UTC(),
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(row.EventType)},
				{Key: "schema_subject", Value: []byte(row.SchemaSubject)},
			},
		}
		batches[row.Topic] = append(batches[row.Topic], record)
	}

	for topic, msgs := range batches {
		if err := d.producer.WriteMessages(ctx, topic, msgs...); err != nil {
			return err
		}
	}

	return nil
}

func (d *Dispatcher) markPublished(ctx context.Context, rows []Row) error {
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.EventID)
	}
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
	return err
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, rows []Row, reason string) error {
	for _, row := range rows {
		entryReason := fmt.Sprintf("%s (topic=%s)", reason, row.Topic)
		if err := d.dlq.Write(ctx, row, entryReason); err != nil {
			return err
		}
		dlqCounter.WithLabelValues(row.Topic).Inc()
	}
	return nil
}

// Row is one staged record fetched from the outbox table.
type Row struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// encodeWireFormat applies Confluent framing (magic byte + schema id).
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, 5+len(payload))
	frame[0] = 0
	binary.BigEndian.PutUint32(frame[1:5], uint32(schemaID))
	copy(frame[5:], payload)
	return frame
}

// SchemaCatalogEntry maps an outbound event type to its JSON schema.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	EventTypeAggregationFinished: {Schema: aggregationFinishedSchema},
	EventTypeRefreshFinished:     {Schema: refreshFinishedSchema},
	EventTypeActivityWebhook:     {Schema: activityWebhookSchema},
}
