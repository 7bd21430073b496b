// Package jobqueue moves crawl, download, and export jobs through Kafka.
// Messages carry only the job id; all job state lives in the database, so a
// redelivered message is always safe to reprocess.
package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/spheraform/spheraform/internal/config"
	"github.com/spheraform/spheraform/internal/model"
)

// Envelope is the wire format of one queued job.
type Envelope struct {
	Kind       model.JobKind `json:"kind"`
	JobID      uuid.UUID     `json:"job_id"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// Topics maps job kinds to their Kafka topics.
type Topics struct {
	Crawl    string
	Download string
	Export   string
}

func TopicsFromConfig(cfg config.KafkaCfg) Topics {
	return Topics{
		Crawl:    cfg.CrawlTopic,
		Download: cfg.DownloadTopic,
		Export:   cfg.ExportTopic,
	}
}

func (t Topics) For(kind model.JobKind) (string, error) {
	switch kind {
	case model.JobCrawl:
		return t.Crawl, nil
	case model.JobDownload:
		return t.Download, nil
	case model.JobExport:
		return t.Export, nil
	default:
		return "", fmt.Errorf("no topic for job kind %q", kind)
	}
}

func (t Topics) All() []string {
	return []string{t.Crawl, t.Download, t.Export}
}

// Producer enqueues jobs synchronously; an accepted API request means the
// job is durably queued.
type Producer struct {
	prod   sarama.SyncProducer
	topics Topics
}

func NewProducer(brokers []string, topics Topics) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: create producer: %w", err)
	}
	return &Producer{prod: prod, topics: topics}, nil
}

func (p *Producer) Enqueue(kind model.JobKind, jobID uuid.UUID) error {
	topic, err := p.topics.For(kind)
	if err != nil {
		return err
	}
	env := Envelope{Kind: kind, JobID: jobID, EnqueuedAt: time.Now().UTC()}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal envelope: %w", err)
	}
	_, _, err = p.prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(jobID.String()),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return fmt.Errorf("jobqueue: enqueue %s %s: %w", kind, jobID, err)
	}
	return nil
}

func (p *Producer) Close() error {
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("jobqueue: close producer: %w", err)
	}
	return nil
}
