package run

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Info describes a run for metadata writers.
type Info struct {
	ID          uuid.UUID
	Name        string
	Start       time.Time
	Stop        time.Time
	Events      uint64
	SingleEvent bool
}

// Metadata is notified when a run starts and stops. Persisting the records
// is up to the implementation; the controller only logs failures.
type Metadata interface {
	RunStarted(info Info) error
	RunStopped(info Info) error
}

// LogMetadata writes run records to a logger.
type LogMetadata struct {
	log *zap.Logger
}

func NewLogMetadata(log *zap.Logger) *LogMetadata {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogMetadata{log: log.Named("metadata")}
}

func (m *LogMetadata) RunStarted(info Info) error {
	m.log.Info("run start record",
		zap.String("run_id", info.ID.String()),
		zap.String("run_name", info.Name),
		zap.Time("start", info.Start),
		zap.Bool("single_event", info.SingleEvent))
	return nil
}

func (m *LogMetadata) RunStopped(info Info) error {
	m.log.Info("run stop record",
		zap.String("run_id", info.ID.String()),
		zap.String("run_name", info.Name),
		zap.Time("start", info.Start),
		zap.Time("stop", info.Stop),
		zap.Duration("duration", info.Stop.Sub(info.Start)),
		zap.Uint64("events", info.Events))
	return nil
}
