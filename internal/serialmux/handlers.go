package serialmux

import (
	"context"

	"github.com/banshee-data/dronewatch/internal/monitoring"
)

// Ingestor accepts raw detection payloads.
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte) error
}

// HandleLine routes one receiver line. Payload lines go to ing; firmware log
// lines are logged and otherwise ignored.
func HandleLine(ctx context.Context, ing Ingestor, line string) error {
	switch ClassifyLine(line) {
	case LinePayload:
		return ing.Ingest(ctx, []byte(line))
	case LineLog:
		monitoring.Logf("[serial] device: %s", line)
	}
	return nil
}
