// Package directory reads and maintains the shared live-stream directory,
// a Redis hash written by whichever instance starts or stops a broadcast.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamgate/internal/domain"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	liveHashKey = "streams:live"

	// staleEntryTTL guards against instances that died without retiring
	// their broadcasts. Live entries are refreshed on announce; anything
	// older than this is treated as gone.
	staleEntryTTL = 60 * time.Second
)

// entry is the stored directory record for one live broadcast.
type entry struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Directory implements domain.LiveStreamDirectory on the shared Redis hash.
// Concurrent ListLive calls collapse into one Redis round trip.
type Directory struct {
	rdb   *redis.Client
	clock clockwork.Clock
	group singleflight.Group
}

var _ domain.LiveStreamDirectory = (*Directory)(nil)

func New(rdb *redis.Client, clock clockwork.Clock) *Directory {
	return &Directory{rdb: rdb, clock: clock}
}

// ListLive returns all fresh live broadcasts. Undecodable and stale entries
// are skipped, not errors; a directory with garbage in it still serves the
// healthy rows.
func (d *Directory) ListLive(ctx context.Context) ([]domain.LiveStream, error) {
	v, err, _ := d.group.Do("list_live", func() (any, error) {
		raw, err := d.rdb.HGetAll(ctx, liveHashKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read live directory: %w", err)
		}
		return parseEntries(raw, d.clock.Now()), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.LiveStream), nil
}

func parseEntries(raw map[string]string, now time.Time) []domain.LiveStream {
	live := make([]domain.LiveStream, 0, len(raw))
	for field, value := range raw {
		var e entry
		if err := json.Unmarshal([]byte(value), &e); err != nil {
			slog.Warn("Skipping undecodable directory entry", "stream_id", field, "error", err)
			continue
		}
		if now.Sub(e.UpdatedAt) > staleEntryTTL {
			continue
		}
		live = append(live, domain.LiveStream{ID: e.ID, OwnerID: e.OwnerID})
	}
	return live
}

// Announce records the broadcast as live, refreshing its timestamp.
func (d *Directory) Announce(ctx context.Context, stream domain.LiveStream) error {
	data, err := json.Marshal(entry{ID: stream.ID, OwnerID: stream.OwnerID, UpdatedAt: d.clock.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal directory entry: %w", err)
	}

	if err := d.rdb.HSet(ctx, liveHashKey, stream.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to announce stream %s: %w", stream.ID, err)
	}
	return nil
}

// Retire removes the broadcast from the directory. Unknown streams are fine.
func (d *Directory) Retire(ctx context.Context, streamID string) error {
	if err := d.rdb.HDel(ctx, liveHashKey, streamID).Err(); err != nil {
		return fmt.Errorf("failed to retire stream %s: %w", streamID, err)
	}
	return nil
}
