package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

const itemColumns = `id, kind, platform, canonical_key, owner_handle, title, artist, source_url, page_url,
	campaign_id, status, views, likes, comments, shares, engagement_rate, child_count, geo,
	run_handle, run_started_at, last_scraped_at, created_at, updated_at`

// ItemStore persists tracked items and child observations in Postgres.
type ItemStore struct {
	pool Pool
}

// NewItemStore wraps an open pool.
func NewItemStore(pool Pool) (*ItemStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ItemStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *ItemStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// UpsertItem inserts a pending row or merges non-empty metadata into the existing identity.
// updated_at is left alone on conflict so stuck-job detection keeps working.
func (s *ItemStore) UpsertItem(ctx context.Context, item tracker.TrackedItem) (tracker.TrackedItem, bool, error) {
	if item.CanonicalKey == "" {
		return tracker.TrackedItem{}, false, fmt.Errorf("upsert item: canonical key is required")
	}
	if item.ID == "" {
		return tracker.TrackedItem{}, false, fmt.Errorf("upsert item: id is required")
	}
	if item.Status == "" {
		item.Status = tracker.StatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}

	query := `
INSERT INTO tracked_items (
	id, kind, platform, canonical_key, owner_handle, title, artist,
	source_url, page_url, campaign_id, status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (platform, kind, canonical_key) DO UPDATE SET
	owner_handle = COALESCE(NULLIF(EXCLUDED.owner_handle, ''), tracked_items.owner_handle),
	title = COALESCE(NULLIF(EXCLUDED.title, ''), tracked_items.title),
	artist = COALESCE(NULLIF(EXCLUDED.artist, ''), tracked_items.artist),
	source_url = COALESCE(NULLIF(EXCLUDED.source_url, ''), tracked_items.source_url),
	page_url = COALESCE(NULLIF(EXCLUDED.page_url, ''), tracked_items.page_url),
	campaign_id = COALESCE(NULLIF(EXCLUDED.campaign_id, ''), tracked_items.campaign_id)
RETURNING ` + itemColumns + `, (xmax = 0) AS inserted`

	row := s.pool.QueryRow(ctx, query,
		item.ID,
		string(item.Kind),
		string(item.Platform),
		item.CanonicalKey,
		item.OwnerHandle,
		item.Title,
		item.Artist,
		item.SourceURL,
		item.PageURL,
		item.CampaignID,
		string(item.Status),
		item.CreatedAt,
		item.UpdatedAt,
	)
	var inserted bool
	out, err := scanItem(row, &inserted)
	if err != nil {
		return tracker.TrackedItem{}, false, fmt.Errorf("upsert item: %w", err)
	}
	return out, inserted, nil
}

// GetItem fetches an item by ID.
func (s *ItemStore) GetItem(ctx context.Context, id string) (tracker.TrackedItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM tracked_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.TrackedItem{}, fmt.Errorf("item %s: %w", id, tracker.ErrNotFound)
	}
	if err != nil {
		return tracker.TrackedItem{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// FindByRunHandle returns the item currently carrying the correlation handle.
func (s *ItemStore) FindByRunHandle(ctx context.Context, handle string) (tracker.TrackedItem, error) {
	if handle == "" {
		return tracker.TrackedItem{}, fmt.Errorf("empty run handle: %w", tracker.ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM tracked_items WHERE run_handle = $1 LIMIT 1`, handle)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.TrackedItem{}, fmt.Errorf("run %s: %w", handle, tracker.ErrNotFound)
	}
	if err != nil {
		return tracker.TrackedItem{}, fmt.Errorf("find by run handle: %w", err)
	}
	return item, nil
}

// Transition is a single compare-and-set UPDATE. Zero rows means the guard failed or the item is gone.
func (s *ItemStore) Transition(
	ctx context.Context,
	id string,
	guard tracker.Guard,
	to tracker.Status,
	change tracker.Change,
) (tracker.TrackedItem, error) {
	at := change.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	query, args, err := buildTransition(id, guard, to, at, change)
	if err != nil {
		return tracker.TrackedItem{}, err
	}
	item, err := scanItem(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return tracker.TrackedItem{}, fmt.Errorf("transition item: %w", err)
	}

	current, getErr := s.GetItem(ctx, id)
	if getErr != nil {
		return tracker.TrackedItem{}, getErr
	}
	return current, fmt.Errorf("item %s is %s: %w", id, current.Status, tracker.ErrPreconditionFailed)
}

func buildTransition(
	id string,
	guard tracker.Guard,
	to tracker.Status,
	at time.Time,
	change tracker.Change,
) (string, []any, error) {
	args := []any{id, string(to), at}
	sets := []string{"status = $2", "updated_at = $3"}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if snap := change.Snapshot; snap != nil {
		geo, err := marshalGeo(snap.Geo)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets,
			"views = "+next(snap.Metrics.Views),
			"likes = "+next(snap.Metrics.Likes),
			"comments = "+next(snap.Metrics.Comments),
			"shares = "+next(snap.Metrics.Shares),
			"engagement_rate = "+next(snap.Metrics.EngagementRate),
			"child_count = "+next(snap.Metrics.ChildCount),
			"geo = "+next(geo),
		)
		if snap.OwnerHandle != "" {
			sets = append(sets, "owner_handle = "+next(snap.OwnerHandle))
		}
	}
	if change.RunHandle != nil {
		sets = append(sets, "run_handle = "+next(*change.RunHandle))
	}
	if change.RunStartedAt != nil {
		sets = append(sets, "run_started_at = "+next(*change.RunStartedAt))
	}
	if change.LastScrapedAt != nil {
		sets = append(sets, "last_scraped_at = "+next(*change.LastScrapedAt))
	}

	where := []string{"id = $1"}
	if len(guard.From) > 0 {
		from := make([]string, 0, len(guard.From))
		for _, st := range guard.From {
			from = append(from, string(st))
		}
		where = append(where, "status = ANY("+next(from)+")")
	}
	if guard.UpdatedBefore != nil {
		where = append(where, "updated_at < "+next(*guard.UpdatedBefore))
	}
	if guard.RunHandle != "" {
		where = append(where, "run_handle = "+next(guard.RunHandle))
	}

	query := "UPDATE tracked_items SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(where, " AND ") +
		" RETURNING " + itemColumns
	return query, args, nil
}

// UpsertChildren writes the batch in one transaction keyed by (parent_id, external_video_id).
func (s *ItemStore) UpsertChildren(ctx context.Context, parentID string, children []tracker.ChildObservation) (int, error) {
	if len(children) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin children tx: %w", err)
	}
	query := `
INSERT INTO child_observations (
	parent_id, external_video_id, owner_handle, views, likes, comments, shares, region, posted_at, observed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (parent_id, external_video_id) DO UPDATE SET
	owner_handle = EXCLUDED.owner_handle,
	views = EXCLUDED.views,
	likes = EXCLUDED.likes,
	comments = EXCLUDED.comments,
	shares = EXCLUDED.shares,
	region = EXCLUDED.region,
	posted_at = EXCLUDED.posted_at,
	observed_at = EXCLUDED.observed_at`
	for _, c := range children {
		if _, err := tx.Exec(ctx, query,
			parentID,
			c.ExternalVideoID,
			c.OwnerHandle,
			c.Views,
			c.Likes,
			c.Comments,
			c.Shares,
			c.Region,
			c.PostedAt,
			c.ObservedAt,
		); err != nil {
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("upsert child %s: %w", c.ExternalVideoID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit children: %w", err)
	}
	return len(children), nil
}

// ListChildren returns child rows ordered by external id.
func (s *ItemStore) ListChildren(ctx context.Context, parentID string) ([]tracker.ChildObservation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT parent_id, external_video_id, owner_handle, views, likes, comments, shares, region, posted_at, observed_at
FROM child_observations WHERE parent_id = $1 ORDER BY external_video_id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []tracker.ChildObservation
	for rows.Next() {
		var c tracker.ChildObservation
		if err := rows.Scan(
			&c.ParentID,
			&c.ExternalVideoID,
			&c.OwnerHandle,
			&c.Views,
			&c.Likes,
			&c.Comments,
			&c.Shares,
			&c.Region,
			&c.PostedAt,
			&c.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return out, nil
}

func scanItem(row pgx.Row, extra ...any) (tracker.TrackedItem, error) {
	var (
		item                    tracker.TrackedItem
		kind, platform, status  string
		geo                     []byte
		runStarted, lastScraped *time.Time
	)
	dest := []any{
		&item.ID,
		&kind,
		&platform,
		&item.CanonicalKey,
		&item.OwnerHandle,
		&item.Title,
		&item.Artist,
		&item.SourceURL,
		&item.PageURL,
		&item.CampaignID,
		&status,
		&item.Metrics.Views,
		&item.Metrics.Likes,
		&item.Metrics.Comments,
		&item.Metrics.Shares,
		&item.Metrics.EngagementRate,
		&item.Metrics.ChildCount,
		&geo,
		&item.RunHandle,
		&runStarted,
		&lastScraped,
		&item.CreatedAt,
		&item.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return tracker.TrackedItem{}, err //nolint:wrapcheck // callers wrap and match pgx.ErrNoRows
	}
	item.Kind = tracker.Kind(kind)
	item.Platform = tracker.Platform(platform)
	item.Status = tracker.Status(status)
	item.RunStartedAt = runStarted
	item.LastScrapedAt = lastScraped
	if len(geo) > 0 {
		if err := json.Unmarshal(geo, &item.Geo); err != nil {
			return tracker.TrackedItem{}, fmt.Errorf("decode geo: %w", err)
		}
	}
	return item, nil
}

func marshalGeo(geo []tracker.GeoShare) ([]byte, error) {
	if geo == nil {
		geo = []tracker.GeoShare{}
	}
	raw, err := json.Marshal(geo)
	if err != nil {
		return nil, fmt.Errorf("marshal geo: %w", err)
	}
	return raw, nil
}
