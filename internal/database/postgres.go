package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres 以 pgxpool 實作 Store
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres 創建 Postgres Store
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect 依 DSN 建立連接池並驗證連線
func Connect(ctx context.Context, dsn string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	if minConns > 0 {
		config.MinConns = minConns
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

const roomColumns = `id, name, password, host_id, type, queue_mode, auto_start_duration_seconds,
	category, participant_count, starts_at, ends_at, ended_at`

func scanRoom(row pgx.Row) (*Room, error) {
	var (
		room             Room
		autoStartSeconds int
	)
	err := row.Scan(
		&room.ID, &room.Name, &room.Password, &room.HostID, &room.Type, &room.QueueMode,
		&autoStartSeconds, &room.Category, &room.ParticipantCount,
		&room.StartsAt, &room.EndsAt, &room.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	room.AutoStartDuration = time.Duration(autoStartSeconds) * time.Second
	return &room, nil
}

// GetRoom 讀取房間
func (p *Postgres) GetRoom(ctx context.Context, roomID int64) (*Room, error) {
	room, err := scanRoom(p.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get room %d: %w", roomID, err)
	}
	return room, nil
}

// MarkRoomActive 標記房間為進行中
func (p *Postgres) MarkRoomActive(ctx context.Context, roomID int64) error {
	return p.execOne(ctx, "mark room active",
		`UPDATE rooms SET ends_at = NULL, updated_at = NOW() WHERE id = $1`, roomID)
}

// UpdateRoomSettings 寫入房間設定
func (p *Postgres) UpdateRoomSettings(ctx context.Context, room *Room) error {
	return p.execOne(ctx, "update room settings",
		`UPDATE rooms
		 SET name = $2, password = $3, type = $4, queue_mode = $5,
		     auto_start_duration_seconds = $6, updated_at = NOW()
		 WHERE id = $1`,
		room.ID, room.Name, room.Password, room.Type, room.QueueMode,
		int(room.AutoStartDuration/time.Second))
}

// UpdateRoomHost 寫入房主
func (p *Postgres) UpdateRoomHost(ctx context.Context, roomID, hostID int64) error {
	return p.execOne(ctx, "update room host",
		`UPDATE rooms SET host_id = $2, updated_at = NOW() WHERE id = $1`, roomID, hostID)
}

// UpdateRoomParticipants 以交易覆寫參與者
func (p *Postgres) UpdateRoomParticipants(ctx context.Context, roomID int64, userIDs []int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM room_participants WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}

	if len(userIDs) > 0 {
		_, err := tx.Exec(ctx,
			`INSERT INTO room_participants (room_id, user_id)
			 SELECT $1, u FROM unnest($2::bigint[]) AS u
			 ON CONFLICT DO NOTHING`,
			roomID, userIDs)
		if err != nil {
			return fmt.Errorf("insert participants: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE rooms SET participant_count = $2, updated_at = NOW() WHERE id = $1`,
		roomID, len(userIDs))
	if err != nil {
		return fmt.Errorf("update participant count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

const playlistColumns = `id, room_id, owner_id, beatmap_id, beatmapset_id, beatmap_checksum, ruleset_id,
	required_mods, allowed_mods, freestyle, expired, played_at, playlist_order`

// GetPlaylistItems 讀取播放清單
func (p *Postgres) GetPlaylistItems(ctx context.Context, roomID int64) ([]PlaylistItem, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+playlistColumns+` FROM playlist_items
		 WHERE room_id = $1
		 ORDER BY playlist_order, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query playlist items: %w", err)
	}
	defer rows.Close()

	var items []PlaylistItem
	for rows.Next() {
		var item PlaylistItem
		if err := rows.Scan(
			&item.ID, &item.RoomID, &item.OwnerID, &item.BeatmapID, &item.BeatmapsetID,
			&item.BeatmapChecksum, &item.RulesetID, &item.RequiredMods, &item.AllowedMods,
			&item.Freestyle, &item.Expired, &item.PlayedAt, &item.PlaylistOrder,
		); err != nil {
			return nil, fmt.Errorf("scan playlist item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate playlist items: %w", err)
	}
	return items, nil
}

// AddPlaylistItem 新增播放項目
func (p *Postgres) AddPlaylistItem(ctx context.Context, item *PlaylistItem) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO playlist_items
		   (room_id, owner_id, beatmap_id, beatmapset_id, beatmap_checksum, ruleset_id,
		    required_mods, allowed_mods, freestyle, expired, played_at, playlist_order)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		item.RoomID, item.OwnerID, item.BeatmapID, item.BeatmapsetID, item.BeatmapChecksum,
		item.RulesetID, nonNil(item.RequiredMods), nonNil(item.AllowedMods), item.Freestyle,
		item.Expired, item.PlayedAt, item.PlaylistOrder,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert playlist item: %w", err)
	}
	return id, nil
}

// UpdatePlaylistItem 更新播放項目
func (p *Postgres) UpdatePlaylistItem(ctx context.Context, item *PlaylistItem) error {
	return p.execOne(ctx, "update playlist item",
		`UPDATE playlist_items
		 SET beatmap_id = $3, beatmapset_id = $4, beatmap_checksum = $5, ruleset_id = $6,
		     required_mods = $7, allowed_mods = $8, freestyle = $9, expired = $10,
		     played_at = $11, playlist_order = $12
		 WHERE room_id = $1 AND id = $2`,
		item.RoomID, item.ID, item.BeatmapID, item.BeatmapsetID, item.BeatmapChecksum,
		item.RulesetID, nonNil(item.RequiredMods), nonNil(item.AllowedMods), item.Freestyle,
		item.Expired, item.PlayedAt, item.PlaylistOrder)
}

// RemovePlaylistItem 刪除播放項目
func (p *Postgres) RemovePlaylistItem(ctx context.Context, roomID, itemID int64) error {
	return p.execOne(ctx, "remove playlist item",
		`DELETE FROM playlist_items WHERE room_id = $1 AND id = $2`, roomID, itemID)
}

// MarkPlaylistItemPlayed 標記已遊玩
func (p *Postgres) MarkPlaylistItemPlayed(ctx context.Context, roomID, itemID int64) error {
	return p.execOne(ctx, "mark playlist item played",
		`UPDATE playlist_items SET expired = TRUE, played_at = NOW()
		 WHERE room_id = $1 AND id = $2`, roomID, itemID)
}

// GetBeatmap 讀取譜面
func (p *Postgres) GetBeatmap(ctx context.Context, beatmapID int64) (*Beatmap, error) {
	var beatmap Beatmap
	err := p.pool.QueryRow(ctx,
		`SELECT id, beatmapset_id, checksum, approved, playmode FROM beatmaps WHERE id = $1`,
		beatmapID,
	).Scan(&beatmap.ID, &beatmap.BeatmapsetID, &beatmap.Checksum, &beatmap.Approved, &beatmap.PlayMode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get beatmap %d: %w", beatmapID, err)
	}
	return &beatmap, nil
}

// IsUserRestricted 查詢使用者是否被限制，查無使用者視為未限制
func (p *Postgres) IsUserRestricted(ctx context.Context, userID int64) (bool, error) {
	var restricted bool
	err := p.pool.QueryRow(ctx, `SELECT restricted FROM users WHERE id = $1`, userID).Scan(&restricted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check user restriction: %w", err)
	}
	return restricted, nil
}

// LogRoomEvent 寫入房間事件
func (p *Postgres) LogRoomEvent(ctx context.Context, event *RoomEvent) error {
	var detail any
	if len(event.Detail) > 0 {
		detail = []byte(event.Detail)
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO room_events (room_id, event_type, user_id, playlist_item_id, event_detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.RoomID, int16(event.Type), event.UserID, event.PlaylistItemID, detail)
	if err != nil {
		return fmt.Errorf("insert room event: %w", err)
	}
	return nil
}

// GetBuildByHash 讀取客戶端版本
func (p *Postgres) GetBuildByHash(ctx context.Context, hash string) (*Build, error) {
	var build Build
	err := p.pool.QueryRow(ctx,
		`SELECT hash, version, allowed FROM builds WHERE hash = $1`, hash,
	).Scan(&build.Hash, &build.Version, &build.Allowed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get build: %w", err)
	}
	return &build, nil
}

// GetActiveBeatmapOfTheDayRooms 讀取進行中的每日挑戰房間
func (p *Postgres) GetActiveBeatmapOfTheDayRooms(ctx context.Context) ([]Room, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+roomColumns+` FROM rooms
		 WHERE category = $1
		   AND ended_at IS NULL
		   AND starts_at <= NOW()
		   AND (ends_at IS NULL OR ends_at > NOW())
		 ORDER BY id`, CategoryDailyChallenge)
	if err != nil {
		return nil, fmt.Errorf("query daily challenge rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, *room)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}

// execOne 執行單列更新，沒有影響任何列時回傳 ErrNotFound
func (p *Postgres) execOne(ctx context.Context, op, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nonNil(mods []string) []string {
	if mods == nil {
		return []string{}
	}
	return mods
}
