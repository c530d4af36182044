package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"loreline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) InsertWorld(ctx context.Context, tx *sql.Tx, w domain.World) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO worlds(id,name,description,game_time,created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.Name, nullable(w.Description), w.GameTime, w.CreatedAt)
	return err
}

func (r Repo) GetWorld(ctx context.Context, id string) (domain.World, error) {
	var w domain.World
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,game_time,created_at FROM worlds WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &desc, &w.GameTime, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	w.Description = desc.String
	return w, err
}

func (r Repo) ListWorlds(ctx context.Context) ([]domain.World, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),game_time,created_at FROM worlds ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.World
	for rows.Next() {
		var w domain.World
		if err := rows.Scan(&w.ID, &w.Name, &w.Description, &w.GameTime, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// GameTime returns the persisted in-world clock for a world.
func (r Repo) GameTime(ctx context.Context, worldID string) (time.Time, error) {
	w, err := r.GetWorld(ctx, worldID)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, w.GameTime)
}

func (r Repo) SetGameTime(ctx context.Context, tx *sql.Tx, worldID string, t time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE worlds SET game_time=? WHERE id=?`, t.UTC().Format(time.RFC3339), worldID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertLocation(ctx context.Context, tx *sql.Tx, l domain.Location) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO locations(id,world_id,name,description,default_region_id) VALUES (?,?,?,?,?)`,
		l.ID, l.WorldID, l.Name, nullable(l.Description), nullableStringPtr(l.DefaultRegionID))
	return err
}

func (r Repo) GetLocation(ctx context.Context, id string) (domain.Location, error) {
	var l domain.Location
	var desc, def sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,world_id,name,description,default_region_id FROM locations WHERE id=?`, id).
		Scan(&l.ID, &l.WorldID, &l.Name, &desc, &def)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.Description = desc.String
	if def.Valid && def.String != "" {
		l.DefaultRegionID = &def.String
	}
	return l, nil
}

func (r Repo) InsertRegion(ctx context.Context, tx *sql.Tx, rg domain.Region) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO regions(id,world_id,location_id,name,description,is_spawn_point,sort_order) VALUES (?,?,?,?,?,?,?)`,
		rg.ID, rg.WorldID, rg.LocationID, rg.Name, nullable(rg.Description), boolInt(rg.IsSpawnPoint), rg.Order)
	return err
}

const regionColumns = `id,world_id,location_id,name,COALESCE(description,''),is_spawn_point,sort_order`

func scanRegion(sc interface{ Scan(...any) error }) (domain.Region, error) {
	var rg domain.Region
	var spawn int
	err := sc.Scan(&rg.ID, &rg.WorldID, &rg.LocationID, &rg.Name, &rg.Description, &spawn, &rg.Order)
	if err == sql.ErrNoRows {
		return rg, ErrNotFound
	}
	rg.IsSpawnPoint = spawn != 0
	return rg, err
}

func (r Repo) GetRegion(ctx context.Context, id string) (domain.Region, error) {
	return scanRegion(r.DB.QueryRowContext(ctx, `SELECT `+regionColumns+` FROM regions WHERE id=?`, id))
}

func (r Repo) ListRegions(ctx context.Context, locationID string) ([]domain.Region, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+regionColumns+` FROM regions WHERE location_id=? ORDER BY sort_order, id`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Region
	for rows.Next() {
		rg, err := scanRegion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rg)
	}
	return res, rows.Err()
}

// SpawnRegion returns the first region of a location flagged as a spawn point.
func (r Repo) SpawnRegion(ctx context.Context, locationID string) (domain.Region, error) {
	return scanRegion(r.DB.QueryRowContext(ctx, `SELECT `+regionColumns+` FROM regions WHERE location_id=? AND is_spawn_point=1 ORDER BY sort_order, id LIMIT 1`, locationID))
}

func (r Repo) InsertConnection(ctx context.Context, tx *sql.Tx, c domain.RegionConnection) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO region_connections(from_region_id,to_region_id,description,bidirectional,is_locked,lock_description) VALUES (?,?,?,?,?,?)`,
		c.FromRegionID, c.ToRegionID, nullable(c.Description), boolInt(c.Bidirectional), boolInt(c.IsLocked), nullable(c.LockDescription))
	return err
}

// Connection finds the edge between two regions, following bidirectional edges in reverse.
func (r Repo) Connection(ctx context.Context, fromRegionID, toRegionID string) (domain.RegionConnection, error) {
	var c domain.RegionConnection
	var bidi, locked int
	err := r.DB.QueryRowContext(ctx, `SELECT from_region_id,to_region_id,COALESCE(description,''),bidirectional,is_locked,COALESCE(lock_description,'')
FROM region_connections
WHERE (from_region_id=? AND to_region_id=?) OR (bidirectional=1 AND from_region_id=? AND to_region_id=?)
ORDER BY CASE WHEN from_region_id=? THEN 0 ELSE 1 END LIMIT 1`,
		fromRegionID, toRegionID, toRegionID, fromRegionID, fromRegionID).
		Scan(&c.FromRegionID, &c.ToRegionID, &c.Description, &bidi, &locked, &c.LockDescription)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.Bidirectional = bidi != 0
	c.IsLocked = locked != 0
	return c, err
}

// Exits lists the edges leaving a region, with reversed bidirectional edges
// reported from the region's side.
func (r Repo) Exits(ctx context.Context, regionID string) ([]domain.RegionConnection, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT from_region_id,to_region_id,COALESCE(description,''),bidirectional,is_locked,COALESCE(lock_description,'')
FROM region_connections
WHERE from_region_id=? OR (bidirectional=1 AND to_region_id=?)
ORDER BY from_region_id, to_region_id`, regionID, regionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RegionConnection
	seen := map[string]bool{}
	for rows.Next() {
		var c domain.RegionConnection
		var bidi, locked int
		if err := rows.Scan(&c.FromRegionID, &c.ToRegionID, &c.Description, &bidi, &locked, &c.LockDescription); err != nil {
			return nil, err
		}
		c.Bidirectional = bidi != 0
		c.IsLocked = locked != 0
		if c.FromRegionID != regionID {
			c.FromRegionID, c.ToRegionID = c.ToRegionID, c.FromRegionID
		}
		if seen[c.ToRegionID] {
			continue
		}
		seen[c.ToRegionID] = true
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) SetConnectionLocked(ctx context.Context, tx *sql.Tx, fromRegionID, toRegionID string, locked bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE region_connections SET is_locked=? WHERE from_region_id=? AND to_region_id=?`, boolInt(locked), fromRegionID, toRegionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}
