package repo

import (
	"context"
	"database/sql"
	"time"

	"loreline/internal/domain"
)

func (r Repo) InsertPC(ctx context.Context, tx *sql.Tx, pc domain.PlayerCharacter) error {
	stats, err := marshalJSON(pc.Stats)
	if err != nil {
		return err
	}
	if pc.UpdatedAt == "" {
		pc.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO player_characters(id,world_id,user_id,name,location_id,region_id,stats_json,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		pc.ID, pc.WorldID, pc.UserID, pc.Name, pc.LocationID, nullableStringPtr(pc.RegionID), stats, pc.UpdatedAt)
	return err
}

const pcColumns = `id,world_id,user_id,name,location_id,region_id,COALESCE(stats_json,''),updated_at`

func scanPC(sc interface{ Scan(...any) error }) (domain.PlayerCharacter, error) {
	var pc domain.PlayerCharacter
	var region sql.NullString
	var stats string
	err := sc.Scan(&pc.ID, &pc.WorldID, &pc.UserID, &pc.Name, &pc.LocationID, &region, &stats, &pc.UpdatedAt)
	if err == sql.ErrNoRows {
		return pc, ErrNotFound
	}
	if err != nil {
		return pc, err
	}
	if region.Valid && region.String != "" {
		pc.RegionID = &region.String
	}
	if err := unmarshalJSON(stats, &pc.Stats); err != nil {
		return pc, err
	}
	return pc, nil
}

func (r Repo) GetPC(ctx context.Context, id string) (domain.PlayerCharacter, error) {
	return scanPC(r.DB.QueryRowContext(ctx, `SELECT `+pcColumns+` FROM player_characters WHERE id=?`, id))
}

func (r Repo) ListPCs(ctx context.Context, worldID string) ([]domain.PlayerCharacter, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+pcColumns+` FROM player_characters WHERE world_id=? ORDER BY id`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlayerCharacter
	for rows.Next() {
		pc, err := scanPC(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, pc)
	}
	return res, rows.Err()
}

// ListPCsInRegion returns PCs currently standing in a region.
func (r Repo) ListPCsInRegion(ctx context.Context, regionID string) ([]domain.PlayerCharacter, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+pcColumns+` FROM player_characters WHERE region_id=? ORDER BY id`, regionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlayerCharacter
	for rows.Next() {
		pc, err := scanPC(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, pc)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePCPosition(ctx context.Context, tx *sql.Tx, pcID, locationID, regionID, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE player_characters SET location_id=?, region_id=?, updated_at=? WHERE id=?`,
		locationID, nullable(regionID), updatedAt, pcID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdatePCStats(ctx context.Context, tx *sql.Tx, pcID string, stats map[string]int, updatedAt string) error {
	data, err := marshalJSON(stats)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE player_characters SET stats_json=?, updated_at=? WHERE id=?`, data, updatedAt, pcID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertNPC(ctx context.Context, tx *sql.Tx, n domain.NPC) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO npcs(id,world_id,name,description,active) VALUES (?,?,?,?,?)`,
		n.ID, n.WorldID, n.Name, nullable(n.Description), boolInt(n.Active))
	return err
}

func (r Repo) ListNPCs(ctx context.Context, worldID string) ([]domain.NPC, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,world_id,name,COALESCE(description,''),active FROM npcs WHERE world_id=? ORDER BY name, id`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NPC
	for rows.Next() {
		var n domain.NPC
		var active int
		if err := rows.Scan(&n.ID, &n.WorldID, &n.Name, &n.Description, &active); err != nil {
			return nil, err
		}
		n.Active = active != 0
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) InsertNpcRegionLink(ctx context.Context, tx *sql.Tx, l domain.NpcRegionLink) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO npc_region_links(npc_id,region_id,kind,shift,frequency,time_of_day) VALUES (?,?,?,?,?,?)`,
		l.NpcID, l.RegionID, string(l.Kind), nullable(l.Shift), nullable(l.Frequency), nullable(l.TimeOfDay))
	return err
}

// RegionAffinities lists active NPCs linked to a region, in stable order.
func (r Repo) RegionAffinities(ctx context.Context, regionID string) ([]domain.NpcRegionLink, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT l.npc_id,n.name,l.region_id,l.kind,COALESCE(l.shift,''),COALESCE(l.frequency,''),COALESCE(l.time_of_day,'')
FROM npc_region_links l JOIN npcs n ON n.id=l.npc_id
WHERE l.region_id=? AND n.active=1
ORDER BY n.name, l.npc_id, l.kind`, regionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NpcRegionLink
	for rows.Next() {
		var l domain.NpcRegionLink
		var kind string
		if err := rows.Scan(&l.NpcID, &l.NpcName, &l.RegionID, &kind, &l.Shift, &l.Frequency, &l.TimeOfDay); err != nil {
			return nil, err
		}
		l.Kind = domain.AffinityKind(kind)
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) Inventory(ctx context.Context, pcID string) ([]domain.InventoryItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT pc_id,item_id,name,quantity FROM inventory WHERE pc_id=? ORDER BY item_id`, pcID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InventoryItem
	for rows.Next() {
		var it domain.InventoryItem
		if err := rows.Scan(&it.PcID, &it.ItemID, &it.Name, &it.Quantity); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// ItemQuantity returns 0 when the PC does not hold the item.
func (r Repo) ItemQuantity(ctx context.Context, q Querier, pcID, itemID string) (int, error) {
	if q == nil {
		q = r.DB
	}
	var n int
	err := q.QueryRowContext(ctx, `SELECT quantity FROM inventory WHERE pc_id=? AND item_id=?`, pcID, itemID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (r Repo) SetItemQuantity(ctx context.Context, tx *sql.Tx, pcID, itemID, name string, qty int) error {
	if qty <= 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM inventory WHERE pc_id=? AND item_id=?`, pcID, itemID)
		return err
	}
	if name == "" {
		name = itemID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO inventory(pc_id,item_id,name,quantity) VALUES (?,?,?,?)
ON CONFLICT(pc_id,item_id) DO UPDATE SET quantity=excluded.quantity`, pcID, itemID, name, qty)
	return err
}

// Flag reads a flag in one scope; pcID "" is world scope.
func (r Repo) Flag(ctx context.Context, worldID, pcID, name string) (value bool, found bool, err error) {
	var v int
	err = r.DB.QueryRowContext(ctx, `SELECT value FROM flags WHERE world_id=? AND pc_id=? AND name=?`, worldID, pcID, name).Scan(&v)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return v != 0, true, nil
}

func (r Repo) SetFlag(ctx context.Context, tx *sql.Tx, worldID, pcID, name string, value bool) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO flags(world_id,pc_id,name,value) VALUES (?,?,?,?)
ON CONFLICT(world_id,pc_id,name) DO UPDATE SET value=excluded.value`, worldID, pcID, name, boolInt(value))
	return err
}

// Flags returns every flag visible to a PC, PC scope overriding world scope.
func (r Repo) Flags(ctx context.Context, worldID, pcID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT pc_id,name,value FROM flags WHERE world_id=? AND (pc_id='' OR pc_id=?) ORDER BY CASE WHEN pc_id='' THEN 0 ELSE 1 END`, worldID, pcID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var scope, name string
		var v int
		if err := rows.Scan(&scope, &name, &v); err != nil {
			return nil, err
		}
		out[name] = v != 0
	}
	return out, rows.Err()
}

func (r Repo) Relationship(ctx context.Context, q Querier, worldID, fromID, toID string) (int, error) {
	if q == nil {
		q = r.DB
	}
	var v int
	err := q.QueryRowContext(ctx, `SELECT sentiment FROM relationships WHERE world_id=? AND from_id=? AND to_id=?`, worldID, fromID, toID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

func (r Repo) SetRelationship(ctx context.Context, tx *sql.Tx, worldID, fromID, toID string, sentiment int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO relationships(world_id,from_id,to_id,sentiment) VALUES (?,?,?,?)
ON CONFLICT(world_id,from_id,to_id) DO UPDATE SET sentiment=excluded.sentiment`, worldID, fromID, toID, sentiment)
	return err
}

func (r Repo) KnowsCharacter(ctx context.Context, pcID, characterID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM known_characters WHERE pc_id=? AND character_id=?`, pcID, characterID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) AddKnownCharacter(ctx context.Context, tx *sql.Tx, pcID, characterID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO known_characters(pc_id,character_id) VALUES (?,?)`, pcID, characterID)
	return err
}

func (r Repo) HasCompletedScene(ctx context.Context, pcID, sceneID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM completed_scenes WHERE pc_id=? AND scene_id=?`, pcID, sceneID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) MarkSceneCompleted(ctx context.Context, tx *sql.Tx, pcID, sceneID, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO completed_scenes(pc_id,scene_id,completed_at) VALUES (?,?,?)`, pcID, sceneID, at)
	return err
}
