package repo

import (
	"context"
	"database/sql"
	"time"

	"loreline/internal/domain"
)

const stagingColumns = `id,world_id,region_id,location_id,npcs_json,approved_at,ttl_hours,approved_by,source,COALESCE(guidance,''),is_active,created_at`

func scanStaging(sc interface{ Scan(...any) error }) (domain.StagingEntry, error) {
	var s domain.StagingEntry
	var npcs, approvedAt, source string
	var active int
	err := sc.Scan(&s.ID, &s.WorldID, &s.RegionID, &s.LocationID, &npcs, &approvedAt, &s.TTLHours, &s.ApprovedBy, &source, &s.Guidance, &active, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Source = domain.StagingSource(source)
	s.IsActive = active != 0
	if s.ApprovedAt, err = time.Parse(time.RFC3339, approvedAt); err != nil {
		return s, err
	}
	if err := unmarshalJSON(npcs, &s.Npcs); err != nil {
		return s, err
	}
	return s, nil
}

// ActiveStaging returns the region's active entry, expired or not.
func (r Repo) ActiveStaging(ctx context.Context, regionID string) (domain.StagingEntry, error) {
	return scanStaging(r.DB.QueryRowContext(ctx, `SELECT `+stagingColumns+` FROM staging_entries WHERE region_id=? AND is_active=1`, regionID))
}

// SaveStaging supersedes the region's active entry and inserts s as the new one.
func (r Repo) SaveStaging(ctx context.Context, tx *sql.Tx, s domain.StagingEntry) error {
	if _, err := tx.ExecContext(ctx, `UPDATE staging_entries SET is_active=0 WHERE region_id=? AND is_active=1`, s.RegionID); err != nil {
		return err
	}
	npcs, err := marshalJSON(s.Npcs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO staging_entries(id,world_id,region_id,location_id,npcs_json,approved_at,ttl_hours,approved_by,source,guidance,is_active,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,1,?)`,
		s.ID, s.WorldID, s.RegionID, s.LocationID, npcs, s.ApprovedAt.UTC().Format(time.RFC3339), s.TTLHours, s.ApprovedBy, string(s.Source), nullable(s.Guidance), s.CreatedAt)
	return err
}

// StagingHistory lists a region's entries newest first.
func (r Repo) StagingHistory(ctx context.Context, regionID string, limit int) ([]domain.StagingEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stagingColumns+` FROM staging_entries WHERE region_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, regionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StagingEntry
	for rows.Next() {
		s, err := scanStaging(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
