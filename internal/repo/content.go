package repo

import (
	"context"
	"database/sql"

	"loreline/internal/domain"
)

func (r Repo) InsertScene(ctx context.Context, tx *sql.Tx, s domain.Scene) error {
	conds, err := marshalJSON(s.Conditions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO scenes(id,world_id,location_id,name,description,sort_order,conditions_json,time_context) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.WorldID, s.LocationID, s.Name, nullable(s.Description), s.Order, conds, nullable(s.TimeContext))
	return err
}

// ListScenes returns a location's scenes in declaration order.
func (r Repo) ListScenes(ctx context.Context, locationID string) ([]domain.Scene, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,world_id,location_id,name,COALESCE(description,''),sort_order,COALESCE(conditions_json,''),COALESCE(time_context,'')
FROM scenes WHERE location_id=? ORDER BY sort_order, id`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Scene
	for rows.Next() {
		var s domain.Scene
		var conds string
		if err := rows.Scan(&s.ID, &s.WorldID, &s.LocationID, &s.Name, &s.Description, &s.Order, &conds, &s.TimeContext); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(conds, &s.Conditions); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertChallenge(ctx context.Context, tx *sql.Tx, c domain.Challenge) error {
	diff, err := marshalJSON(c.Difficulty)
	if err != nil {
		return err
	}
	outcomes, err := marshalJSON(c.Outcomes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO challenges(id,world_id,name,description,skill_name,dice,difficulty_json,outcomes_json,active) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.WorldID, c.Name, nullable(c.Description), nullable(c.SkillName), nullable(c.Dice), diff, outcomes, boolInt(c.Active))
	return err
}

func (r Repo) GetChallenge(ctx context.Context, id string) (domain.Challenge, error) {
	var c domain.Challenge
	var diff, outcomes string
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,world_id,name,COALESCE(description,''),COALESCE(skill_name,''),COALESCE(dice,''),difficulty_json,outcomes_json,active FROM challenges WHERE id=?`, id).
		Scan(&c.ID, &c.WorldID, &c.Name, &c.Description, &c.SkillName, &c.Dice, &diff, &outcomes, &active)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Active = active != 0
	if err := unmarshalJSON(diff, &c.Difficulty); err != nil {
		return c, err
	}
	if err := unmarshalJSON(outcomes, &c.Outcomes); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) SetChallengeActive(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE challenges SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RecordChallengeResult(ctx context.Context, tx *sql.Tx, pcID, challengeID, outcome string, success bool, at string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO challenge_results(pc_id,challenge_id,outcome,success,resolved_at) VALUES (?,?,?,?,?)
ON CONFLICT(pc_id,challenge_id) DO UPDATE SET outcome=excluded.outcome, success=excluded.success, resolved_at=excluded.resolved_at`,
		pcID, challengeID, outcome, boolInt(success), at)
	return err
}

// ChallengeResults maps challenge id to whether the PC's latest attempt succeeded.
func (r Repo) ChallengeResults(ctx context.Context, pcID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT challenge_id,success FROM challenge_results WHERE pc_id=?`, pcID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		var ok int
		if err := rows.Scan(&id, &ok); err != nil {
			return nil, err
		}
		out[id] = ok != 0
	}
	return out, rows.Err()
}

func (r Repo) InsertNarrativeEvent(ctx context.Context, tx *sql.Tx, e domain.NarrativeEvent) error {
	logic, err := marshalJSON(e.Logic)
	if err != nil {
		return err
	}
	triggers, err := marshalJSON(e.Triggers)
	if err != nil {
		return err
	}
	outcomes, err := marshalJSON(e.Outcomes)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO narrative_events(id,world_id,name,description,logic_json,triggers_json,outcomes_json,active,repeatable,priority,trigger_count,last_outcome)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.WorldID, e.Name, nullable(e.Description), logic, triggers, outcomes, boolInt(e.Active), boolInt(e.Repeatable), e.Priority, e.TriggerCount, nullable(e.LastOutcome))
	return err
}

const eventColumns = `id,world_id,name,COALESCE(description,''),logic_json,triggers_json,outcomes_json,active,repeatable,priority,trigger_count,COALESCE(last_outcome,'')`

func scanNarrativeEvent(sc interface{ Scan(...any) error }) (domain.NarrativeEvent, error) {
	var e domain.NarrativeEvent
	var logic, triggers, outcomes string
	var active, repeatable int
	err := sc.Scan(&e.ID, &e.WorldID, &e.Name, &e.Description, &logic, &triggers, &outcomes, &active, &repeatable, &e.Priority, &e.TriggerCount, &e.LastOutcome)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Active = active != 0
	e.Repeatable = repeatable != 0
	if err := unmarshalJSON(logic, &e.Logic); err != nil {
		return e, err
	}
	if err := unmarshalJSON(triggers, &e.Triggers); err != nil {
		return e, err
	}
	if err := unmarshalJSON(outcomes, &e.Outcomes); err != nil {
		return e, err
	}
	return e, nil
}

func (r Repo) GetNarrativeEvent(ctx context.Context, id string) (domain.NarrativeEvent, error) {
	return scanNarrativeEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM narrative_events WHERE id=?`, id))
}

// ListActiveEvents returns a world's active events, highest priority first.
func (r Repo) ListActiveEvents(ctx context.Context, worldID string) ([]domain.NarrativeEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM narrative_events WHERE world_id=? AND active=1 ORDER BY priority DESC, id`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NarrativeEvent
	for rows.Next() {
		e, err := scanNarrativeEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CompletedEvents maps event id to its last chosen outcome for events triggered at least once.
func (r Repo) CompletedEvents(ctx context.Context, worldID string) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(last_outcome,'') FROM narrative_events WHERE world_id=? AND trigger_count>0`, worldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var id, outcome string
		if err := rows.Scan(&id, &outcome); err != nil {
			return nil, err
		}
		out[id] = outcome
	}
	return out, rows.Err()
}

func (r Repo) SetEventActive(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE narrative_events SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEventTriggered bumps the trigger count, records the outcome and
// deactivates non-repeatable events.
func (r Repo) MarkEventTriggered(ctx context.Context, tx *sql.Tx, id, outcome string) error {
	res, err := tx.ExecContext(ctx, `UPDATE narrative_events SET trigger_count=trigger_count+1, last_outcome=?, active=CASE WHEN repeatable=1 THEN active ELSE 0 END WHERE id=?`,
		nullable(outcome), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
