package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"heartbeat_bot/internal/model"
)

const defaultReportLimit = 100

func (s *Store) RecordReport(ctx context.Context, r model.Report) (model.Report, error) {
	if r.Email == "" {
		return model.Report{}, errors.New("email is required")
	}
	if r.CycleID == "" {
		return model.Report{}, errors.New("cycleId is required")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	authenticated := 0
	if r.Authenticated {
		authenticated = 1
	}
	var status sql.NullInt64
	if r.HeartbeatStatus != nil {
		status = sql.NullInt64{Int64: int64(*r.HeartbeatStatus), Valid: true}
	}
	var earnings sql.NullString
	if len(r.Earnings) > 0 {
		earnings = sql.NullString{String: string(r.Earnings), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, cycle_id, email, install_id, authenticated, heartbeat_status, earnings_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.CycleID, r.Email, r.InstallID, authenticated, status, earnings, r.CreatedAt.UnixMilli())
	if err != nil {
		return model.Report{}, err
	}
	return r, nil
}

// ListReports returns the newest reports first. A non-empty email narrows the
// result to that account.
func (s *Store) ListReports(ctx context.Context, email string, limit int) ([]model.Report, error) {
	if limit <= 0 {
		limit = defaultReportLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if email == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, cycle_id, email, install_id, authenticated, heartbeat_status, earnings_json, created_at
			FROM reports ORDER BY created_at DESC, rowid DESC LIMIT ?
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, cycle_id, email, install_id, authenticated, heartbeat_status, earnings_json, created_at
			FROM reports WHERE email = ? ORDER BY created_at DESC, rowid DESC LIMIT ?
		`, email, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		var row struct {
			id            string
			cycleID       string
			email         string
			installID     string
			authenticated int
			status        sql.NullInt64
			earnings      sql.NullString
			createdAt     int64
		}
		if err := rows.Scan(&row.id, &row.cycleID, &row.email, &row.installID, &row.authenticated, &row.status, &row.earnings, &row.createdAt); err != nil {
			return nil, err
		}
		r := model.Report{
			ID:            row.id,
			CycleID:       row.cycleID,
			Email:         row.email,
			InstallID:     row.installID,
			Authenticated: row.authenticated == 1,
			CreatedAt:     time.UnixMilli(row.createdAt),
		}
		if row.status.Valid {
			v := int(row.status.Int64)
			r.HeartbeatStatus = &v
		}
		if row.earnings.Valid {
			r.Earnings = json.RawMessage(row.earnings.String)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PruneReports deletes reports older than cutoff and returns how many went.
func (s *Store) PruneReports(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
