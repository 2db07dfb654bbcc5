package archive

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/nirbhaya/internal/geo"
)

// PostgresSink writes archive records to PostgreSQL. Geometries are stored
// as EWKB so they can be cast to PostGIS types where the extension exists.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a PostgreSQL-backed sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (p *PostgresSink) SaveRouteScore(ctx context.Context, rs RouteScore) error {
	const q = `
		INSERT INTO route_scores
			(route_key, alternative_index, origin, destination, polyline,
			 crime, crowd, commercial, lighting, composite, classification,
			 degradations, computed_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (route_key, computed_at) DO NOTHING`

	origin, err := geo.EncodePoint(rs.Origin)
	if err != nil {
		return fmt.Errorf("encode origin: %w", err)
	}
	dest, err := geo.EncodePoint(rs.Destination)
	if err != nil {
		return fmt.Errorf("encode destination: %w", err)
	}
	var line []byte
	if len(rs.Polyline) >= 2 {
		ls, err := geo.LineString(rs.Polyline)
		if err != nil {
			return fmt.Errorf("build polyline: %w", err)
		}
		if line, err = geo.EncodeLine(ls); err != nil {
			return fmt.Errorf("encode polyline: %w", err)
		}
	}

	_, err = p.db.ExecContext(ctx, q,
		rs.RouteKey,
		rs.AlternativeIndex,
		origin,
		dest,
		line,
		rs.Crime,
		rs.Crowd,
		rs.Commercial,
		rs.Lighting,
		rs.Composite,
		rs.Classification,
		pq.Array(rs.Degradations),
		rs.ComputedAt,
		rs.ExpiresAt,
	)
	return err
}

func (p *PostgresSink) SaveSOSSession(ctx context.Context, s SOSSession) error {
	const q = `
		INSERT INTO sos_sessions
			(geofence_id, entity_id, activation, deactivation, radius_m,
			 activated_at, deactivated_at, reason, peak_members, refreshes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (geofence_id) DO NOTHING`

	activation, err := geo.EncodePoint(s.Activation)
	if err != nil {
		return fmt.Errorf("encode activation: %w", err)
	}
	var deactivation []byte
	if s.Deactivation != nil {
		if deactivation, err = geo.EncodePoint(*s.Deactivation); err != nil {
			return fmt.Errorf("encode deactivation: %w", err)
		}
	}

	_, err = p.db.ExecContext(ctx, q,
		s.GeofenceID,
		s.EntityID,
		activation,
		deactivation,
		s.RadiusM,
		s.ActivatedAt,
		s.DeactivatedAt,
		s.Reason,
		s.PeakMembers,
		s.Refreshes,
	)
	return err
}

func (p *PostgresSink) SaveIncident(ctx context.Context, inc Incident) error {
	const q = `
		INSERT INTO incidents
			(id, reporter_id, suspect_id, incident_type, location, description, status, created_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`

	loc, err := geo.EncodePoint(inc.Location)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	_, err = p.db.ExecContext(ctx, q,
		inc.ID,
		inc.ReporterID,
		inc.SuspectID,
		inc.Type,
		loc,
		inc.Description,
		inc.Status,
		inc.CreatedAt,
	)
	return err
}

// RecentRouteScores returns the latest archived scores for a route key.
func (p *PostgresSink) RecentRouteScores(ctx context.Context, routeKey string, limit int) ([]RouteScore, error) {
	const q = `
		SELECT route_key, alternative_index, origin, destination,
		       crime, crowd, commercial, lighting, composite, classification,
		       degradations, computed_at, expires_at
		FROM route_scores
		WHERE route_key = $1
		ORDER BY computed_at DESC
		LIMIT $2`

	if limit <= 0 {
		limit = 10
	}
	rows, err := p.db.QueryContext(ctx, q, routeKey, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RouteScore
	for rows.Next() {
		var (
			rs           RouteScore
			origin, dest []byte
		)
		if err := rows.Scan(&rs.RouteKey, &rs.AlternativeIndex, &origin, &dest,
			&rs.Crime, &rs.Crowd, &rs.Commercial, &rs.Lighting, &rs.Composite, &rs.Classification,
			pq.Array(&rs.Degradations), &rs.ComputedAt, &rs.ExpiresAt); err != nil {
			return nil, err
		}
		if rs.Origin, err = geo.DecodePoint(origin); err != nil {
			return nil, fmt.Errorf("decode origin: %w", err)
		}
		if rs.Destination, err = geo.DecodePoint(dest); err != nil {
			return nil, fmt.Errorf("decode destination: %w", err)
		}
		out = append(out, rs)
	}
	return out, rows.Err()
}
