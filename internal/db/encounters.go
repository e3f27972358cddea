package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/dronewatch/internal/detection"
	"github.com/banshee-data/dronewatch/internal/encounter"
)

// EncounterRepository persists encounters, their flight points and the
// do-not-track list. It satisfies encounter.Repository.
type EncounterRepository struct {
	db *DB
}

var _ encounter.Repository = (*EncounterRepository)(nil)

func NewEncounterRepository(db *DB) *EncounterRepository {
	return &EncounterRepository{db: db}
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// SaveEncounter upserts the header and appends the delta's flight points and
// signatures in one transaction. Rows already stored under the same key are
// left alone, so replaying a delta after a partial failure is harmless.
func (r *EncounterRepository) SaveEncounter(ctx context.Context, d encounter.Delta) error {
	h := d.Header
	if h == nil {
		return fmt.Errorf("save encounter: nil header")
	}
	macs, err := json.Marshal(nonNilStrings(h.MACAddresses))
	if err != nil {
		return fmt.Errorf("marshal macs for %s: %w", h.ID, err)
	}
	meta := h.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata for %s: %w", h.ID, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO encounters (
			id, first_seen_unix_nanos, last_seen_unix_nanos, custom_name, trust_status,
			mac_addresses_json, metadata_json, max_altitude, max_speed, average_rssi,
			rssi_sample_count, flight_point_count, signature_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			first_seen_unix_nanos = excluded.first_seen_unix_nanos,
			last_seen_unix_nanos  = excluded.last_seen_unix_nanos,
			custom_name           = excluded.custom_name,
			trust_status          = excluded.trust_status,
			mac_addresses_json    = excluded.mac_addresses_json,
			metadata_json         = excluded.metadata_json,
			max_altitude          = excluded.max_altitude,
			max_speed             = excluded.max_speed,
			average_rssi          = excluded.average_rssi,
			rssi_sample_count     = excluded.rssi_sample_count,
			flight_point_count    = excluded.flight_point_count,
			signature_count       = excluded.signature_count`,
		h.ID, unixNanos(h.FirstSeen), unixNanos(h.LastSeen), h.CustomName, string(h.TrustStatus),
		string(macs), string(metaJSON), nullFloat(h.MaxAltitude), nullFloat(h.MaxSpeed), nullFloat(h.AverageRSSI),
		h.RSSISampleCount, h.FlightPointCount, h.SignatureCount,
	)
	if err != nil {
		return fmt.Errorf("upsert encounter %s: %w", h.ID, err)
	}

	if len(d.Points) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO flight_points (
				encounter_id, seq, lat, lon, altitude, speed, ts_unix_nanos,
				is_proximity, proximity_rssi, proximity_radius
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range d.Points {
			if _, err := stmt.ExecContext(ctx,
				h.ID, p.Seq, p.Coordinate.Lat, p.Coordinate.Lon, nullFloat(p.Altitude), nullFloat(p.Speed),
				unixNanos(p.Timestamp), p.IsProximityPoint, nullFloat(p.ProximityRSSI), nullFloat(p.ProximityRadius),
			); err != nil {
				return fmt.Errorf("insert flight point %s/%d: %w", h.ID, p.Seq, err)
			}
		}
	}

	if len(d.Signatures) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO signatures (encounter_id, fingerprint) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, fp := range d.Signatures {
			if _, err := stmt.ExecContext(ctx, h.ID, string(fp)); err != nil {
				return fmt.Errorf("insert signature for %s: %w", h.ID, err)
			}
		}
	}
	return tx.Commit()
}

// LoadEncounters returns every encounter with its full flight path in
// timestamp order.
func (r *EncounterRepository) LoadEncounters(ctx context.Context) ([]*encounter.Encounter, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, first_seen_unix_nanos, last_seen_unix_nanos, custom_name, trust_status,
		       mac_addresses_json, metadata_json, max_altitude, max_speed, average_rssi,
		       rssi_sample_count, flight_point_count, signature_count
		FROM encounters
		ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*encounter.Encounter
	byID := make(map[string]*encounter.Encounter)
	for rows.Next() {
		var (
			e                         encounter.Encounter
			first, last               int64
			trust, macsJSON, metaJSON string
			maxAlt, maxSpeed, avgRSSI sql.NullFloat64
		)
		if err := rows.Scan(&e.ID, &first, &last, &e.CustomName, &trust,
			&macsJSON, &metaJSON, &maxAlt, &maxSpeed, &avgRSSI,
			&e.RSSISampleCount, &e.FlightPointCount, &e.SignatureCount); err != nil {
			return nil, err
		}
		e.FirstSeen = fromUnixNanos(first)
		e.LastSeen = fromUnixNanos(last)
		e.TrustStatus = encounter.TrustStatus(trust)
		e.MaxAltitude = floatPtr(maxAlt)
		e.MaxSpeed = floatPtr(maxSpeed)
		e.AverageRSSI = floatPtr(avgRSSI)
		if err := json.Unmarshal([]byte(macsJSON), &e.MACAddresses); err != nil {
			return nil, fmt.Errorf("decode macs for %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
		ep := &e
		out = append(out, ep)
		byID[e.ID] = ep
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadFlightPoints(ctx, byID); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *EncounterRepository) loadFlightPoints(ctx context.Context, byID map[string]*encounter.Encounter) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT encounter_id, seq, lat, lon, altitude, speed, ts_unix_nanos,
		       is_proximity, proximity_rssi, proximity_radius
		FROM flight_points
		ORDER BY encounter_id, ts_unix_nanos, seq`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id                         string
			p                          encounter.FlightPoint
			ts                         int64
			alt, speed, pRSSI, pRadius sql.NullFloat64
		)
		if err := rows.Scan(&id, &p.Seq, &p.Coordinate.Lat, &p.Coordinate.Lon, &alt, &speed, &ts,
			&p.IsProximityPoint, &pRSSI, &pRadius); err != nil {
			return err
		}
		e, ok := byID[id]
		if !ok {
			continue
		}
		p.Timestamp = fromUnixNanos(ts)
		p.Altitude = floatPtr(alt)
		p.Speed = floatPtr(speed)
		p.ProximityRSSI = floatPtr(pRSSI)
		p.ProximityRadius = floatPtr(pRadius)
		e.FlightPath = append(e.FlightPath, p)
	}
	return rows.Err()
}

// LoadSignatures returns the stored detection fingerprints per encounter.
func (r *EncounterRepository) LoadSignatures(ctx context.Context) (map[string][]detection.Fingerprint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT encounter_id, fingerprint FROM signatures`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]detection.Fingerprint)
	for rows.Next() {
		var id, fp string
		if err := rows.Scan(&id, &fp); err != nil {
			return nil, err
		}
		out[id] = append(out[id], detection.Fingerprint(fp))
	}
	return out, rows.Err()
}

// DeleteEncounter removes an encounter, its flight path and its signatures.
func (r *EncounterRepository) DeleteEncounter(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM flight_points WHERE encounter_id = ?`, id); err != nil {
		return fmt.Errorf("delete flight points for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM signatures WHERE encounter_id = ?`, id); err != nil {
		return fmt.Errorf("delete signatures for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM encounters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete encounter %s: %w", id, err)
	}
	return tx.Commit()
}

// DeleteAllEncounters clears every encounter. The do-not-track list is kept.
func (r *EncounterRepository) DeleteAllEncounters(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM flight_points`); err != nil {
		return fmt.Errorf("delete flight points: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM signatures`); err != nil {
		return fmt.Errorf("delete signatures: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM encounters`); err != nil {
		return fmt.Errorf("delete encounters: %w", err)
	}
	return tx.Commit()
}

func (r *EncounterRepository) SaveSuppression(ctx context.Context, s encounter.Suppression) error {
	macs, err := json.Marshal(nonNilStrings(s.MACs))
	if err != nil {
		return err
	}
	regs, err := json.Marshal(nonNilStrings(s.Registrations))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO suppressions (identity, macs_json, registrations_json, created_unix_nanos)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			macs_json          = excluded.macs_json,
			registrations_json = excluded.registrations_json,
			created_unix_nanos = excluded.created_unix_nanos`,
		s.Identity, string(macs), string(regs), unixNanos(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("save suppression %s: %w", s.Identity, err)
	}
	return nil
}

func (r *EncounterRepository) DeleteSuppression(ctx context.Context, identity string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM suppressions WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("delete suppression %s: %w", identity, err)
	}
	return nil
}

func (r *EncounterRepository) LoadSuppressions(ctx context.Context) ([]encounter.Suppression, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT identity, macs_json, registrations_json, created_unix_nanos
		FROM suppressions
		ORDER BY identity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []encounter.Suppression
	for rows.Next() {
		var (
			s                  encounter.Suppression
			macsJSON, regsJSON string
			created            int64
		)
		if err := rows.Scan(&s.Identity, &macsJSON, &regsJSON, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(macsJSON), &s.MACs); err != nil {
			return nil, fmt.Errorf("decode suppression macs for %s: %w", s.Identity, err)
		}
		if err := json.Unmarshal([]byte(regsJSON), &s.Registrations); err != nil {
			return nil, fmt.Errorf("decode suppression registrations for %s: %w", s.Identity, err)
		}
		s.CreatedAt = fromUnixNanos(created)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Stats are table row counts for the debug page.
type Stats struct {
	Encounters   int64
	FlightPoints int64
	Signatures   int64
	Suppressions int64
}

func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM encounters),
			(SELECT COUNT(*) FROM flight_points),
			(SELECT COUNT(*) FROM signatures),
			(SELECT COUNT(*) FROM suppressions)`).Scan(&s.Encounters, &s.FlightPoints, &s.Signatures, &s.Suppressions)
	return s, err
}

// PathWithin returns the stored flight points of id between from and to,
// inclusive, without loading the whole encounter.
func (r *EncounterRepository) PathWithin(ctx context.Context, id string, from, to time.Time) ([]encounter.FlightPoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT seq, lat, lon, altitude, speed, ts_unix_nanos, is_proximity, proximity_rssi, proximity_radius
		FROM flight_points
		WHERE encounter_id = ? AND ts_unix_nanos BETWEEN ? AND ?
		ORDER BY ts_unix_nanos, seq`, id, unixNanos(from), unixNanos(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []encounter.FlightPoint
	for rows.Next() {
		var (
			p                          encounter.FlightPoint
			ts                         int64
			alt, speed, pRSSI, pRadius sql.NullFloat64
		)
		if err := rows.Scan(&p.Seq, &p.Coordinate.Lat, &p.Coordinate.Lon, &alt, &speed, &ts,
			&p.IsProximityPoint, &pRSSI, &pRadius); err != nil {
			return nil, err
		}
		p.Timestamp = fromUnixNanos(ts)
		p.Altitude = floatPtr(alt)
		p.Speed = floatPtr(speed)
		p.ProximityRSSI = floatPtr(pRSSI)
		p.ProximityRadius = floatPtr(pRadius)
		out = append(out, p)
	}
	return out, rows.Err()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
