package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"go.uber.org/zap"
)

// LoadBaseline returns nil when no baseline has been saved yet.
func (s *Store) LoadBaseline() ([]float64, error) {
	var raw string
	err := s.db.QueryRow("SELECT data_points FROM score_baseline WHERE id = 1").Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read score baseline: %w", err)
	}
	var values []float64
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("failed to decode score baseline: %w", err)
	}
	return values, nil
}

func (s *Store) SaveBaseline(values []float64) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode score baseline: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO score_baseline (id, data_points, updated_at) VALUES (1, ?, ?)",
		string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save score baseline: %w", err)
	}
	zap.L().Debug("Saved score baseline", zap.Int("values", len(values)))
	return nil
}

// ArchiveAttacks appends resolved attacks in SQLite-sized batches.
func (s *Store) ArchiveAttacks(attacks []types.AttackPattern) error {
	if len(attacks) == 0 {
		return nil
	}

	const maxSQLiteParams = 999                       // SQLite's SQLITE_MAX_VARIABLE_NUMBER
	const paramsPerRecord = 8                         // all columns but id
	maxBatchSize := maxSQLiteParams / paramsPerRecord // 124 records per statement

	for i := 0; i < len(attacks); i += maxBatchSize {
		end := i + maxBatchSize
		if end > len(attacks) {
			end = len(attacks)
		}
		if err := s.insertAttackBatch(attacks[i:end]); err != nil {
			return fmt.Errorf("failed to archive batch: %w", err)
		}
	}

	for _, a := range attacks {
		s.cache.Remove(a.SourceIP)
	}
	return nil
}

func (s *Store) insertAttackBatch(batch []types.AttackPattern) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := make([]string, len(batch))
	args := make([]interface{}, 0, len(batch)*8)
	for i, a := range batch {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, a.SourceIP, string(a.Type), a.StartTime.UTC(), a.EndTime.UTC(),
			a.PacketCount, a.ByteCount, a.Intensity, string(a.Status))
	}

	query := fmt.Sprintf(
		"INSERT INTO attack_history (source_ip, attack_type, start_time, end_time, packet_count, byte_count, intensity, status) VALUES %s",
		strings.Join(placeholders, ", "),
	)
	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to execute batch insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// InsertSnapshot records the counters at one point in time.
func (s *Store) InsertSnapshot(st types.Statistics) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO stats_snapshots
		(taken_at, total_packets, allowed_packets, denied_packets, dropped_packets, active_connections, attacks_detected, ips_blocked, threat_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.LastUpdateTime.UTC(), st.TotalPackets, st.AllowedPackets, st.DeniedPackets, st.DroppedPackets,
		st.ActiveConnections, st.AttacksDetected, st.IpsBlocked, string(st.ThreatLevel),
	)
	if err != nil {
		zap.L().Error("Failed to insert statistics snapshot", zap.Error(err))
		return fmt.Errorf("failed to insert statistics snapshot: %w", err)
	}
	return nil
}

// Snapshots returns up to limit snapshots, newest first.
func (s *Store) Snapshots(limit int) ([]types.Statistics, error) {
	rows, err := s.db.Query(
		`SELECT taken_at, total_packets, allowed_packets, denied_packets, dropped_packets, active_connections, attacks_detected, ips_blocked, threat_level
		FROM stats_snapshots ORDER BY taken_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []types.Statistics
	for rows.Next() {
		var st types.Statistics
		var level string
		if err := rows.Scan(&st.LastUpdateTime, &st.TotalPackets, &st.AllowedPackets, &st.DeniedPackets,
			&st.DroppedPackets, &st.ActiveConnections, &st.AttacksDetected, &st.IpsBlocked, &level); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		st.ThreatLevel = types.ThreatLevel(level)
		out = append(out, st)
	}
	return out, rows.Err()
}
