package sqlite

import (
	"fmt"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"go.uber.org/zap"
)

type cachedAttacks struct {
	attacks  []types.AttackPattern
	cachedAt time.Time
}

const cacheTTL = 5 * time.Minute

// AttacksForIP returns the archived attacks of one source, newest first.
// Results are cached per IP; archiving a new attack for the IP drops its entry.
func (s *Store) AttacksForIP(ip string) ([]types.AttackPattern, error) {
	if entry, ok := s.cache.Get(ip); ok {
		if time.Since(entry.cachedAt) < cacheTTL {
			zap.L().Debug("Attack history retrieved from cache", zap.String("ip", ip))
			return append([]types.AttackPattern(nil), entry.attacks...), nil
		}
	}

	attacks, err := s.dbAttacksForIP(ip)
	if err != nil {
		zap.L().Error("Failed to look up attack history", zap.String("ip", ip), zap.Error(err))
		return nil, err
	}
	s.cache.Add(ip, cachedAttacks{attacks: attacks, cachedAt: time.Now()})
	return append([]types.AttackPattern(nil), attacks...), nil
}

func (s *Store) dbAttacksForIP(ip string) ([]types.AttackPattern, error) {
	rows, err := s.db.Query(
		`SELECT source_ip, attack_type, start_time, end_time, packet_count, byte_count, intensity, status
		FROM attack_history WHERE source_ip = ? ORDER BY start_time DESC, id DESC`, ip)
	if err != nil {
		return nil, fmt.Errorf("failed to query attack history: %w", err)
	}
	defer rows.Close()

	var out []types.AttackPattern
	for rows.Next() {
		var a types.AttackPattern
		var typ, status string
		if err := rows.Scan(&a.SourceIP, &typ, &a.StartTime, &a.EndTime, &a.PacketCount, &a.ByteCount, &a.Intensity, &status); err != nil {
			return nil, fmt.Errorf("failed to scan attack row: %w", err)
		}
		a.Type = types.AttackType(typ)
		a.Status = types.AttackStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAttacks is the number of archived attacks.
func (s *Store) CountAttacks() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM attack_history").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count attacks: %w", err)
	}
	return n, nil
}
