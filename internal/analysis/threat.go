package analysis

import "github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"

// ThreatLevelForScore maps an anomaly score onto the five-band scale.
// Lower bounds are exclusive: 0.4 is still NORMAL.
func ThreatLevelForScore(score float64) types.ThreatLevel {
	switch {
	case score > 1.0:
		return types.ThreatEmergency
	case score > 0.8:
		return types.ThreatCritical
	case score > 0.6:
		return types.ThreatWarning
	case score > 0.4:
		return types.ThreatNotice
	default:
		return types.ThreatNormal
	}
}
