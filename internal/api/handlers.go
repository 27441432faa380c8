package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/blocklist"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/firewall"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/whitelist"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, firewall.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, firewall.ErrInvalidRule),
		errors.Is(err, blocklist.ErrInvalidIP),
		errors.Is(err, whitelist.ErrInvalidEntry):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.Rules())
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rule, ok := s.p.Rule(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", firewall.ErrRuleNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) addRule(w http.ResponseWriter, r *http.Request) {
	var rule types.Rule
	if err := decodeBody(w, r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode rule: %w", err))
		return
	}
	added, err := s.p.AddRule(rule)
	if err != nil && !errors.Is(err, firewall.ErrPersist) {
		writeError(w, statusFor(err), err)
		return
	}
	if err != nil {
		zap.L().Error("Rule added but not persisted", zap.String("id", added.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, added)
}

// importRules replaces the whole rule set.
func (s *Server) importRules(w http.ResponseWriter, r *http.Request) {
	var rules []types.Rule
	if err := decodeBody(w, r, &rules); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode rules: %w", err))
		return
	}
	n, err := s.p.ReplaceRules(rules)
	if err != nil && !errors.Is(err, firewall.ErrPersist) {
		writeError(w, statusFor(err), err)
		return
	}
	if err != nil {
		zap.L().Error("Rules imported but not persisted", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule types.Rule
	if err := decodeBody(w, r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode rule: %w", err))
		return
	}
	updated, err := s.p.UpdateRule(mux.Vars(r)["id"], rule)
	if err != nil && !errors.Is(err, firewall.ErrPersist) {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if _, err := s.p.DeleteRule(mux.Vars(r)["id"]); err != nil && !errors.Is(err, firewall.ErrPersist) {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ipRequest struct {
	IP string `json:"ip"`
}

func (s *Server) listBlocked(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.BlockedIPs())
}

func (s *Server) blockIP(w http.ResponseWriter, r *http.Request) {
	var req ipRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode request: %w", err))
		return
	}
	entry, created, err := s.p.BlockIP(req.IP)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, entry)
}

func (s *Server) unblockIP(w http.ResponseWriter, r *http.Request) {
	removed, err := s.p.UnblockIP(mux.Vars(r)["ip"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

type whitelistRequest struct {
	Entry string `json:"entry"`
}

func (s *Server) listWhitelist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.WhitelistedIPs())
}

func (s *Server) addWhitelist(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode request: %w", err))
		return
	}
	entry, added, err := s.p.AddToWhitelist(req.Entry)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]string{"entry": entry})
}

func (s *Server) removeWhitelist(w http.ResponseWriter, r *http.Request) {
	entry, removed, err := s.p.RemoveFromWhitelist(mux.Vars(r)["entry"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entry, "removed": removed})
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.Config())
}

func (s *Server) patchConfig(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode config patch: %w", err))
		return
	}
	next, err := s.p.UpdateConfig(patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.Statistics())
}

func (s *Server) clearStats(w http.ResponseWriter, r *http.Request) {
	s.p.ClearStatistics()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.p.ActiveConnections())
}

// listAttacks returns the attack history; ?active=true limits it to active attacks.
func (s *Server) listAttacks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		writeJSON(w, http.StatusOK, s.p.ActiveAttacks())
		return
	}
	writeJSON(w, http.StatusOK, s.p.AttackHistory())
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	data, err := s.p.ExportReport()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

type decisionResponse struct {
	Decision types.Decision `json:"decision"`
}

// ingestPackets decides one packet object or an array of packets.
func (s *Server) ingestPackets(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err))
		return
	}

	body = bytes.TrimSpace(body)
	if strings.HasPrefix(string(body), "[") {
		var pkts []types.Packet
		if err := json.Unmarshal(body, &pkts); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode packets: %w", err))
			return
		}
		// a batch is checked whole before any packet reaches the pipeline
		for i := range pkts {
			if err := pkts[i].Normalize(); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("packet %d: %w", i, err))
				return
			}
		}
		out := make([]decisionResponse, len(pkts))
		for i, pkt := range pkts {
			pkt.CaptureSource = "api"
			out[i] = decisionResponse{Decision: s.p.ProcessPacket(pkt)}
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	var pkt types.Packet
	if err := json.Unmarshal(body, &pkt); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode packet: %w", err))
		return
	}
	if err := pkt.Normalize(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pkt.CaptureSource = "api"
	writeJSON(w, http.StatusOK, decisionResponse{Decision: s.p.ProcessPacket(pkt)})
}
