// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/MuzeenMir/sentinel-sub000/internal/clock"
	"github.com/MuzeenMir/sentinel-sub000/internal/errors"
	"github.com/MuzeenMir/sentinel-sub000/internal/policy"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := HealthSnapshot{
		"status": "ok",
		"uptime": clock.Now().Sub(s.startTime).Round(time.Second).String(),
	}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	s.respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.respondError(w, errors.New(errors.KindUnavailable, "statistics are not enabled"))
		return
	}
	snap, err := s.stats.Snapshot(r.Context(), 10)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		s.respondError(w, errors.New(errors.KindUnavailable, "push ingest is not enabled"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		s.respondError(w, errors.Wrap(err, errors.KindMalformedInput, "read body"))
		return
	}
	accepted, err := s.push.Accept(body, clock.Now())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func (s *Server) handlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	var intent policy.Intent
	if !s.decode(w, r, &intent) {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	result, err := s.policies.Create(r.Context(), intent, force)
	if err != nil {
		if errors.GetKind(err) == errors.KindPartialApply {
			s.respondJSON(w, http.StatusMultiStatus, result)
			return
		}
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, result)
}

func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.List(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
		"engine":   s.policies.Statistics(),
	})
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	pol, err := s.policies.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, pol)
}

func (s *Server) handlePolicyUpdate(w http.ResponseWriter, r *http.Request) {
	var intent policy.Intent
	if !s.decode(w, r, &intent) {
		return
	}
	result, err := s.policies.Update(r.Context(), mux.Vars(r)["id"], intent)
	if err != nil {
		if errors.GetKind(err) == errors.KindPartialApply {
			s.respondJSON(w, http.StatusMultiStatus, result)
			return
		}
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePolicyDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePolicyRollback(w http.ResponseWriter, r *http.Request) {
	result, err := s.policies.Rollback(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handlePolicyValidate(w http.ResponseWriter, r *http.Request) {
	var intent policy.Intent
	if !s.decode(w, r, &intent) {
		return
	}
	rules, res := s.policies.ValidateIntent(intent)
	s.respondJSON(w, http.StatusOK, map[string]any{
		"rules":  rules,
		"result": res,
	})
}

// applyRequest is the decision intake: an automated or manual response
// to a detected threat.
type applyRequest struct {
	Action          string            `json:"action"` // "block" or "rate_limit"
	SourceIP        string            `json:"source_ip"`
	DurationSeconds float64           `json:"duration_seconds"`
	RateLimit       *policy.RateLimit `json:"rate_limit,omitempty"`
	Force           bool              `json:"force,omitempty"`
}

func (s *Server) handlePolicyApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SourceIP == "" {
		s.respondError(w, errors.New(errors.KindValidation, "source_ip is required"))
		return
	}

	var intent policy.Intent
	switch req.Action {
	case "block":
		intent = policy.BlockIP(req.SourceIP, req.DurationSeconds)
	case "rate_limit":
		pps, burst := 100, 50
		if req.RateLimit != nil {
			pps, burst = req.RateLimit.PacketsPerSecond, req.RateLimit.Burst
		}
		intent = policy.RateLimitIP(req.SourceIP, pps, burst, req.DurationSeconds)
	default:
		s.respondError(w, errors.Errorf(errors.KindValidation, "unknown apply action %q", req.Action))
		return
	}

	result, err := s.policies.Create(r.Context(), intent, req.Force)
	if err != nil {
		if errors.GetKind(err) == errors.KindPartialApply {
			s.respondJSON(w, http.StatusMultiStatus, result)
			return
		}
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, result)
}

// translateRequest previews rule generation without touching any
// backend or store.
type translateRequest struct {
	Intent policy.Intent `json:"intent"`
	Merge  bool          `json:"merge,omitempty"`
}

func (s *Server) handleRulesTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if !s.decode(w, r, &req) {
		return
	}
	rules, res := s.policies.ValidateIntent(req.Intent)
	if req.Merge {
		rules = policy.MergeRules(rules)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"rules":  rules,
		"result": res,
	})
}
