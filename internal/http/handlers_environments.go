package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/mistakeknot/envbook/internal/core"
)

type environmentsResponse struct {
	Environments []core.Environment `json:"environments"`
}

type environmentRequest struct {
	Name   string                 `json:"name"`
	Type   string                 `json:"type"`
	Status core.EnvironmentStatus `json:"status"`
}

type healthResponse struct {
	Status         string `json:"status"`
	CircuitBreaker string `json:"circuit_breaker,omitempty"`
}

func (s *Service) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := s.envs.ListEnvironments(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if list == nil {
			list = []core.Environment{}
		}
		writeJSON(w, http.StatusOK, environmentsResponse{Environments: list})
	case http.MethodPost:
		if !actor.CanManage() {
			s.writeError(w, r, core.Forbidden("only managers and admins can add environments"))
			return
		}
		var req environmentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		env, err := s.envs.CreateEnvironment(r.Context(), core.Environment{Name: req.Name, Type: req.Type, Status: req.Status})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("environment created", "environment_id", env.ID, "name", env.Name, "actor", actor.UserID)
		writeJSON(w, http.StatusCreated, env)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleEnvironmentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, rest, ok := splitPath(r.URL.Path, "/api/environments/")
	if !ok || len(rest) > 0 {
		writeErrorMessage(w, http.StatusBadRequest, "invalid environment id")
		return
	}
	if _, ok := requireActor(w, r); !ok {
		return
	}
	env, err := s.envs.GetEnvironment(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := healthResponse{Status: "ok", CircuitBreaker: s.health.CircuitBreakerState()}
	if err := s.health.Ping(ctx); err != nil {
		resp.Status = "unavailable"
		resp.CircuitBreaker = s.health.CircuitBreakerState()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
