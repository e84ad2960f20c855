// Copyright 2025 Hanibal Sk
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hanibalsk/orchestrate/pkg/agent"
	"github.com/hanibalsk/orchestrate/pkg/store"
)

// mountControl registers the operator command set. All commands are
// synchronous and return JSON snapshots of the affected rows.
func (s *Server) mountControl(r chi.Router) {
	r.Get("/agents", s.listAgents)
	r.Post("/agents", s.spawnAgent)
	r.Get("/agents/{id}", s.getAgent)
	r.Get("/agents/{id}/messages", s.getAgentMessages)
	r.Post("/agents/{id}/pause", s.agentAction((*agent.Manager).Pause))
	r.Post("/agents/{id}/resume", s.agentAction((*agent.Manager).Resume))
	r.Post("/agents/{id}/terminate", s.agentAction((*agent.Manager).Terminate))
	r.Post("/agents/{id}/input", s.provideInput)

	r.Get("/workspaces", s.listWorkspaces)
	r.Post("/workspaces", s.createWorkspace)
	r.Delete("/workspaces/{name}", s.removeWorkspace)

	r.Get("/queue", s.listQueue)
	r.Post("/queue", s.enqueue)
	r.Post("/queue/promote", s.promote)

	r.Get("/pr", s.getActivePR)
	r.Post("/pr", s.setActivePR)
	r.Post("/pr/close", s.closeActivePR)

	r.Get("/schedules", s.listSchedules)
	r.Post("/schedules", s.registerSchedule)
	r.Post("/schedules/{name}/run", s.runSchedule)

	r.Get("/audit/{type}/{id}", s.listAudit)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	filter := store.AgentFilter{Kind: r.URL.Query().Get("kind")}
	if st := r.URL.Query().Get("state"); st != "" {
		filter.States = []store.AgentState{store.AgentState(st)}
	}
	agents, err := s.store.ListAgents(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type spawnRequest struct {
	Kind        string                 `json:"kind"`
	Task        string                 `json:"task"`
	Context     map[string]interface{} `json:"context"`
	Parent      string                 `json:"parent_agent_id"`
	WorkspaceID string                 `json:"workspace_id"`
	ForkSession bool                   `json:"fork_session"`
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	a, err := s.manager.Spawn(r.Context(), agent.SpawnRequest{
		Kind:          req.Kind,
		Task:          req.Task,
		Context:       req.Context,
		ParentAgentID: req.Parent,
		WorkspaceID:   req.WorkspaceID,
		ForkSession:   req.ForkSession,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) getAgentMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	messages, err := s.store.GetMessages(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// agentAction adapts a manager method into a handler returning the updated
// row.
func (s *Server) agentAction(action func(*agent.Manager, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := action(s.manager, r.Context(), id); err != nil {
			writeStoreError(w, err)
			return
		}
		a, err := s.store.GetAgent(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func (s *Server) provideInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.manager.ProvideInput(r.Context(), id, req.Text); err != nil {
		writeStoreError(w, err)
		return
	}
	a, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkspaceFilter{}
	if st := r.URL.Query().Get("status"); st != "" {
		filter.Status = store.WorkspaceStatus(st)
	}
	workspaces, err := s.workspaces.List(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workspaces)
}

func (s *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		BaseBranch string `json:"base_branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	ws, err := s.workspaces.Create(r.Context(), req.Name, req.BaseBranch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) removeWorkspace(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	name := chi.URLParam(r, "name")
	if err := s.workspaces.Remove(r.Context(), name, force); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed", "name": name})
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.Entries(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string `json:"workspace_id"`
		Title       string `json:"title"`
		EpicID      string `json:"epic_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	entry, err := s.queue.Enqueue(r.Context(), req.WorkspaceID, req.Title, req.EpicID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) promote(w http.ResponseWriter, r *http.Request) {
	pr, err := s.queue.PromoteNext(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if pr == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "noop"})
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

func (s *Server) getActivePR(w http.ResponseWriter, r *http.Request) {
	pr, err := s.queue.Active(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if pr == nil {
		writeError(w, http.StatusNotFound, "no active PR")
		return
	}
	writeJSON(w, http.StatusOK, pr)
}

func (s *Server) setActivePR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PRNumber    int    `json:"pr_number"`
		WorkspaceID string `json:"workspace_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	pr, err := s.store.SetActivePR(r.Context(), req.PRNumber, req.WorkspaceID, "")
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pr)
}

func (s *Server) closeActivePR(w http.ResponseWriter, r *http.Request) {
	pr, err := s.queue.Active(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if pr == nil {
		writeError(w, http.StatusNotFound, "no active PR")
		return
	}
	if err := s.queue.ClearActive(r.Context(), pr.PRNumber, store.PRClosed); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) registerSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"name"`
		Cron         string `json:"cron"`
		AgentKind    string `json:"agent_kind"`
		TaskTemplate string `json:"task_template"`
		Enabled      *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sch, err := s.scheduler.Register(r.Context(), req.Name, req.Cron, req.AgentKind, req.TaskTemplate, enabled)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.scheduler.RunNow(r.Context(), name); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "fired", "name": name})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	records, err := s.store.ListAudit(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
