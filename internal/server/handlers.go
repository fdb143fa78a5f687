package server

import (
	"net/http"
	"time"

	"trellosync/internal/board"
	"trellosync/internal/model"
)

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/boards", s.handleListBoards)
	mux.HandleFunc("POST /api/boards", s.handleCreateBoard)
	mux.HandleFunc("GET /api/boards/{id}/full", s.handleGetBoardFull)
	mux.HandleFunc("GET /api/boards/{id}/events", s.handleBoardEvents)
	mux.HandleFunc("POST /api/boards/{id}/archive", s.handleArchiveBoard)
	mux.HandleFunc("POST /api/boards/{id}/restore", s.handleRestoreBoard)
	mux.HandleFunc("DELETE /api/boards/{id}", s.handleDeleteBoard)

	mux.HandleFunc("POST /api/boards/{id}/lists", s.handleCreateList)
	mux.HandleFunc("PATCH /api/lists/{id}", s.handleUpdateList)
	mux.HandleFunc("POST /api/lists/{id}/move", s.handleMoveList)
	mux.HandleFunc("DELETE /api/lists/{id}", s.handleDeleteList)

	mux.HandleFunc("POST /api/lists/{id}/cards", s.handleCreateCard)
	mux.HandleFunc("PATCH /api/cards/{id}", s.handleUpdateCard)
	mux.HandleFunc("POST /api/cards/{id}/move", s.handleMoveCard)
	mux.HandleFunc("DELETE /api/cards/{id}", s.handleDeleteCard)

	mux.HandleFunc("GET /api/sync/{table}/{id}", s.handleSyncState)
	mux.HandleFunc("GET /api/advisories", s.handleAdvisories)
	mux.HandleFunc("POST /api/advisories/retry", s.handleRetry)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := false
	select {
	case <-s.client.Ready():
		ready = true
	default:
	}
	writeJSON(w, 200, map[string]any{"ok": true, "ready": ready, "ts": time.Now().UTC().Format(time.RFC3339)})
}

func includeArchived(r *http.Request) bool {
	return r.URL.Query().Get("archived") == "true"
}

func (s *Server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	items, err := s.client.Boards(r.Context(), includeArchived(r))
	if err != nil {
		s.fail(w, "list boards", err)
		return
	}
	if items == nil {
		items = []model.Board{}
	}
	writeJSON(w, 200, items)
}

func (s *Server) handleCreateBoard(w http.ResponseWriter, r *http.Request) {
	var req board.BoardInput
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, 400, "invalid payload")
		return
	}
	b, err := s.client.CreateBoard(r.Context(), req)
	if err != nil {
		s.fail(w, "create board", err)
		return
	}
	writeJSON(w, 201, b)
}

func (s *Server) handleGetBoardFull(w http.ResponseWriter, r *http.Request) {
	v, err := s.client.GetBoardWithDetails(r.Context(), r.PathValue("id"), includeArchived(r))
	if err != nil {
		s.fail(w, "get board", err)
		return
	}
	writeJSON(w, 200, v)
}

func (s *Server) handleBoardEvents(w http.ResponseWriter, r *http.Request) {
	id, err := s.client.Resolve(r.Context(), model.TableBoards, r.PathValue("id"))
	if err != nil {
		s.fail(w, "resolve board", err)
		return
	}
	if _, err := s.client.GetBoardWithDetails(r.Context(), id, true); err != nil {
		s.fail(w, "board events", err)
		return
	}
	s.bus.ServeSSE(w, r, id)
}

func (s *Server) handleArchiveBoard(w http.ResponseWriter, r *http.Request) {
	b, err := s.client.ArchiveBoard(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "archive board", err)
		return
	}
	writeJSON(w, 200, b)
}

func (s *Server) handleRestoreBoard(w http.ResponseWriter, r *http.Request) {
	b, err := s.client.RestoreBoard(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "restore board", err)
		return
	}
	writeJSON(w, 200, b)
}

func (s *Server) handleDeleteBoard(w http.ResponseWriter, r *http.Request) {
	if err := s.client.DeleteBoard(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, "delete board", err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) handleCreateList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title   string `json:"title"`
		AfterID string `json:"after_id"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, 400, "invalid payload")
		return
	}
	l, err := s.client.CreateList(r.Context(), r.PathValue("id"), req.Title, req.AfterID)
	if err != nil {
		s.fail(w, "create list", err)
		return
	}
	writeJSON(w, 201, l)
}

func (s *Server) handleUpdateList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title *string `json:"title"`
	}
	if err := readJSON(w, r, &req); err != nil || req.Title == nil {
		writeError(w, 400, "invalid payload")
		return
	}
	l, err := s.client.RenameList(r.Context(), r.PathValue("id"), *req.Title)
	if err != nil {
		s.fail(w, "update list", err)
		return
	}
	writeJSON(w, 200, l)
}

func (s *Server) handleMoveList(w http.ResponseWriter, r *http.Request) {
	var to board.MoveTarget
	if err := readJSON(w, r, &to); err != nil {
		writeError(w, 400, "invalid payload")
		return
	}
	l, err := s.client.MoveList(r.Context(), r.PathValue("id"), to)
	if err != nil {
		s.fail(w, "move list", err)
		return
	}
	writeJSON(w, 200, l)
}

func (s *Server) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	if err := s.client.DeleteList(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, "delete list", err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req board.CardInput
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, 400, "invalid payload")
		return
	}
	c, err := s.client.CreateCard(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.fail(w, "create card", err)
		return
	}
	writeJSON(w, 201, c)
}

func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	var patch board.CardPatch
	if err := readJSON(w, r, &patch); err != nil {
		writeError(w, 400, "invalid payload")
		return
	}
	c, err := s.client.UpdateCard(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.fail(w, "update card", err)
		return
	}
	writeJSON(w, 200, c)
}

func (s *Server) handleMoveCard(w http.ResponseWriter, r *http.Request) {
	var to board.MoveTarget
	if err := readJSON(w, r, &to); err != nil {
		writeError(w, 400, "invalid payload")
		return
	}
	c, err := s.client.MoveCard(r.Context(), r.PathValue("id"), to)
	if err != nil {
		s.fail(w, "move card", err)
		return
	}
	writeJSON(w, 200, c)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	if err := s.client.DeleteCard(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, "delete card", err)
		return
	}
	writeJSON(w, 200, map[string]any{"ok": true})
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	table := model.Table(r.PathValue("table"))
	switch table {
	case model.TableBoards, model.TableLists, model.TableCards:
	default:
		writeError(w, 400, "unknown table")
		return
	}
	id, err := s.client.Resolve(r.Context(), table, r.PathValue("id"))
	if err != nil {
		s.fail(w, "resolve", err)
		return
	}
	st, err := s.client.SyncState(r.Context(), table, id)
	if err != nil {
		s.fail(w, "sync state", err)
		return
	}
	writeJSON(w, 200, map[string]any{"table": table, "id": id, "state": st.String()})
}

func (s *Server) handleAdvisories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.advisories())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Table model.Table `json:"table"`
		ID    string      `json:"id"`
	}
	if err := readJSON(w, r, &req); err != nil || req.ID == "" {
		writeError(w, 400, "invalid payload")
		return
	}
	a := board.Advisory{Kind: board.AdvisoryWriteFailed, Table: req.Table, ID: req.ID}
	if err := s.client.Retry(r.Context(), a); err != nil {
		s.fail(w, "retry", err)
		return
	}
	writeJSON(w, 202, map[string]any{"ok": true})
}
