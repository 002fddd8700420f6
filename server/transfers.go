package server

import (
	"net/http"

	"github.com/teranos/fetchq/logger"
	"github.com/teranos/fetchq/pulse/async"
	"github.com/teranos/fetchq/pulse/fetch"
)

const (
	// Default and max limits for transfer listing queries
	defaultTransferLimit = 100
	maxTransferLimit     = 1000
)

// SubmitRequest is the body of POST /api/transfers
type SubmitRequest struct {
	URI              string           `json:"uri"`
	Destination      string           `json:"destination"`
	AllowedNetworks  fetch.NetworkSet `json:"allowed_networks,omitempty"`
	NotifyOnComplete bool             `json:"notify_on_complete,omitempty"`
	DestinationDir   string           `json:"destination_dir,omitempty"`
	Title            string           `json:"title,omitempty"`
	Description      string           `json:"description,omitempty"`
}

// SubmitResponse is returned for an accepted submission
type SubmitResponse struct {
	ID async.JobID `json:"id"`
}

// TransferResponse is the API view of one transfer
type TransferResponse struct {
	async.Record
	Percentage float64 `json:"percentage"` // -1 when the total is unknown
	StatusText string  `json:"status_text"`
}

// ListResponse is returned by GET /api/transfers
type ListResponse struct {
	Transfers []TransferResponse `json:"transfers"`
	Count     int                `json:"count"`
}

func newTransferResponse(rec async.Record) TransferResponse {
	return TransferResponse{
		Record:     rec,
		Percentage: rec.Percentage(),
		StatusText: async.StatusText(rec.JobState),
	}
}

// HandleTransfers handles requests to /api/transfers
// GET: list transfers, optionally filtered by ?status=
// POST: submit a transfer
func (s *Server) HandleTransfers(w http.ResponseWriter, r *http.Request) {
	if !requireMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodPost {
		s.handleSubmit(w, r)
		return
	}
	s.handleList(w, r)
}

// HandleTransfer handles requests to /api/transfers/{id}
// GET: transfer details
// DELETE: purge a terminal transfer
// POST /api/transfers/{id}/cancel: cancel
func (s *Server) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	pathParts := extractPathParts(r.URL.Path, "/api/transfers/")
	if len(pathParts) == 0 || pathParts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing transfer ID")
		return
	}
	id, err := parseJobID(pathParts[0])
	if err != nil {
		handleError(w, s.logger, err, "Invalid transfer ID")
		return
	}

	if len(pathParts) == 2 && pathParts[1] == "cancel" {
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.handleCancel(w, id)
		return
	}
	if len(pathParts) > 1 {
		writeError(w, http.StatusNotFound, "Unknown transfer resource")
		return
	}

	if !requireMethods(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	if r.Method == http.MethodDelete {
		s.handlePurge(w, id)
		return
	}
	s.handleGet(w, id)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	id, err := s.coord.Submit(r.Context(), req.URI, req.Destination, async.Options{
		AllowedNetworks:  req.AllowedNetworks,
		NotifyOnComplete: req.NotifyOnComplete,
		DestinationDir:   req.DestinationDir,
		Title:            req.Title,
		Description:      req.Description,
	})
	if err != nil {
		handleError(w, s.logger, err, "Failed to submit transfer")
		return
	}

	s.logger.Infow("Transfer submitted via API",
		logger.FieldJobID, int64(id),
		logger.FieldURI, req.URI,
		"remote", r.RemoteAddr,
	)
	_ = writeJSON(w, http.StatusCreated, SubmitResponse{ID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var filter *async.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := async.ParseStatus(raw)
		if err != nil {
			handleError(w, s.logger, err, "Invalid status filter")
			return
		}
		filter = &status
	}
	limit := parseIntQueryParam(r, "limit", defaultTransferLimit, 1, maxTransferLimit)

	records := s.coord.List()
	out := make([]TransferResponse, 0, len(records))
	for _, rec := range records {
		if filter != nil && rec.Status != *filter {
			continue
		}
		out = append(out, newTransferResponse(rec))
		if len(out) == limit {
			break
		}
	}

	_ = writeJSON(w, http.StatusOK, ListResponse{Transfers: out, Count: len(out)})
}

func (s *Server) handleGet(w http.ResponseWriter, id async.JobID) {
	rec, err := s.coord.Get(id)
	if err != nil {
		handleError(w, s.logger, err, "Failed to get transfer")
		return
	}
	_ = writeJSON(w, http.StatusOK, newTransferResponse(rec))
}

func (s *Server) handleCancel(w http.ResponseWriter, id async.JobID) {
	if err := s.coord.Cancel(id); err != nil {
		handleError(w, s.logger, err, "Failed to cancel transfer")
		return
	}
	s.handleGet(w, id)
}

func (s *Server) handlePurge(w http.ResponseWriter, id async.JobID) {
	if err := s.coord.Purge(id); err != nil {
		handleError(w, s.logger, err, "Failed to purge transfer")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
