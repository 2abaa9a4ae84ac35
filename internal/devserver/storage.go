package devserver

import (
	"database/sql"
	"errors"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"github.com/SiamRahamanDhrubo/connectlink"
)

const maxObjectSize = 10 << 20

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	p, ok := requireUser(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	data, err := io.ReadAll(io.LimitReader(r.Body, maxObjectSize+1))
	if err != nil {
		writeError(w, badRequest("failed to read object"))
		return
	}
	if len(data) > maxObjectSize {
		writeError(w, &connectlink.APIError{
			Status:  http.StatusRequestEntityTooLarge,
			Code:    "EntityTooLarge",
			Message: "object exceeds " + humanize.IBytes(maxObjectSize),
		})
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	upsert := r.Header.Get("x-upsert") == "true"

	s.writeMu.Lock()
	err = s.db.putBlob(r.Context(), vars["bucket"], vars["name"], contentType, data, upsert)
	s.writeMu.Unlock()
	if errors.Is(err, errDuplicate) {
		writeError(w, &connectlink.APIError{Status: http.StatusConflict, Code: "Duplicate", Message: "the resource already exists"})
		return
	}
	if err != nil {
		s.internalError(w, "put object", err)
		return
	}
	s.logger.Debug().
		Str("user", p.UserID).
		Str("object", vars["bucket"]+"/"+vars["name"]).
		Str("size", humanize.IBytes(uint64(len(data)))).
		Msg("stored object")
	writeJSON(w, http.StatusOK, map[string]string{"Key": vars["bucket"] + "/" + vars["name"]})
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	vars := mux.Vars(r)
	contentType, data, err := s.db.getBlob(r.Context(), vars["bucket"], vars["name"])
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, &connectlink.APIError{Status: http.StatusNotFound, Code: "not_found", Message: "object not found"})
		return
	}
	if err != nil {
		s.internalError(w, "get object", err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
