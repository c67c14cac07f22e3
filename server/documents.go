package server

import (
	"net/http"
	"sort"

	"github.com/teranos/batchpub/document"
	"github.com/teranos/batchpub/errors"
	"github.com/teranos/batchpub/logger"
)

// documentResponse is the REST shape of one document.
type documentResponse struct {
	ID     document.ID     `json:"_id"`
	Fields document.Fields `json:"fields"`
}

// documentTarget extracts and validates the collection and id path values.
func (s *Server) documentTarget(w http.ResponseWriter, r *http.Request) (string, document.ID, bool) {
	if s.opts.Store == nil {
		writeErr(w, errors.Wrap(errors.ErrClosed, "no document store configured"))
		return "", document.ID{}, false
	}
	collection := r.PathValue("collection")
	id, err := document.ParseID(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return "", document.ID{}, false
	}
	return collection, id, true
}

// HandleGetDocument returns one stored document.
func (s *Server) HandleGetDocument(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := s.documentTarget(w, r)
	if !ok {
		return
	}
	fields, err := s.opts.Store.Get(r.Context(), collection, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, documentResponse{ID: id, Fields: fields})
}

// HandlePutDocument replaces or creates a document with the request body.
func (s *Server) HandlePutDocument(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := s.documentTarget(w, r)
	if !ok {
		return
	}
	var fields document.Fields
	if err := readJSON(w, r, &fields); err != nil {
		return
	}
	delete(fields, "_id")
	if err := s.opts.Store.Upsert(r.Context(), collection, id, fields); err != nil {
		s.logWriteFailure(r, collection, id, err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, documentResponse{ID: id, Fields: fields})
}

// HandlePatchDocument applies a JSON merge patch: null values unset fields,
// everything else is set.
func (s *Server) HandlePatchDocument(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := s.documentTarget(w, r)
	if !ok {
		return
	}
	var patch map[string]any
	if err := readJSON(w, r, &patch); err != nil {
		return
	}
	set, unset := splitPatch(patch)
	if err := s.opts.Store.Update(r.Context(), collection, id, set, unset); err != nil {
		s.logWriteFailure(r, collection, id, err)
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteDocument removes a document.
func (s *Server) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	collection, id, ok := s.documentTarget(w, r)
	if !ok {
		return
	}
	if err := s.opts.Store.Remove(r.Context(), collection, id); err != nil {
		s.logWriteFailure(r, collection, id, err)
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) logWriteFailure(r *http.Request, collection string, id document.ID, err error) {
	if statusFor(err) < http.StatusInternalServerError {
		return
	}
	s.log.Errorw("Document write failed",
		logger.FieldMethod, r.Method,
		logger.FieldCollection, collection,
		logger.FieldDocID, id.String(),
		logger.FieldError, err.Error())
}

// splitPatch separates a merge patch into fields to set and sorted fields
// to unset. The id is never patched.
func splitPatch(patch map[string]any) (document.Fields, []string) {
	set := document.Fields{}
	var unset []string
	for k, v := range patch {
		if k == "_id" {
			continue
		}
		if v == nil {
			unset = append(unset, k)
			continue
		}
		set[k] = v
	}
	sort.Strings(unset)
	return set, unset
}
