package server

import (
	"net/http"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/service"
)

// invoiceRequest selects the invoice item for answers. Draft is the rule being
// edited and only applies while the course has no stored rules.
type invoiceRequest struct {
	Answers  core.Answers      `json:"answers"`
	Draft    *core.InvoiceRule `json:"draft,omitempty"`
	Quantity int               `json:"quantity,omitempty"`
}

func (s *HTTPServer) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var input service.CourseInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateCourse(r.Context(), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := s.service.ListCourses(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, courses)
}

func (s *HTTPServer) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	snapshot, err := s.service.GetCourse(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleUpdateCourse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var input service.CourseInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateCourse(r.Context(), id, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteCourse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteCourse(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListItems(w http.ResponseWriter, r *http.Request) {
	courseID, ok := pathID(w, r)
	if !ok {
		return
	}

	items, err := s.service.ListItems(r.Context(), courseID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, items)
}

func (s *HTTPServer) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	courseID, ok := pathID(w, r)
	if !ok {
		return
	}

	var input service.ItemInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateItem(r.Context(), courseID, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var input service.ItemInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateItem(r.Context(), id, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteItem(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListInvoiceRules(w http.ResponseWriter, r *http.Request) {
	courseID, ok := pathID(w, r)
	if !ok {
		return
	}

	rules, err := s.service.ListInvoiceRules(r.Context(), courseID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rules)
}

func (s *HTTPServer) handleCreateInvoiceRule(w http.ResponseWriter, r *http.Request) {
	courseID, ok := pathID(w, r)
	if !ok {
		return
	}

	var input service.InvoiceRuleInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateInvoiceRule(r.Context(), courseID, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleUpdateInvoiceRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var input service.InvoiceRuleInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateInvoiceRule(r.Context(), id, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteInvoiceRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteInvoiceRule(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSelectInvoice(w http.ResponseWriter, r *http.Request) {
	courseID, ok := pathID(w, r)
	if !ok {
		return
	}

	var request invoiceRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if request.Quantity < 0 {
		writeJSONError(w, http.StatusBadRequest, "quantity must be >= 0")
		return
	}

	selection, err := s.service.SelectInvoice(r.Context(), courseID, request.Answers, request.Draft, request.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, selection)
}
