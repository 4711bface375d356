package server

import (
	"net/http"

	"github.com/matt-riley/formz/internal/core"
	"github.com/matt-riley/formz/internal/service"
)

type questionOrderRequest struct {
	QuestionIDs []string `json:"questionIds"`
}

type questionOrderResponse struct {
	QuestionIDs []string `json:"questionIds"`
}

type moveQuestionRequest struct {
	Direction core.Direction `json:"direction"`
}

type visibilityRequest struct {
	Answers  core.Answers `json:"answers"`
	Previous []string     `json:"previous,omitempty"`
}

type submitRequest struct {
	Answers core.Answers `json:"answers"`
}

func (s *HTTPServer) handleCreateForm(w http.ResponseWriter, r *http.Request) {
	var input service.FormInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateForm(r.Context(), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleListForms(w http.ResponseWriter, r *http.Request) {
	forms, err := s.service.ListForms(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, forms)
}

func (s *HTTPServer) handleGetForm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	snapshot, err := s.service.GetForm(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleUpdateForm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var input service.FormInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateForm(r.Context(), id, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteForm(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteForm(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	formID, ok := pathID(w, r)
	if !ok {
		return
	}

	questions, err := s.service.ListQuestions(r.Context(), formID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, questions)
}

func (s *HTTPServer) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	formID, ok := pathID(w, r)
	if !ok {
		return
	}

	var input service.QuestionInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateQuestion(r.Context(), formID, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var input service.QuestionInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateQuestion(r.Context(), id, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteQuestion(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleReorderQuestions(w http.ResponseWriter, r *http.Request) {
	formID, ok := pathID(w, r)
	if !ok {
		return
	}

	var request questionOrderRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if len(request.QuestionIDs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "questionIds is required")
		return
	}

	order, err := s.service.ReorderQuestions(r.Context(), formID, request.QuestionIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, questionOrderResponse{QuestionIDs: order})
}

func (s *HTTPServer) handleMoveQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var request moveQuestionRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if request.Direction != core.DirectionUp && request.Direction != core.DirectionDown {
		writeJSONError(w, http.StatusBadRequest, "direction must be up or down")
		return
	}

	order, err := s.service.MoveQuestion(r.Context(), id, request.Direction)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, questionOrderResponse{QuestionIDs: order})
}

func (s *HTTPServer) handleListRules(w http.ResponseWriter, r *http.Request) {
	questionID, ok := pathID(w, r)
	if !ok {
		return
	}

	rules, err := s.service.ListRules(r.Context(), questionID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rules)
}

func (s *HTTPServer) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	questionID, ok := pathID(w, r)
	if !ok {
		return
	}

	var input service.RuleInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateRule(r.Context(), questionID, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var input service.RuleInput
	if err := s.decodeJSONBody(w, r, &input); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	updated, err := s.service.UpdateRule(r.Context(), id, input)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteRule(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handlePreviewVisibility(w http.ResponseWriter, r *http.Request) {
	formID, ok := pathID(w, r)
	if !ok {
		return
	}

	var request visibilityRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	preview, err := s.service.PreviewVisibility(r.Context(), formID, request.Answers, request.Previous)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, preview)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	formID, ok := pathID(w, r)
	if !ok {
		return
	}

	var request submitRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	submission, err := s.service.Submit(r.Context(), formID, request.Answers)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	requestLogger(r).InfoContext(r.Context(), "submission stored",
		"form_id", formID,
		"submission_id", submission.ID,
	)
	writeJSON(w, http.StatusCreated, submission)
}

func (s *HTTPServer) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	formID, ok := pathID(w, r)
	if !ok {
		return
	}

	limit, offset, err := parsePage(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	submissions, err := s.service.ListSubmissions(r.Context(), formID, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, submissions)
}
