package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/guido-cesarano/ingestq/pkg/queue"
	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds request bodies; payloads are references, not content.
const maxBodyBytes = 1 << 20

type handler struct {
	reg      *queue.Registry
	validate *validator.Validate
	log      zerolog.Logger
}

func newHandler(reg *queue.Registry, log zerolog.Logger) *handler {
	return &handler{
		reg:      reg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type enqueueRequest struct {
	Type       tasks.Type     `json:"type" validate:"required"`
	Payload    map[string]any `json:"payload"`
	Priority   *int           `json:"priority,omitempty" validate:"omitempty,min=0,max=4"`
	MaxRetries *int           `json:"max_retries,omitempty" validate:"omitempty,min=0"`
}

type idResponse struct {
	ID string `json:"id"`
}

type completeRequest struct {
	Result map[string]any `json:"result"`
}

type failRequest struct {
	Error string `json:"error" validate:"required"`
	// Retry defaults to true; false dead-letters immediately.
	Retry *bool `json:"retry,omitempty"`
}

type claimRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

type batchRequest struct {
	BatchID string            `json:"batch_id,omitempty"`
	Items   []queue.BatchItem `json:"items" validate:"required,min=1,dive"`
}

type batchResponse struct {
	BatchID string   `json:"batch_id"`
	TaskIDs []string `json:"task_ids"`
}

type claimDeadLettersRequest struct {
	Limit int `json:"limit" validate:"required,min=1,max=1000"`
}

type replayRequest struct {
	Priority   *int `json:"priority,omitempty" validate:"omitempty,min=0,max=4"`
	MaxRetries *int `json:"max_retries,omitempty" validate:"omitempty,min=0"`
}

// Enqueue handles POST /tasks.
func (h *handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !h.decode(w, r, &req) {
		return
	}
	var opts []queue.EnqueueOption
	if req.Priority != nil {
		opts = append(opts, queue.WithPriority(tasks.Priority(*req.Priority)))
	}
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}

	id, err := h.reg.Enqueue(r.Context(), req.Type, req.Payload, opts...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

// ListTasks handles GET /tasks.
func (h *handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := tasks.Filter{BatchID: q.Get("batch_id")}
	if s := q.Get("status"); s != "" {
		st, err := tasks.ParseStatus(s)
		if err != nil {
			h.writeError(w, err)
			return
		}
		f.Status = st
	}
	var err error
	if f.Limit, f.Offset, err = paging(r); err != nil {
		h.writeError(w, err)
		return
	}

	ts, err := h.reg.ListTasks(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if ts == nil {
		ts = []*tasks.Task{}
	}
	writeJSON(w, http.StatusOK, ts)
}

// GetTask handles GET /tasks/{id}.
func (h *handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.reg.GetTaskStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Complete handles POST /tasks/{id}/complete. An empty body is allowed.
func (h *handler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	t, err := h.reg.Complete(r.Context(), chi.URLParam(r, "id"), req.Result)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Fail handles POST /tasks/{id}/fail.
func (h *handler) Fail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if !h.decode(w, r, &req) {
		return
	}
	retry := req.Retry == nil || *req.Retry

	out, err := h.reg.Fail(r.Context(), chi.URLParam(r, "id"), req.Error, retry)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Claim handles POST /claims. No eligible task is 204, not an error.
func (h *handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.reg.Claim(r.Context(), req.WorkerID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// EnqueueBatch handles POST /batches.
func (h *handler) EnqueueBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	batchID, ids, err := h.reg.EnqueueBatch(r.Context(), req.BatchID, req.Items)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batchResponse{BatchID: batchID, TaskIDs: ids})
}

// GetBatch handles GET /batches/{id}.
func (h *handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	bs, err := h.reg.GetBatchStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		tasks.BatchStatus
		Done bool `json:"done"`
	}{bs, bs.Done()})
}

// Stats handles GET /stats.
func (h *handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.reg.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Health handles GET /healthz. It fails only when the durable store is down.
func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	backends := h.reg.Health(r.Context())
	status := http.StatusOK
	if len(backends) > 0 && !backends[0].Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"backends": backends})
}

// ListDeadLetters handles GET /dlq.
func (h *handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	var f tasks.DeadLetterFilter
	if s := r.URL.Query().Get("status"); s != "" {
		st, err := tasks.ParseDeadLetterStatus(s)
		if err != nil {
			h.writeError(w, err)
			return
		}
		f.Status = st
	}
	var err error
	if f.Limit, f.Offset, err = paging(r); err != nil {
		h.writeError(w, err)
		return
	}

	dls, err := h.reg.ListDeadLetters(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if dls == nil {
		dls = []*tasks.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dls)
}

// ClaimDeadLetters handles POST /dlq/claim.
func (h *handler) ClaimDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req claimDeadLettersRequest
	if !h.decode(w, r, &req) {
		return
	}
	dls, err := h.reg.ClaimDeadLetters(r.Context(), req.Limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if dls == nil {
		dls = []*tasks.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dls)
}

// ReplayDeadLetter handles POST /dlq/{id}/replay.
func (h *handler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	var opts []queue.EnqueueOption
	if req.Priority != nil {
		opts = append(opts, queue.WithPriority(tasks.Priority(*req.Priority)))
	}
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}

	id, err := h.reg.ReplayDeadLetter(r.Context(), chi.URLParam(r, "id"), opts...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

// ResolveDeadLetter handles POST /dlq/{id}/resolve.
func (h *handler) ResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	dl, err := h.reg.ResolveDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

// ReleaseDeadLetter handles POST /dlq/{id}/release.
func (h *handler) ReleaseDeadLetter(w http.ResponseWriter, r *http.Request) {
	dl, err := h.reg.ReleaseDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationMessage(err)})
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func paging(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = 100
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 1 || limit > 1000 {
			return 0, 0, fmt.Errorf("%w: limit must be between 1 and 1000", tasks.ErrInvalidTask)
		}
	}
	if s := q.Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("%w: offset must not be negative", tasks.ErrInvalidTask)
		}
	}
	return limit, offset, nil
}

// statusFor maps queue errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tasks.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrTaskNotFound), errors.Is(err, tasks.ErrDeadLetterNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, tasks.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
