package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/partsdesk/consoleguard/internal/httputil"
	"github.com/partsdesk/consoleguard/internal/rules"
)

// maxPolicyBody caps create and update payloads.
const maxPolicyBody = 64 << 10

// PoliciesHandler serves policy CRUD under /api/policies. Every successful
// mutation recompiles the stored policies and hands the matcher to the
// reload callback.
type PoliciesHandler struct {
	repo     PolicyRepository
	onReload func(*rules.Matcher)
	mux      *http.ServeMux

	// reloadMu spans list through publish so a snapshot taken earlier is
	// never published after a later one.
	reloadMu sync.Mutex
}

// PoliciesOption configures optional PoliciesHandler behavior.
type PoliciesOption func(*PoliciesHandler)

// WithReload registers the callback that receives the recompiled matcher,
// typically guard.Guard.SetMatcher.
func WithReload(fn func(*rules.Matcher)) PoliciesOption {
	return func(h *PoliciesHandler) {
		h.onReload = fn
	}
}

// NewPoliciesHandler creates a policies REST API handler.
func NewPoliciesHandler(repo PolicyRepository, opts ...PoliciesOption) *PoliciesHandler {
	h := &PoliciesHandler{repo: repo, mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}

	collection := methodRoutes{
		http.MethodGet:  h.list,
		http.MethodPost: h.create,
	}
	h.mux.Handle("/api/policies", collection)
	h.mux.Handle("/api/policies/{$}", collection)
	h.mux.Handle("/api/policies/{id}", methodRoutes{
		http.MethodGet:    h.get,
		http.MethodPut:    h.update,
		http.MethodDelete: h.remove,
	})
	return h
}

// Reload recompiles the stored policies and publishes the matcher. On error
// the callback is not invoked, so the guard keeps its previous matcher.
func (h *PoliciesHandler) Reload(ctx context.Context) error {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()

	policies, err := h.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("api: list policies: %w", err)
	}

	matcher, err := BuildMatcher(policies)
	if err != nil {
		return fmt.Errorf("api: compile policies: %w", err)
	}

	if h.onReload != nil {
		h.onReload(matcher)
	}
	slog.Info("api: policies reloaded", "stored", len(policies), "active", matcher.Len())
	return nil
}

func (h *PoliciesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *PoliciesHandler) list(w http.ResponseWriter, r *http.Request) {
	policies, err := h.repo.List(r.Context())
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	writeData(w, http.StatusOK, policies)
}

func (h *PoliciesHandler) create(w http.ResponseWriter, r *http.Request) {
	p, ok := readPolicy(w, r)
	if !ok {
		return
	}
	created, err := h.repo.Create(r.Context(), p)
	if err != nil {
		h.fail(w, "create", err)
		return
	}
	h.reloadQuietly(r.Context())
	writeData(w, http.StatusCreated, created)
}

func (h *PoliciesHandler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, "get", err)
		return
	}
	writeData(w, http.StatusOK, p)
}

func (h *PoliciesHandler) update(w http.ResponseWriter, r *http.Request) {
	p, ok := readPolicy(w, r)
	if !ok {
		return
	}
	updated, err := h.repo.Update(r.Context(), r.PathValue("id"), p)
	if err != nil {
		h.fail(w, "update", err)
		return
	}
	h.reloadQuietly(r.Context())
	writeData(w, http.StatusOK, updated)
}

func (h *PoliciesHandler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, "delete", err)
		return
	}
	h.reloadQuietly(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// fail maps a repository error to 404 or a logged 500.
func (h *PoliciesHandler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		httputil.WriteError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	slog.Error("api: policy "+op+" failed", "error", err)
	httputil.WriteError(w, http.StatusInternalServerError, "failed to "+op+" policy")
}

// reloadQuietly logs a failed reload. The mutation is already committed and
// the guard keeps serving the previous policy set.
func (h *PoliciesHandler) reloadQuietly(ctx context.Context) {
	if err := h.Reload(ctx); err != nil {
		slog.Error("api: policy reload failed, keeping previous policies", "error", err)
	}
}

// readPolicy decodes and validates a PolicyRequest, answering 400 itself.
func readPolicy(w http.ResponseWriter, r *http.Request) (Policy, bool) {
	var req PolicyRequest
	if err := decodeStrict(http.MaxBytesReader(w, r.Body, maxPolicyBody), &req); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return Policy{}, false
	}
	p, err := req.Policy()
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return Policy{}, false
	}
	return p, true
}

// decodeStrict reads exactly one JSON object with no unknown fields.
func decodeStrict(body io.Reader, dst any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeData(w http.ResponseWriter, status int, data any) {
	httputil.WriteJSON(w, status, map[string]any{"data": data})
}

// methodRoutes dispatches on the request method and answers anything else
// with a JSON 405 listing the allowed methods.
type methodRoutes map[string]http.HandlerFunc

func (m methodRoutes) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if fn, ok := m[r.Method]; ok {
		fn(w, r)
		return
	}

	allowed := make([]string, 0, len(m))
	for method := range m {
		allowed = append(allowed, method)
	}
	slices.Sort(allowed)
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
}
