package api

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/partsdesk/consoleguard/internal/limiter"
	"github.com/partsdesk/consoleguard/internal/rules"
)

// ErrNotFound is returned by a PolicyRepository for an unknown id.
var ErrNotFound = errors.New("policy not found")

// Policy is a stored rate limit policy as the management API shows it.
// Scope always holds the sanitized key the guard counts under.
type Policy struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Scope         string    `json:"scope"`
	Pattern       string    `json:"pattern"`
	Methods       []string  `json:"methods,omitempty"`
	Priority      int       `json:"priority"`
	Limit         int64     `json:"limit"`
	WindowSeconds int64     `json:"window_seconds"`
	IdentifyBy    string    `json:"identify_by"`
	HeaderName    string    `json:"header_name,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Rule converts the policy into a matcher rule.
func (p Policy) Rule() rules.Rule {
	return rules.Rule{
		Name:       p.Name,
		Scope:      p.Scope,
		Pattern:    p.Pattern,
		Methods:    p.Methods,
		Priority:   p.Priority,
		Limit:      p.Limit,
		Window:     time.Duration(p.WindowSeconds) * time.Second,
		IdentifyBy: rules.IdentifyBy(p.IdentifyBy),
		HeaderName: p.HeaderName,
	}
}

func (p Policy) clone() Policy {
	p.Methods = slices.Clone(p.Methods)
	return p
}

// PolicyRequest is the body of POST /api/policies and PUT /api/policies/{id}.
// Omitted scope derives "api:<name>:<identify_by>"; omitted identify_by is ip;
// omitted enabled is true.
type PolicyRequest struct {
	Name          string   `json:"name"`
	Scope         string   `json:"scope,omitempty"`
	Pattern       string   `json:"pattern"`
	Methods       []string `json:"methods,omitempty"`
	Priority      int      `json:"priority"`
	Limit         int64    `json:"limit"`
	WindowSeconds int64    `json:"window_seconds"`
	IdentifyBy    string   `json:"identify_by,omitempty"`
	HeaderName    string   `json:"header_name,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
}

// Policy validates the request and returns the normalized policy it
// describes. Errors are meant for the client.
func (req PolicyRequest) Policy() (Policy, error) {
	p := Policy{
		Name:          strings.TrimSpace(req.Name),
		Pattern:       strings.TrimSpace(req.Pattern),
		Priority:      req.Priority,
		Limit:         req.Limit,
		WindowSeconds: req.WindowSeconds,
		IdentifyBy:    strings.ToLower(strings.TrimSpace(req.IdentifyBy)),
		Enabled:       req.Enabled == nil || *req.Enabled,
	}
	if p.IdentifyBy == "" {
		p.IdentifyBy = string(rules.IdentifyByIP)
	}
	if rules.IdentifyBy(p.IdentifyBy) == rules.IdentifyByHeader {
		p.HeaderName = strings.TrimSpace(req.HeaderName)
	}

	switch {
	case p.Name == "":
		return Policy{}, errors.New("name is required")
	case p.Pattern == "":
		return Policy{}, errors.New("pattern is required")
	case p.Limit <= 0:
		return Policy{}, errors.New("limit must be greater than 0")
	case p.WindowSeconds <= 0:
		return Policy{}, errors.New("window_seconds must be greater than 0")
	case p.WindowSeconds > limiter.MaxWindowSeconds:
		return Policy{}, fmt.Errorf("window_seconds must be at most %d", limiter.MaxWindowSeconds)
	case !rules.IdentifyBy(p.IdentifyBy).Valid():
		return Policy{}, errors.New("identify_by must be one of: ip, user, header")
	case rules.IdentifyBy(p.IdentifyBy) == rules.IdentifyByHeader && p.HeaderName == "":
		return Policy{}, errors.New("header_name is required when identify_by=header")
	}

	methods, err := normalizeMethods(req.Methods)
	if err != nil {
		return Policy{}, err
	}
	p.Methods = methods

	r := p.Rule()
	r.Scope = req.Scope
	p.Scope = limiter.Sanitize(r.ScopeKey())

	if err := p.Rule().Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

var httpMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
	http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace,
}

// normalizeMethods upper-cases and de-duplicates methods, keeping first
// occurrence order.
func normalizeMethods(in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		m := strings.ToUpper(strings.TrimSpace(raw))
		switch {
		case m == "":
			return nil, errors.New("methods cannot contain empty values")
		case !slices.Contains(httpMethods, m):
			return nil, fmt.Errorf("invalid HTTP method %q", m)
		case !slices.Contains(out, m):
			out = append(out, m)
		}
	}
	return out, nil
}

// BuildMatcher compiles the enabled policies into a matcher.
func BuildMatcher(policies []Policy) (*rules.Matcher, error) {
	var enabled []rules.Rule
	for _, p := range policies {
		if p.Enabled {
			enabled = append(enabled, p.Rule())
		}
	}
	return rules.New(enabled)
}

// PolicyRepository stores policies for the management API.
type PolicyRepository interface {
	Create(ctx context.Context, policy Policy) (Policy, error)
	List(ctx context.Context) ([]Policy, error)
	GetByID(ctx context.Context, id string) (Policy, error)
	Update(ctx context.Context, id string, policy Policy) (Policy, error)
	Delete(ctx context.Context, id string) error
}

// InMemoryRepository keeps policies in process memory. The gateway uses it
// when no DATABASE_URL is configured.
type InMemoryRepository struct {
	mu       sync.RWMutex
	policies map[string]Policy
	now      func() time.Time
}

// NewInMemoryRepository returns an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		policies: make(map[string]Policy),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *InMemoryRepository) Create(_ context.Context, p Policy) (Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.ID = uuid.NewString()
	p.CreatedAt = r.now()
	p.UpdatedAt = p.CreatedAt
	r.policies[p.ID] = p.clone()
	return p.clone(), nil
}

// List returns policies oldest first, ties broken by id.
func (r *InMemoryRepository) List(_ context.Context) ([]Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Policy, 0, len(r.policies))
	for p := range maps.Values(r.policies) {
		out = append(out, p.clone())
	}
	slices.SortFunc(out, func(a, b Policy) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (r *InMemoryRepository) GetByID(_ context.Context, id string) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[id]
	if !ok {
		return Policy{}, ErrNotFound
	}
	return p.clone(), nil
}

// Update replaces the policy with id, keeping its creation time.
func (r *InMemoryRepository) Update(_ context.Context, id string, p Policy) (Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.policies[id]
	if !ok {
		return Policy{}, ErrNotFound
	}
	p.ID = id
	p.CreatedAt = prev.CreatedAt
	p.UpdatedAt = r.now()
	r.policies[id] = p.clone()
	return p.clone(), nil
}

func (r *InMemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.policies[id]; !ok {
		return ErrNotFound
	}
	delete(r.policies, id)
	return nil
}
