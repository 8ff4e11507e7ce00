package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"leaderboard-engine/internal/model"
)

// Scope validation errors.
var (
	ErrInvalidScopeID   = fmt.Errorf("%w: scope id must be 1-64 lowercase letters, digits, '-' or '_'", model.ErrValidation)
	ErrInvalidScopeName = fmt.Errorf("%w: scope name is required", model.ErrValidation)
	ErrInvalidPolicy    = fmt.Errorf("%w: unknown policy", model.ErrValidation)
	ErrInvalidTieBreak  = fmt.Errorf("%w: unknown tie-break", model.ErrValidation)
)

var scopeIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// CreateScopeRequest describes a new scope. Policy defaults to sum and
// TieBreak to earliest.
type CreateScopeRequest struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Category      string         `json:"category"`
	Policy        model.Policy   `json:"policy"`
	TieBreak      model.TieBreak `json:"tie_break"`
	AllowNegative bool           `json:"allow_negative"`
}

// ScopeService manages the scope registry.
type ScopeService struct {
	scopes  ScopeStore
	trigger Trigger
	ranker  *Ranker
}

// NewScopeService creates a new ScopeService. Activation changes are pushed
// to trigger so the affected leaderboard is rebuilt or emptied.
func NewScopeService(scopes ScopeStore, trigger Trigger, ranker *Ranker) *ScopeService {
	return &ScopeService{
		scopes:  scopes,
		trigger: trigger,
		ranker:  ranker,
	}
}

// Create validates and registers a scope. New scopes are active.
func (s *ScopeService) Create(ctx context.Context, req CreateScopeRequest) (*model.Scope, error) {
	id := strings.TrimSpace(req.ID)
	if !scopeIDPattern.MatchString(id) {
		return nil, ErrInvalidScopeID
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, ErrInvalidScopeName
	}

	policy := req.Policy
	if policy == "" {
		policy = model.PolicySum
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidPolicy, policy)
	}

	tieBreak := req.TieBreak
	if tieBreak == "" {
		tieBreak = model.TieBreakEarliest
	}
	if !tieBreak.Valid() {
		return nil, fmt.Errorf("%w %q", ErrInvalidTieBreak, tieBreak)
	}

	scope, err := s.scopes.Create(ctx, &model.Scope{
		ID:            id,
		Name:          name,
		Description:   req.Description,
		Category:      req.Category,
		Policy:        policy,
		TieBreak:      tieBreak,
		AllowNegative: req.AllowNegative,
		Active:        true,
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("scope", scope.ID).Str("policy", string(scope.Policy)).Msg("Scope created")
	return scope, nil
}

// Get returns one scope.
func (s *ScopeService) Get(ctx context.Context, id string) (*model.Scope, error) {
	return s.scopes.Get(ctx, id)
}

// List returns all scopes, or only active ones.
func (s *ScopeService) List(ctx context.Context, activeOnly bool) ([]*model.Scope, error) {
	scopes, err := s.scopes.List(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	if scopes == nil {
		scopes = []*model.Scope{}
	}
	return scopes, nil
}

// SetActive activates or deactivates a scope and schedules its reorder.
func (s *ScopeService) SetActive(ctx context.Context, id string, active bool) (*model.Scope, error) {
	scope, err := s.scopes.SetActive(ctx, id, active)
	if err != nil {
		return nil, err
	}
	s.trigger.Trigger(id)

	log.Info().Str("scope", id).Bool("active", active).Msg("Scope activation changed")
	return scope, nil
}

// Delete removes a scope together with its events, aggregates and leaderboard.
func (s *ScopeService) Delete(ctx context.Context, id string) error {
	if err := s.scopes.Delete(ctx, id); err != nil {
		return err
	}
	if s.ranker != nil {
		s.ranker.Forget(id)
	}

	log.Info().Str("scope", id).Msg("Scope deleted")
	return nil
}
