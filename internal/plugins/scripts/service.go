package scripts

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/keyxmakerx/gatekeeper/internal/apperror"
)

// namePattern restricts script names to URL-safe slugs.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ScriptService handles business logic for the script catalog. Capability
// checks happen before these methods are reached.
type ScriptService interface {
	List(ctx context.Context) ([]Script, error)
	Get(ctx context.Context, name string) (*Script, error)
	Save(ctx context.Context, name, source, userID string) (*Script, error)
	Delete(ctx context.Context, name, userID string) error
}

// scriptService implements ScriptService.
type scriptService struct {
	repo ScriptRepository
	now  func() time.Time
}

// NewScriptService creates a new script service.
func NewScriptService(repo ScriptRepository) ScriptService {
	return &scriptService{repo: repo, now: time.Now}
}

// List returns every script, sorted by name.
func (s *scriptService) List(ctx context.Context) ([]Script, error) {
	list, err := s.repo.List(ctx)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("listing scripts: %w", err))
	}
	return list, nil
}

// Get returns one script.
func (s *scriptService) Get(ctx context.Context, name string) (*Script, error) {
	if !namePattern.MatchString(name) {
		return nil, apperror.NewNotFound("script not found")
	}
	sc, err := s.repo.Get(ctx, name)
	if err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("loading script: %w", err))
	}
	if sc == nil {
		return nil, apperror.NewNotFound("script not found")
	}
	return sc, nil
}

// Save creates or replaces a script.
func (s *scriptService) Save(ctx context.Context, name, source, userID string) (*Script, error) {
	if !namePattern.MatchString(name) {
		return nil, apperror.NewValidation("script names use lowercase letters, digits, '-' and '_' (max 64)")
	}
	if len(source) > maxSourceBytes {
		return nil, apperror.NewValidation("script is too large")
	}

	sc := &Script{Name: name, Source: source, UpdatedBy: userID, UpdatedAt: s.now().UTC()}
	if err := s.repo.Put(ctx, sc); err != nil {
		return nil, apperror.NewInternal(fmt.Errorf("saving script: %w", err))
	}
	slog.Info("script saved", slog.String("script", name), slog.String("user_id", userID))
	return sc, nil
}

// Delete removes a script.
func (s *scriptService) Delete(ctx context.Context, name, userID string) error {
	ok, err := s.repo.Delete(ctx, name)
	if err != nil {
		return apperror.NewInternal(fmt.Errorf("deleting script: %w", err))
	}
	if !ok {
		return apperror.NewNotFound("script not found")
	}
	slog.Info("script deleted", slog.String("script", name), slog.String("user_id", userID))
	return nil
}
