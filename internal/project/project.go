// Package project manages projects, their API keys, and per-project
// settings. Provider API keys in settings are encrypted at rest and only
// ever rendered masked.
package project

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/linnemanlabs/vigil/internal/auth"
	"github.com/linnemanlabs/vigil/internal/secrets"
	"github.com/linnemanlabs/vigil/internal/store"
	"github.com/linnemanlabs/vigil/internal/vigilerr"
)

// Settings defaults applied when a project has no settings row yet.
const (
	DefaultOpenAIModel      = "gpt-4o"
	DefaultAnthropicModel   = "claude-sonnet-4-5-20250929"
	DefaultDriftIntervalMin = 60

	minDriftIntervalMinutes = 5
	maxDriftIntervalMinutes = 1440
)

type (
	// SettingsUpdate carries a partial settings update. Nil fields are left
	// unchanged; provider keys are encrypted before storage.
	SettingsUpdate struct {
		OpenAIAPIKey              *string
		AnthropicAPIKey           *string
		DefaultOpenAIModel        *string
		DefaultAnthropicModel     *string
		DriftCheckIntervalMinutes *int
		DriftCheckEnabled         *bool
	}

	// SettingsView is the masked rendering of a settings row. Stored provider
	// keys are never returned, only a set flag and a short prefix.
	SettingsView struct {
		Settings        store.ProjectSettings
		OpenAIKeySet    bool
		OpenAIMasked    string
		AnthropicKeySet bool
		AnthropicMasked string
	}

	// Service implements project operations on top of a Store. The secrets
	// box is optional; settings writes carrying a provider key fail without
	// it.
	Service struct {
		store store.Store
		box   *secrets.Box
		now   func() time.Time
	}
)

// NewService builds a project service. box may be nil when no encryption key
// is configured.
func NewService(st store.Store, box *secrets.Box) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	return &Service{store: st, box: box, now: time.Now}, nil
}

// Create inserts a project together with its initial API key and returns
// both. The key secret is shown only in this response.
func (s *Service) Create(ctx context.Context, name, description string) (store.Project, store.APIKey, error) {
	if name == "" || len(name) > 256 {
		return store.Project{}, store.APIKey{}, vigilerr.Validation("name must be 1-256 characters")
	}
	if len(description) > 1024 {
		return store.Project{}, store.APIKey{}, vigilerr.Validation("description must be at most 1024 characters")
	}
	now := s.now().UTC()
	p := store.Project{ID: uuid.NewString(), Name: name, Description: description, CreatedAt: now}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return store.Project{}, store.APIKey{}, vigilerr.Internal("failed to create project", err)
	}
	secret, err := auth.NewAPIKeySecret()
	if err != nil {
		return store.Project{}, store.APIKey{}, vigilerr.Internal("failed to generate API key", err)
	}
	k := store.APIKey{ID: uuid.NewString(), ProjectID: p.ID, Key: secret, Name: "default", Active: true, CreatedAt: now}
	if err := s.store.CreateAPIKey(ctx, k); err != nil {
		return store.Project{}, store.APIKey{}, vigilerr.Internal("failed to create API key", err)
	}
	return p, k, nil
}

// Get returns a project by id.
func (s *Service) Get(ctx context.Context, id string) (store.Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Project{}, vigilerr.NotFound("project", id)
		}
		return store.Project{}, vigilerr.Internal("failed to load project", err)
	}
	return p, nil
}

// List returns all projects, newest first.
func (s *Service) List(ctx context.Context) ([]store.Project, error) {
	ps, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, vigilerr.Internal("failed to list projects", err)
	}
	return ps, nil
}

// RotateKey deactivates every key of the project and issues a fresh one. The
// old bearer strings stop authenticating immediately.
func (s *Service) RotateKey(ctx context.Context, projectID string) (store.APIKey, error) {
	if _, err := s.Get(ctx, projectID); err != nil {
		return store.APIKey{}, err
	}
	secret, err := auth.NewAPIKeySecret()
	if err != nil {
		return store.APIKey{}, vigilerr.Internal("failed to generate API key", err)
	}
	k := store.APIKey{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Key:       secret,
		Name:      "rotated",
		Active:    true,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.RotateAPIKey(ctx, projectID, k); err != nil {
		return store.APIKey{}, vigilerr.Internal("failed to rotate API key", err)
	}
	return k, nil
}

// GetSettings returns the project's settings, creating a defaults row on
// first access.
func (s *Service) GetSettings(ctx context.Context, projectID string) (SettingsView, error) {
	ps, err := s.getOrCreateSettings(ctx, projectID)
	if err != nil {
		return SettingsView{}, err
	}
	return s.view(ps), nil
}

func (s *Service) getOrCreateSettings(ctx context.Context, projectID string) (store.ProjectSettings, error) {
	ps, err := s.store.GetProjectSettings(ctx, projectID)
	if err == nil {
		return ps, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.ProjectSettings{}, vigilerr.Internal("failed to load settings", err)
	}
	now := s.now().UTC()
	ps = store.ProjectSettings{
		ID:                        uuid.NewString(),
		ProjectID:                 projectID,
		DefaultOpenAIModel:        DefaultOpenAIModel,
		DefaultAnthropicModel:     DefaultAnthropicModel,
		DriftCheckIntervalMinutes: DefaultDriftIntervalMin,
		CreatedAt:                 now,
		UpdatedAt:                 now,
	}
	if err := s.store.CreateProjectSettings(ctx, ps); err != nil {
		// Lost a create race; the winner's row is authoritative.
		if errors.Is(err, store.ErrConflict) {
			return s.store.GetProjectSettings(ctx, projectID)
		}
		return store.ProjectSettings{}, vigilerr.Internal("failed to create settings", err)
	}
	return ps, nil
}

// UpdateSettings applies a partial update. Provider keys are encrypted with
// the configured box; updates carrying a key fail when no encryption key is
// configured.
func (s *Service) UpdateSettings(ctx context.Context, projectID string, u SettingsUpdate) (SettingsView, error) {
	ps, err := s.getOrCreateSettings(ctx, projectID)
	if err != nil {
		return SettingsView{}, err
	}
	if u.OpenAIAPIKey != nil || u.AnthropicAPIKey != nil {
		if s.box == nil {
			return SettingsView{}, vigilerr.BadRequest("encryption key not configured, set VIGIL_ENCRYPTION_KEY")
		}
	}
	if u.OpenAIAPIKey != nil {
		enc, err := s.box.Encrypt(*u.OpenAIAPIKey)
		if err != nil {
			return SettingsView{}, vigilerr.Internal("failed to encrypt key", err)
		}
		ps.OpenAIKeyEncrypted = enc
	}
	if u.AnthropicAPIKey != nil {
		enc, err := s.box.Encrypt(*u.AnthropicAPIKey)
		if err != nil {
			return SettingsView{}, vigilerr.Internal("failed to encrypt key", err)
		}
		ps.AnthropicKeyEncrypted = enc
	}
	if u.DefaultOpenAIModel != nil {
		if len(*u.DefaultOpenAIModel) > 128 {
			return SettingsView{}, vigilerr.Validation("default_openai_model must be at most 128 characters")
		}
		ps.DefaultOpenAIModel = *u.DefaultOpenAIModel
	}
	if u.DefaultAnthropicModel != nil {
		if len(*u.DefaultAnthropicModel) > 128 {
			return SettingsView{}, vigilerr.Validation("default_anthropic_model must be at most 128 characters")
		}
		ps.DefaultAnthropicModel = *u.DefaultAnthropicModel
	}
	if u.DriftCheckIntervalMinutes != nil {
		v := *u.DriftCheckIntervalMinutes
		if v < minDriftIntervalMinutes || v > maxDriftIntervalMinutes {
			return SettingsView{}, vigilerr.Validation("drift_check_interval_minutes must be between %d and %d",
				minDriftIntervalMinutes, maxDriftIntervalMinutes)
		}
		ps.DriftCheckIntervalMinutes = v
	}
	if u.DriftCheckEnabled != nil {
		ps.DriftCheckEnabled = *u.DriftCheckEnabled
	}
	ps.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateProjectSettings(ctx, ps); err != nil {
		return SettingsView{}, vigilerr.Internal("failed to update settings", err)
	}
	return s.view(ps), nil
}

// ProviderKey decrypts the stored key for a provider. Empty when none is
// stored. Used by the replay engine.
func (s *Service) ProviderKey(ctx context.Context, projectID, provider string) (string, error) {
	ps, err := s.store.GetProjectSettings(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	var enc string
	switch provider {
	case "openai":
		enc = ps.OpenAIKeyEncrypted
	case "anthropic":
		enc = ps.AnthropicKeyEncrypted
	}
	if enc == "" {
		return "", nil
	}
	if s.box == nil {
		return "", errors.New("encryption key not configured")
	}
	return s.box.Decrypt(enc)
}

// view renders settings with provider keys masked. Masking needs the
// plaintext prefix, so decryption failures degrade to a bare set flag.
func (s *Service) view(ps store.ProjectSettings) SettingsView {
	v := SettingsView{Settings: ps}
	if ps.OpenAIKeyEncrypted != "" {
		v.OpenAIKeySet = true
		v.OpenAIMasked = s.mask(ps.OpenAIKeyEncrypted)
	}
	if ps.AnthropicKeyEncrypted != "" {
		v.AnthropicKeySet = true
		v.AnthropicMasked = s.mask(ps.AnthropicKeyEncrypted)
	}
	return v
}

func (s *Service) mask(encrypted string) string {
	if s.box == nil {
		return "****"
	}
	plain, err := s.box.Decrypt(encrypted)
	if err != nil {
		return "****"
	}
	return secrets.Mask(plain)
}
