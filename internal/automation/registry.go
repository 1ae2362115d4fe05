package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Logger defines the logging interface used by the registries and engines.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SceneRegistry provides scene management with caching and thread safety.
// It wraps a SceneRepository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations.
//
// All public methods are thread-safe.
type SceneRegistry struct {
	repo    SceneRepository
	cache   map[string]*Scene // Cached scenes by ID
	cacheMu sync.RWMutex      // Protects cache
	logger  Logger
}

// NewSceneRegistry creates a new scene registry.
func NewSceneRegistry(repo SceneRepository) *SceneRegistry {
	return &SceneRegistry{
		repo:   repo,
		cache:  make(map[string]*Scene),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *SceneRegistry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// RefreshCache reloads all scenes from the repository into the cache.
func (r *SceneRegistry) RefreshCache(ctx context.Context) error {
	scenes, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading scenes: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Scene, len(scenes))
	for i := range scenes {
		r.cache[scenes[i].ID] = scenes[i].DeepCopy()
	}

	r.logger.Info("scene cache refreshed", "count", len(scenes))
	return nil
}

// GetScene retrieves a scene by ID.
// The returned scene is a deep copy; callers can safely modify it.
func (r *SceneRegistry) GetScene(_ context.Context, id string) (*Scene, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}
	return nil, ErrSceneNotFound
}

// GetTenantScene retrieves a scene owned by tenantID. A scene of another
// tenant is reported as not found.
func (r *SceneRegistry) GetTenantScene(ctx context.Context, tenantID, id string) (*Scene, error) {
	s, err := r.GetScene(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.TenantID != tenantID {
		return nil, ErrSceneNotFound
	}
	return s, nil
}

// ListScenes returns every cached scene sorted by tenant then name.
func (r *SceneRegistry) ListScenes(_ context.Context) ([]Scene, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	scenes := make([]Scene, 0, len(r.cache))
	for _, s := range r.cache {
		scenes = append(scenes, *s.DeepCopy())
	}
	sortScenes(scenes)
	return scenes, nil
}

// ListByTenant returns the scenes of one tenant sorted by name.
func (r *SceneRegistry) ListByTenant(_ context.Context, tenantID string) ([]Scene, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	scenes := make([]Scene, 0)
	for _, s := range r.cache {
		if s.TenantID == tenantID {
			scenes = append(scenes, *s.DeepCopy())
		}
	}
	sortScenes(scenes)
	return scenes, nil
}

// sortScenes matches the repository's ORDER BY tenant_id, name.
func sortScenes(scenes []Scene) {
	sort.Slice(scenes, func(i, j int) bool {
		if scenes[i].TenantID != scenes[j].TenantID {
			return scenes[i].TenantID < scenes[j].TenantID
		}
		return scenes[i].Name < scenes[j].Name
	})
}

// CreateScene validates, persists, and caches a new scene.
func (r *SceneRegistry) CreateScene(ctx context.Context, scene *Scene) error {
	if scene.ID == "" {
		scene.ID = GenerateID()
	}

	if err := ValidateScene(scene); err != nil {
		return err
	}

	if err := r.repo.Create(ctx, scene); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[scene.ID] = scene.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("scene created", "id", scene.ID, "tenant_id", scene.TenantID, "name", scene.Name)
	return nil
}

// UpdateScene validates, persists, and updates the cached scene. The stored
// tenant and creation time are kept regardless of what the caller sends.
func (r *SceneRegistry) UpdateScene(ctx context.Context, scene *Scene) error {
	r.cacheMu.RLock()
	existing, ok := r.cache[scene.ID]
	r.cacheMu.RUnlock()
	if !ok {
		return ErrSceneNotFound
	}
	scene.TenantID = existing.TenantID
	scene.CreatedAt = existing.CreatedAt

	if err := ValidateScene(scene); err != nil {
		return err
	}

	if err := r.repo.Update(ctx, scene); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[scene.ID] = scene.DeepCopy()
	r.cacheMu.Unlock()

	r.logger.Info("scene updated", "id", scene.ID, "name", scene.Name)
	return nil
}

// DeleteScene removes a scene from persistence and cache.
func (r *SceneRegistry) DeleteScene(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("scene deleted", "id", id)
	return nil
}

// ListExecutions returns recent activations of a scene, newest first.
func (r *SceneRegistry) ListExecutions(ctx context.Context, sceneID string, limit int) ([]SceneExecution, error) {
	return r.repo.ListExecutions(ctx, sceneID, limit)
}

// GetSceneCount returns the number of cached scenes.
func (r *SceneRegistry) GetSceneCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}
