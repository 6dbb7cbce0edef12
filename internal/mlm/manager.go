// Package mlm manages the lifecycle of per-tile clustering models: latest
// lookup, elbow-method hyperparameter selection, atomic promotion of new
// versions, and performance tracking.
package mlm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/models"
	"github.com/forestshield/forestshield/internal/objectstore"
	"github.com/forestshield/forestshield/internal/workers"
)

// StateStore is the slice of the state store the manager depends on.
type StateStore interface {
	LatestModelPointer(ctx context.Context, tileID, regionTag string) (*models.TileModel, error)
	CompareAndSwapModelPointer(ctx context.Context, m *models.TileModel, prevVersion string) error
}

// featureDim is the pixel vector dimensionality: [ndvi, red, nir, lat, lon].
const featureDim = 5

const (
	casMaxAttempts    = 5
	casInitialBackoff = 100 * time.Millisecond
)

// Config tunes the manager.
type Config struct {
	KCandidates []int
}

// Manager resolves (tile_id, region_tag) to model artifacts.
type Manager struct {
	state       StateStore
	objects     objectstore.Store
	invoker     workers.Invoker
	kCandidates []int

	// Serializes the performance-history read-modify-write per tile.
	// Cross-replica races are tolerated; they only affect statistics.
	tileMu   sync.Mutex
	tileLock map[string]*sync.Mutex
}

// NewManager wires the manager to its stores and the worker fleet.
func NewManager(state StateStore, objects objectstore.Store, invoker workers.Invoker, cfg Config) *Manager {
	candidates := cfg.KCandidates
	if len(candidates) == 0 {
		candidates = []int{2, 3, 4, 5, 6}
	}
	return &Manager{
		state:       state,
		objects:     objects,
		invoker:     invoker,
		kCandidates: candidates,
		tileLock:    make(map[string]*sync.Mutex),
	}
}

// GetLatestModel returns the latest model for (tile, regionTag), or nil when
// no prior model exists. Absence is a normal result, not an error.
func (m *Manager) GetLatestModel(ctx context.Context, tileID, regionTag string) (*models.TileModel, error) {
	model, err := m.state.LatestModelPointer(ctx, tileID, regionTag)
	if err != nil {
		if fserr.Is(err, fserr.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model, nil
}

// SaveNewModel promotes a freshly trained artifact to latest. The version is
// a sortable UTC timestamp; older versions stay in the object store untouched.
// The pointer flip is guarded on the version read at entry, so two concurrent
// savers observe one winner; the loser retries the same guard and then aborts
// with Conflict (ConcurrentModelUpdate).
func (m *Manager) SaveNewModel(ctx context.Context, tileID, regionTag string, artifact []byte, sourceTrainingJob string, optimalK int) (*models.TileModel, error) {
	if optimalK < 2 || optimalK > 10 {
		return nil, fserr.Ef(fserr.KindValidation, "save_new_model",
			"optimal_k %d outside [2,10]", optimalK).WithResource(tileID)
	}

	baseline := ""
	if prev, err := m.GetLatestModel(ctx, tileID, regionTag); err != nil {
		return nil, err
	} else if prev != nil {
		baseline = prev.Version
	}

	now := time.Now().UTC()
	model := &models.TileModel{
		TileID:            tileID,
		RegionTag:         regionTag,
		Version:           now.Format("20060102T150405.000000000Z"),
		OptimalK:          optimalK,
		ArtifactRef:       objectstore.ModelArtifactKey(tileID, regionTag, now.Format("20060102T150405.000000000Z")),
		SourceTrainingJob: sourceTrainingJob,
		CreatedAt:         now,
		FeatureDim:        featureDim,
	}

	if err := m.objects.Put(ctx, model.ArtifactRef, artifact); err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(model)
	if err != nil {
		return nil, fserr.E(fserr.KindFatal, "save_new_model", err).WithResource(tileID)
	}
	metaKey := objectstore.ModelMetadataKey(tileID, regionTag, model.Version)
	if err := m.objects.Put(ctx, metaKey, metadata); err != nil {
		return nil, err
	}

	backoff := casInitialBackoff
	var casErr error
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		casErr = m.state.CompareAndSwapModelPointer(ctx, model, baseline)
		if casErr == nil {
			log.Info().Str("tile", tileID).Str("tag", regionTag).
				Str("version", model.Version).Int("k", optimalK).
				Msg("Model promoted to latest")
			return model, nil
		}
		if !fserr.Is(casErr, fserr.KindConflict) && !fserr.Is(casErr, fserr.KindTransient) {
			return nil, casErr
		}
		select {
		case <-ctx.Done():
			return nil, fserr.E(fserr.KindTransient, "save_new_model", ctx.Err()).WithResource(tileID)
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fserr.E(fserr.KindConflict, "save_new_model",
		errors.New("concurrent model update: latest pointer moved")).WithResource(tileID)
}
