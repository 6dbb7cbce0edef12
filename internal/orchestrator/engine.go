package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/forestshield/forestshield/internal/consolidator"
	"github.com/forestshield/forestshield/internal/fserr"
	"github.com/forestshield/forestshield/internal/mlm"
	"github.com/forestshield/forestshield/internal/models"
	"github.com/forestshield/forestshield/internal/objectstore"
	"github.com/forestshield/forestshield/internal/statestore"
	"github.com/forestshield/forestshield/internal/workers"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forestshield_runs_total",
		Help: "Analysis runs by terminal status.",
	}, []string{"status"})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forestshield_run_duration_seconds",
		Help:    "End-to-end analysis run duration.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// ModelManager is the slice of the model lifecycle the engine drives.
type ModelManager interface {
	GetLatestModel(ctx context.Context, tileID, regionTag string) (*models.TileModel, error)
	SelectOptimalK(ctx context.Context, trainingDataRef string) (*mlm.KSelection, error)
	SaveNewModel(ctx context.Context, tileID, regionTag string, artifact []byte, sourceTrainingJob string, optimalK int) (*models.TileModel, error)
}

// Config tunes the engine.
type Config struct {
	MaxParallelImages int
	RunTimeout        time.Duration
	MaxPayloadBytes   int
	Retry             retryPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxParallelImages <= 0 {
		c.MaxParallelImages = 5
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 256 << 10
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = defaultRetryPolicy()
	}
	return c
}

// Engine executes analysis runs to a terminal status.
type Engine struct {
	state   *statestore.Store
	objects objectstore.Store
	invoker workers.Invoker
	mdl     ModelManager
	cons    *consolidator.Consolidator
	cfg     Config
}

// NewEngine wires the engine to its collaborators.
func NewEngine(state *statestore.Store, objects objectstore.Store, invoker workers.Invoker, mdl ModelManager, cons *consolidator.Consolidator, cfg Config) *Engine {
	return &Engine{
		state:   state,
		objects: objects,
		invoker: invoker,
		mdl:     mdl,
		cons:    cons,
		cfg:     cfg.withDefaults(),
	}
}

// Params is the user-facing trigger input for a run.
type Params struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Checkpoint inputs, one per top-level state. Only artifact references and
// summary statistics travel through them; pixel-scale data stays in the
// object store.
type searchInput struct {
	Params Params `json:"params"`
}

type mapInput struct {
	Params Params                   `json:"params"`
	Images []workers.SatelliteImage `json:"images"`
}

type consolidateInput struct {
	Results []consolidator.ImageResult `json:"results"`
}

type alertInput struct {
	Results    []consolidator.ImageResult `json:"results"`
	Assessment *consolidator.Assessment   `json:"assessment"`
}

// payloadRef is the indirection stored when a checkpoint input exceeds the
// payload ceiling; the real payload lives in the object store.
type payloadRef struct {
	Ref string `json:"$ref"`
}

// StartRun records a new pending run for a region. An empty window defaults
// to the trailing 90 days, which is what scheduled runs use.
func (e *Engine) StartRun(ctx context.Context, regionID string, params Params) (*models.AnalysisRun, error) {
	if params.StartDate == "" && params.EndDate == "" {
		now := time.Now().UTC()
		params.StartDate = now.AddDate(0, 0, -90).Format("2006-01-02")
		params.EndDate = now.Format("2006-01-02")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fserr.E(fserr.KindFatal, "start_run", err)
	}
	run := &models.AnalysisRun{
		ID:        ulid.Make().String(),
		RegionID:  regionID,
		Status:    models.RunPending,
		StartedAt: time.Now().UTC(),
		Input:     string(raw),
	}
	if err := e.state.PutRun(ctx, run); err != nil {
		return nil, err
	}
	log.Info().Str("run", run.ID).Str("region", regionID).
		Str("window", params.StartDate+".."+params.EndDate).Msg("Analysis run created")
	return run, nil
}

// Run creates a run for the region and executes it to completion, returning
// the final run record.
func (e *Engine) Run(ctx context.Context, regionID string, params Params) (*models.AnalysisRun, error) {
	run, err := e.StartRun(ctx, regionID, params)
	if err != nil {
		return nil, err
	}
	if err := e.Execute(ctx, run.ID); err != nil {
		return nil, err
	}
	return e.state.GetRun(ctx, run.ID)
}

// Recover resumes every run left IN_PROGRESS by a previous process. Each run
// re-enters its last checkpointed state. Returns the number of runs resumed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	stranded, err := e.state.RunsByStatus(ctx, models.RunInProgress)
	if err != nil {
		return 0, err
	}
	for _, run := range stranded {
		log.Info().Str("run", run.ID).Str("state", run.State).Msg("Resuming stranded analysis run")
		go func(id string) {
			if err := e.Execute(context.Background(), id); err != nil {
				log.Error().Err(err).Str("run", id).Msg("Recovered run did not reach a terminal status")
			}
		}(run.ID)
	}
	return len(stranded), nil
}

// Execute drives a run from its last recorded state to a terminal status.
// Calling it on an already-terminal run is a no-op.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	run, err := e.state.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	region, err := e.state.GetRegion(ctx, run.RegionID)
	if err != nil {
		if fserr.Is(err, fserr.KindNotFound) {
			return e.finish(run, nil, models.RunFailed, StateFailed, "", "region no longer exists", -1)
		}
		return err
	}

	// The timeout budget is anchored at creation, so a recovered run does not
	// get a fresh clock.
	ctx, cancel := context.WithDeadline(ctx, run.StartedAt.Add(e.cfg.RunTimeout))
	defer cancel()

	st := State(run.State)
	var (
		sIn searchInput
		mIn mapInput
		cIn consolidateInput
		aIn alertInput
	)
	switch st {
	case "":
		st = StateSearchImages
		var params Params
		if err := e.loadInput(ctx, run.Input, &params); err != nil {
			return e.finish(run, region, models.RunFailed, StateFailed, "", "undecodable run input: "+err.Error(), -1)
		}
		sIn = searchInput{Params: params}
	case StateSearchImages:
		err = e.loadInput(ctx, run.Input, &sIn)
	case StateMapPerImage:
		err = e.loadInput(ctx, run.Input, &mIn)
	case StateConsolidateResults:
		err = e.loadInput(ctx, run.Input, &cIn)
	case StateSendAlert:
		err = e.loadInput(ctx, run.Input, &aIn)
	default:
		return fserr.Ef(fserr.KindFatal, "execute", "run %s stranded in unknown state %q", run.ID, run.State)
	}
	if err != nil {
		return e.finish(run, region, models.RunFailed, StateFailed, "", "undecodable checkpoint: "+err.Error(), -1)
	}

	// Checkpoint failures caused by the run deadline become TIMED_OUT instead
	// of surfacing as infrastructure errors.
	ckpt := func(st State, input interface{}, progress int) (bool, error) {
		err := e.checkpoint(ctx, run.ID, st, input, progress)
		if timedOut(ctx, err) {
			return false, e.finish(run, region, models.RunTimedOut, StateFailed, "", "run timeout exceeded", -1)
		}
		return err == nil, err
	}

	if st == StateSearchImages {
		if ok, err := ckpt(st, sIn, 10); !ok {
			return err
		}
		var found workers.SearchImagesResult
		err := e.cfg.Retry.retry(ctx, "search_images", func(ctx context.Context) error {
			var callErr error
			found, callErr = workers.Call[workers.SearchImagesResult](ctx, e.invoker,
				workers.WorkerSearchImages, workers.SearchImagesInput{
					Latitude:   region.Center.Latitude,
					Longitude:  region.Center.Longitude,
					StartDate:  sIn.Params.StartDate,
					EndDate:    sIn.Params.EndDate,
					CloudCover: region.CloudCoverThreshold,
				})
			return callErr
		})
		if timedOut(ctx, err) {
			return e.finish(run, region, models.RunTimedOut, StateFailed, "", "run timeout exceeded", -1)
		}
		if err != nil {
			return e.finish(run, region, models.RunFailed, StateFailed, "", "image search failed: "+err.Error(), -1)
		}
		if len(found.Images) == 0 {
			st, _ = Transition(st, EventNoImages)
			return e.finish(run, region, models.RunNoImagesFound, st,
				fmt.Sprintf(`{"message":"no images matched cloud cover <= %.0f%%"}`, region.CloudCoverThreshold), "", -1)
		}
		mIn = mapInput{Params: sIn.Params, Images: found.Images}
		st, _ = Transition(st, EventImagesFound)
	}

	if st == StateMapPerImage {
		if ok, err := ckpt(st, mIn, 20); !ok {
			return err
		}
		results := e.fanOut(ctx, region, mIn.Images)
		if timedOut(ctx, nil) {
			return e.finish(run, region, models.RunTimedOut, StateFailed, "", "run timeout exceeded", -1)
		}
		cIn = consolidateInput{Results: results}
		st, _ = Transition(st, EventChildrenDone)
	}

	if st == StateConsolidateResults {
		if ok, err := ckpt(st, cIn, 80); !ok {
			return err
		}
		assessment, err := e.cons.Consolidate(cIn.Results)
		if err != nil {
			return e.finish(run, region, models.RunFailed, StateFailed, "", err.Error(), -1)
		}
		aIn = alertInput{Results: cIn.Results, Assessment: assessment}
		st, _ = Transition(st, EventSuccess)
	}

	if st == StateSendAlert {
		if ok, err := ckpt(st, aIn, 95); !ok {
			return err
		}
		err := e.cfg.Retry.retry(ctx, "send_alert", func(ctx context.Context) error {
			_, commitErr := e.cons.Commit(ctx, region, aIn.Results, aIn.Assessment, time.Now().UTC())
			return commitErr
		})
		if timedOut(ctx, err) {
			return e.finish(run, region, models.RunTimedOut, StateFailed, "", "run timeout exceeded", -1)
		}
		if err != nil {
			return e.finish(run, region, models.RunFailed, StateFailed, "", "alert commit failed: "+err.Error(), -1)
		}
		output, _ := json.Marshal(aIn.Assessment)
		st, _ = Transition(st, EventSuccess)
		return e.finish(run, region, models.RunSucceeded, st, string(output), "", aIn.Assessment.DeforestationPct)
	}

	return fserr.Ef(fserr.KindFatal, "execute", "run %s ended in non-terminal state %s", run.ID, st)
}

// fanOut runs the per-image branches with bounded concurrency. Branch
// failures are isolated; the slice always holds one result per image.
func (e *Engine) fanOut(ctx context.Context, region *models.Region, images []workers.SatelliteImage) []consolidator.ImageResult {
	sem := semaphore.NewWeighted(int64(e.cfg.MaxParallelImages))
	results := make([]consolidator.ImageResult, len(images))
	var wg sync.WaitGroup
	for i, img := range images {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i] = consolidator.ImageResult{ImageID: img.ID, Success: false}
			continue
		}
		wg.Add(1)
		go func(i int, img workers.SatelliteImage) {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = e.runImageBranch(ctx, region, img)
		}(i, img)
	}
	wg.Wait()
	return results
}

// branchCtx accumulates the working set of one per-image sub-machine.
type branchCtx struct {
	region  *models.Region
	image   workers.SatelliteImage
	result  consolidator.ImageResult
	dataRef string
	tileID  string
	reused  *models.TileModel
	chosenK int
	trained *workers.TrainerResult

	// Object-store key of the model this branch settled on; what the
	// visualization worker loads.
	artifactRef string
}

// runImageBranch drives one image through the sub-machine to a terminal
// branch state.
func (e *Engine) runImageBranch(ctx context.Context, region *models.Region, img workers.SatelliteImage) consolidator.ImageResult {
	started := time.Now()
	br := &branchCtx{
		region: region,
		image:  img,
		tileID: tileFromImageID(img.ID, region.ID),
		result: consolidator.ImageResult{
			ImageID: img.ID,
			Date:    parseImageDate(img.Date),
		},
	}
	br.result.TileID = br.tileID

	st := StateImageNDVI
	for !st.Terminal() {
		next, err := Transition(st, e.stepImage(ctx, st, br))
		if err != nil {
			log.Error().Err(err).Str("image", img.ID).Msg("Image branch wedged")
			st = StateImageFailed
			break
		}
		st = next
	}
	br.result.Success = st == StateImageDone
	br.result.ProcessingTimeMs = time.Since(started).Milliseconds()
	log.Debug().Str("image", img.ID).Str("tile", br.tileID).Bool("success", br.result.Success).
		Int64("elapsed_ms", br.result.ProcessingTimeMs).Msg("Image branch finished")
	return br.result
}

// stepImage performs the side effect of one branch state and reports the
// observed event.
func (e *Engine) stepImage(ctx context.Context, st State, br *branchCtx) Event {
	switch st {
	case StateImageNDVI:
		var out workers.VegetationResult
		err := e.cfg.Retry.retry(ctx, "vegetation_analyzer", func(ctx context.Context) error {
			var callErr error
			out, callErr = workers.Call[workers.VegetationResult](ctx, e.invoker,
				workers.WorkerVegetationAnalyzer, workers.VegetationInput{
					ImageID: br.image.ID,
					RedURL:  br.image.Assets.RedURL,
					NirURL:  br.image.Assets.NirURL,
					Region:  br.region.ID,
				})
			return callErr
		})
		if err != nil || !out.Success {
			log.Warn().Err(err).Str("image", br.image.ID).Msg("Vegetation analysis failed; branch abandoned")
			return EventFailure
		}
		br.result.Statistics = out.Statistics
		br.dataRef = out.TrainingDataRef
		return EventSuccess

	case StateImageCheckModel:
		model, err := e.mdl.GetLatestModel(ctx, br.tileID, br.region.ID)
		if err != nil {
			// Lookup trouble is not worth failing the branch; train fresh.
			log.Warn().Err(err).Str("tile", br.tileID).Msg("Model lookup failed; training a fresh model")
			return EventModelAbsent
		}
		if model == nil {
			return EventModelAbsent
		}
		br.reused = model
		return EventModelPresent

	case StateImageSelectK:
		sel, err := e.mdl.SelectOptimalK(ctx, br.dataRef)
		if err != nil {
			log.Warn().Err(err).Str("image", br.image.ID).Msg("K selection failed; using default K")
			br.chosenK = 3
			return EventFailure
		}
		br.chosenK = sel.OptimalK
		return EventSuccess

	case StateImageTrain:
		if ev := e.trainImage(ctx, br, br.chosenK); ev == EventFailure {
			return EventFailure
		}
		return EventSuccess

	case StateImageSaveModel:
		artifact, err := e.objects.Get(ctx, br.trained.ModelArtifactRef)
		if err != nil {
			log.Warn().Err(err).Str("image", br.image.ID).Msg("Trained artifact unreadable")
			return EventFailure
		}
		saved, err := e.mdl.SaveNewModel(ctx, br.tileID, br.region.ID, artifact, br.trained.TrainingJobName, br.chosenK)
		if fserr.Is(err, fserr.KindConflict) {
			// A sibling promoted first; its model is just as fresh.
			log.Info().Str("tile", br.tileID).Msg("Concurrent model promotion won; adopting the winner")
			br.artifactRef = br.trained.ModelArtifactRef
			if winner, werr := e.mdl.GetLatestModel(ctx, br.tileID, br.region.ID); werr == nil && winner != nil {
				br.result.ModelUsed = winner.Version
				br.artifactRef = winner.ArtifactRef
			}
			return EventSuccess
		}
		if err != nil {
			log.Warn().Err(err).Str("tile", br.tileID).Msg("Model promotion failed")
			return EventFailure
		}
		br.result.ModelUsed = saved.Version
		br.artifactRef = saved.ArtifactRef
		br.result.TrainingJobName = br.trained.TrainingJobName
		return EventSuccess

	case StateImageReuseModel:
		br.result.ModelUsed = br.reused.Version
		br.artifactRef = br.reused.ArtifactRef
		br.result.ModelReused = true
		// Fit this image's pixels at the established K so consolidation still
		// sees per-image cluster structure.
		return e.trainImage(ctx, br, br.reused.OptimalK)

	case StateImageVisualize:
		err := e.cfg.Retry.retry(ctx, "visualization_generator", func(ctx context.Context) error {
			_, callErr := workers.Call[workers.VisualizationResult](ctx, e.invoker,
				workers.WorkerVisualization, workers.VisualizationInput{
					ModelArtifactRef: br.artifactRef,
					TrainingDataRef:  br.dataRef,
					TileID:           br.tileID,
					RegionID:         br.region.ID,
					Timestamp:        br.result.Date.UTC().Format(time.RFC3339),
				})
			return callErr
		})
		if err != nil {
			log.Warn().Err(err).Str("image", br.image.ID).Msg("Visualization generation failed; continuing without charts")
			return EventFailure
		}
		return EventSuccess
	}
	log.Error().Str("state", string(st)).Msg("Image branch reached an unhandled state")
	return EventFailure
}

func (e *Engine) trainImage(ctx context.Context, br *branchCtx, k int) Event {
	var out workers.TrainerResult
	err := e.cfg.Retry.retry(ctx, "cluster_trainer", func(ctx context.Context) error {
		var callErr error
		out, callErr = workers.Call[workers.TrainerResult](ctx, e.invoker,
			workers.WorkerClusterTrainer, workers.TrainerInput{
				TrainingDataRef: br.dataRef,
				K:               k,
				FeatureDim:      5,
			})
		return callErr
	})
	if err != nil {
		log.Warn().Err(err).Str("image", br.image.ID).Int("k", k).Msg("Clustering failed")
		return EventFailure
	}
	br.trained = &out
	br.result.ClusterResult = &consolidator.ClusterResult{
		Centroids: out.ClusterCentroids,
		Sizes:     out.ClusterSizes,
	}
	return EventSuccess
}

// checkpoint durably records (run, state, input) before the state's work
// begins. Inputs over the payload ceiling are offloaded to the object store
// and replaced by a reference.
func (e *Engine) checkpoint(ctx context.Context, runID string, st State, input interface{}, progress int) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return fserr.E(fserr.KindFatal, "checkpoint", err).WithResource(runID)
	}
	if len(raw) > e.cfg.MaxPayloadBytes {
		key := objectstore.RunPayloadKey(runID, string(st))
		if err := e.objects.Put(ctx, key, raw); err != nil {
			return err
		}
		if raw, err = json.Marshal(payloadRef{Ref: key}); err != nil {
			return fserr.E(fserr.KindFatal, "checkpoint", err).WithResource(runID)
		}
	}
	return e.state.CheckpointRun(ctx, runID, string(st), string(raw), progress)
}

// loadInput decodes a checkpoint input, chasing an object-store reference if
// the payload was offloaded.
func (e *Engine) loadInput(ctx context.Context, raw string, v interface{}) error {
	data := []byte(raw)
	var ref payloadRef
	if err := json.Unmarshal(data, &ref); err == nil && ref.Ref != "" {
		var getErr error
		if data, getErr = e.objects.Get(ctx, ref.Ref); getErr != nil {
			return getErr
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fserr.E(fserr.KindFatal, "load_checkpoint", err)
	}
	return nil
}

// finish records the terminal status, bumps the region's last-analysis
// bookkeeping, and emits metrics. The region timestamp moves on every
// terminal status, success or not; pct < 0 leaves the stored percentage
// untouched. Uses a fresh context so a dead run context cannot block the
// terminal write.
func (e *Engine) finish(run *models.AnalysisRun, region *models.Region, status models.RunStatus, finalState State, output, errMsg string, pct float64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := time.Now().UTC()

	if err := e.state.CheckpointRun(ctx, run.ID, string(finalState), "", 100); err != nil {
		log.Warn().Err(err).Str("run", run.ID).Msg("Terminal state checkpoint failed")
	}
	if err := e.state.CompleteRun(ctx, run.ID, status, output, errMsg, now); err != nil {
		return err
	}
	if region != nil {
		if err := e.state.RecordRegionAnalysis(ctx, region.ID, pct, now); err != nil {
			log.Warn().Err(err).Str("region", region.ID).Msg("Region analysis bookkeeping failed")
		}
	}
	runsTotal.WithLabelValues(string(status)).Inc()
	runDuration.Observe(now.Sub(run.StartedAt).Seconds())

	evt := log.Info()
	if status == models.RunFailed || status == models.RunTimedOut {
		evt = log.Warn()
	}
	evt.Str("run", run.ID).Str("status", string(status)).Str("error", errMsg).
		Dur("elapsed", now.Sub(run.StartedAt)).Msg("Analysis run finished")
	return nil
}

func timedOut(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	return err != nil && errors.Is(err, context.DeadlineExceeded)
}

// tileFromImageID extracts the MGRS tile token from a scene identifier like
// S2B_MSIL2A_20220615T140059_N0400_R067_T21MYN_20220615T174914. Scenes
// without a recognizable tile fall back to the region as the grouping key.
func tileFromImageID(imageID, fallback string) string {
	for _, tok := range strings.Split(imageID, "_") {
		if len(tok) == 6 && tok[0] == 'T' && tok[1] >= '0' && tok[1] <= '9' {
			return tok
		}
	}
	return fallback
}

func parseImageDate(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
