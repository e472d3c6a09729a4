// Package onboarding tracks the staged device-onboarding pipeline and
// reports progress to subscribed observers. The pipeline itself does no
// onboarding work; an external job runner (the PDF service) emits stage
// and percent tuples, and this package turns them into monotonic,
// terminal-aware progress updates.
package onboarding

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"iotsync.dev/sync-core/pkg/metrics"
)

// Stage is one named step of the onboarding pipeline.
type Stage string

const (
	StageDeviceCreation      Stage = "device_creation"
	StageUserAssignment      Stage = "user_assignment"
	StagePDFUpload           Stage = "pdf_upload"
	StageRulesGeneration     Stage = "rules_generation"
	StageMaintenanceSchedule Stage = "maintenance_schedule"
	StageSafetyProcedures    Stage = "safety_procedures"
	StageComplete            Stage = "complete"
)

// Stages is the fixed stage order. The terminal complete stage is part
// of the sequence: reaching 100% inside safety_procedures is not job
// completion, only the explicit complete event is.
var Stages = []Stage{
	StageDeviceCreation,
	StageUserAssignment,
	StagePDFUpload,
	StageRulesGeneration,
	StageMaintenanceSchedule,
	StageSafetyProcedures,
	StageComplete,
}

// StepStatus is the per-step status shown in the progress detail panel.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// StepDetails describes where the job is within the stage sequence.
type StepDetails struct {
	CurrentStep int        `json:"current_step"`
	TotalSteps  int        `json:"total_steps"`
	StepName    string     `json:"step_name"`
	Status      StepStatus `json:"status"`
}

// Progress is one observer update. Overall is the aggregate percentage
// across all stages and never decreases between consecutive updates
// for the same job.
type Progress struct {
	DeviceID      string      `json:"device_id"`
	Stage         Stage       `json:"stage"`
	StageProgress int         `json:"stage_progress"`
	Overall       int         `json:"overall"`
	Message       string      `json:"message"`
	SubMessage    string      `json:"sub_message,omitempty"`
	Error         string      `json:"error,omitempty"`
	Retryable     bool        `json:"retryable,omitempty"`
	Terminal      bool        `json:"terminal"`
	Timestamp     time.Time   `json:"timestamp"`
	StepDetails   StepDetails `json:"step_details"`
}

// Observer receives progress updates for one job.
type Observer func(Progress)

// Errors returned by job operations.
var (
	ErrJobExists   = errors.New("onboarding job already exists for device")
	ErrJobNotFound = errors.New("onboarding job not found")
	ErrJobTerminal = errors.New("onboarding job already terminal")
	ErrBadStage    = errors.New("unknown onboarding stage")
)

// Job tracks one device's run through the pipeline.
type Job struct {
	mu          sync.Mutex
	deviceID    string
	stageIndex  int
	stagePct    int
	lastOverall int
	terminal    bool
	failed      bool
	stageStart  time.Time
	observers   map[int]Observer
	nextToken   int
	pipeline    *Pipeline
}

// Pipeline owns the live onboarding jobs. Jobs are discarded once
// terminal or when the waiting client disconnects; there is no
// compensating rollback — the orchestrating caller accounts for stage
// side effects that already happened.
type Pipeline struct {
	mu      sync.Mutex
	logger  *slog.Logger
	jobs    map[string]*Job
	metrics *metrics.PipelineMetrics // optional
}

// PipelineConfig holds the configuration for the Pipeline.
type PipelineConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.PipelineMetrics
}

// NewPipeline creates a new Pipeline instance.
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Pipeline{
		logger:  cfg.Logger,
		jobs:    make(map[string]*Job),
		metrics: cfg.Metrics,
	}, nil
}

// Start creates the job for a device at the first stage.
func (p *Pipeline) Start(deviceID string) (*Job, error) {
	if deviceID == "" {
		return nil, errors.New("device id cannot be empty")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.jobs[deviceID]; exists {
		return nil, ErrJobExists
	}

	job := &Job{
		deviceID:   deviceID,
		stageStart: time.Now(),
		observers:  make(map[int]Observer),
		pipeline:   p,
	}
	p.jobs[deviceID] = job

	if p.metrics != nil {
		p.metrics.JobsStarted.Inc()
	}
	p.logger.Info("onboarding job started", "device_id", deviceID)
	return job, nil
}

// Job returns the live job for a device.
func (p *Pipeline) Job(deviceID string) (*Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	job, ok := p.jobs[deviceID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Cancel discards a job without rollback, e.g. on client disconnect.
func (p *Pipeline) Cancel(deviceID string) {
	p.mu.Lock()
	job, ok := p.jobs[deviceID]
	delete(p.jobs, deviceID)
	p.mu.Unlock()

	if ok {
		job.mu.Lock()
		job.terminal = true
		job.observers = make(map[int]Observer)
		job.mu.Unlock()
		p.logger.Info("onboarding job canceled", "device_id", deviceID)
	}
}

// remove drops a finished job from the live set.
func (p *Pipeline) remove(deviceID string) {
	p.mu.Lock()
	delete(p.jobs, deviceID)
	p.mu.Unlock()
}

// stageIndexOf maps a stage name to its position in the fixed order.
func stageIndexOf(stage Stage) (int, bool) {
	for i, s := range Stages {
		if s == stage {
			return i, true
		}
	}
	return 0, false
}

// Subscribe registers an observer. The returned function unsubscribes.
func (j *Job) Subscribe(observer Observer) func() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.nextToken++
	token := j.nextToken
	j.observers[token] = observer

	return func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		delete(j.observers, token)
	}
}

// Advance reports progress within a stage. Moving to a later stage
// implicitly completes the stages before it. Updates for a stage the
// job has already passed are ignored rather than rewinding displayed
// progress. The complete stage is the only event that reports the job
// terminal and an overall of 100.
func (j *Job) Advance(stage Stage, percent int, message, subMessage string) error {
	index, ok := stageIndexOf(stage)
	if !ok {
		return ErrBadStage
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	j.mu.Lock()

	if j.terminal || j.failed {
		j.mu.Unlock()
		return ErrJobTerminal
	}
	if index < j.stageIndex {
		j.mu.Unlock()
		return nil
	}
	if index > j.stageIndex {
		if j.pipeline.metrics != nil {
			j.pipeline.metrics.StageDuration.
				WithLabelValues(string(Stages[j.stageIndex])).
				Observe(time.Since(j.stageStart).Seconds())
		}
		j.stageIndex = index
		j.stagePct = 0
		j.stageStart = time.Now()
	}
	if percent > j.stagePct {
		j.stagePct = percent
	}

	terminal := stage == StageComplete
	status := StepProcessing
	if terminal {
		j.terminal = true
		status = StepCompleted
		if j.pipeline.metrics != nil {
			j.pipeline.metrics.JobsCompleted.Inc()
		}
	}

	update := j.progressLocked(message, subMessage, "", false, status)
	observers := j.observersLocked()
	j.mu.Unlock()

	if terminal {
		j.pipeline.remove(j.deviceID)
	}
	notify(observers, update)
	return nil
}

// Fail halts the pipeline at the current stage. The last successfully
// completed stage stays intact in the reported step details; there is
// no automatic retry.
func (j *Job) Fail(stage Stage, failure error, retryable bool) error {
	index, ok := stageIndexOf(stage)
	if !ok {
		return ErrBadStage
	}

	j.mu.Lock()

	if j.terminal || j.failed {
		j.mu.Unlock()
		return ErrJobTerminal
	}
	if index > j.stageIndex {
		j.stageIndex = index
		j.stagePct = 0
	}
	j.failed = true

	message := "onboarding failed"
	errText := ""
	if failure != nil {
		errText = failure.Error()
	}

	update := j.progressLocked(message, "", errText, retryable, StepFailed)
	observers := j.observersLocked()
	j.mu.Unlock()

	if j.pipeline.metrics != nil {
		j.pipeline.metrics.JobsFailed.WithLabelValues(string(stage)).Inc()
	}
	j.pipeline.logger.Error("onboarding stage failed",
		"device_id", j.deviceID,
		"stage", string(stage),
		"error", errText,
	)

	notify(observers, update)
	return nil
}

// progressLocked builds an observer update. Overall progress is
// completed stages plus the fraction of the current stage, clamped so
// it never decreases, and pinned to 100 only by the complete stage.
func (j *Job) progressLocked(message, subMessage, errText string, retryable bool, status StepStatus) Progress {
	total := len(Stages)
	share := 100.0 / float64(total)

	overall := int(float64(j.stageIndex)*share + float64(j.stagePct)/100.0*share)
	if j.terminal {
		overall = 100
	} else if overall > 99 {
		overall = 99
	}
	if overall < j.lastOverall {
		overall = j.lastOverall
	}
	j.lastOverall = overall

	return Progress{
		DeviceID:      j.deviceID,
		Stage:         Stages[j.stageIndex],
		StageProgress: j.stagePct,
		Overall:       overall,
		Message:       message,
		SubMessage:    subMessage,
		Error:         errText,
		Retryable:     retryable,
		Terminal:      j.terminal,
		Timestamp:     time.Now(),
		StepDetails: StepDetails{
			CurrentStep: j.stageIndex + 1,
			TotalSteps:  total,
			StepName:    string(Stages[j.stageIndex]),
			Status:      status,
		},
	}
}

// observersLocked snapshots the observer set so delivery happens
// outside the lock; an observer may unsubscribe or cancel the job from
// its callback without deadlocking.
func (j *Job) observersLocked() []Observer {
	out := make([]Observer, 0, len(j.observers))
	for _, o := range j.observers {
		out = append(out, o)
	}
	return out
}

func notify(observers []Observer, update Progress) {
	for _, o := range observers {
		o(update)
	}
}
