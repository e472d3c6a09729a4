package onboarding_test

import (
	"errors"
	"log/slog"
	"os"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"iotsync.dev/sync-core/internal/onboarding"
)

// progressLog collects observer updates for assertions.
type progressLog struct {
	mu      sync.Mutex
	updates []onboarding.Progress
}

func (p *progressLog) observe(update onboarding.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
}

func (p *progressLog) all() []onboarding.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]onboarding.Progress, len(p.updates))
	copy(out, p.updates)
	return out
}

func (p *progressLog) last() onboarding.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	Expect(p.updates).NotTo(BeEmpty())
	return p.updates[len(p.updates)-1]
}

var _ = Describe("Pipeline", func() {
	var (
		pipeline *onboarding.Pipeline
		job      *onboarding.Job
		log      *progressLog
	)

	BeforeEach(func() {
		var err error
		pipeline, err = onboarding.NewPipeline(&onboarding.PipelineConfig{
			Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelError,
			})),
		})
		Expect(err).NotTo(HaveOccurred())

		job, err = pipeline.Start("dev-1")
		Expect(err).NotTo(HaveOccurred())

		log = &progressLog{}
		job.Subscribe(log.observe)
	})

	Describe("Start", func() {
		It("should reject a duplicate job for the same device", func() {
			_, err := pipeline.Start("dev-1")
			Expect(err).To(MatchError(onboarding.ErrJobExists))
		})

		It("should reject an empty device id", func() {
			_, err := pipeline.Start("")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Advance", func() {
		It("should report stage progress to observers", func() {
			Expect(job.Advance(onboarding.StageDeviceCreation, 50, "creating device", "")).To(Succeed())

			update := log.last()
			Expect(update.Stage).To(Equal(onboarding.StageDeviceCreation))
			Expect(update.StageProgress).To(Equal(50))
			Expect(update.Message).To(Equal("creating device"))
			Expect(update.Terminal).To(BeFalse())
			Expect(update.StepDetails.CurrentStep).To(Equal(1))
			Expect(update.StepDetails.TotalSteps).To(Equal(len(onboarding.Stages)))
		})

		It("should never let overall progress decrease", func() {
			Expect(job.Advance(onboarding.StageDeviceCreation, 80, "", "")).To(Succeed())
			Expect(job.Advance(onboarding.StageUserAssignment, 10, "", "")).To(Succeed())
			Expect(job.Advance(onboarding.StagePDFUpload, 0, "", "")).To(Succeed())
			Expect(job.Advance(onboarding.StageRulesGeneration, 100, "", "")).To(Succeed())

			updates := log.all()
			for i := 1; i < len(updates); i++ {
				Expect(updates[i].Overall).To(BeNumerically(">=", updates[i-1].Overall))
			}
		})

		It("should ignore updates for stages already passed", func() {
			Expect(job.Advance(onboarding.StagePDFUpload, 50, "", "")).To(Succeed())
			before := log.last().Overall

			Expect(job.Advance(onboarding.StageDeviceCreation, 10, "", "")).To(Succeed())
			Expect(log.last().Overall).To(Equal(before))
		})

		It("should cap overall below 100 before the complete event", func() {
			Expect(job.Advance(onboarding.StageSafetyProcedures, 100, "", "")).To(Succeed())
			Expect(log.last().Overall).To(BeNumerically("<", 100))
			Expect(log.last().Terminal).To(BeFalse())
		})

		It("should report 100 and terminal only on the complete stage", func() {
			Expect(job.Advance(onboarding.StageComplete, 100, "all done", "")).To(Succeed())

			update := log.last()
			Expect(update.Overall).To(Equal(100))
			Expect(update.Terminal).To(BeTrue())
			Expect(update.StepDetails.Status).To(Equal(onboarding.StepCompleted))

			// Job is discarded once terminal.
			_, err := pipeline.Job("dev-1")
			Expect(err).To(MatchError(onboarding.ErrJobNotFound))
		})

		It("should reject events after completion", func() {
			Expect(job.Advance(onboarding.StageComplete, 100, "", "")).To(Succeed())
			Expect(job.Advance(onboarding.StagePDFUpload, 50, "", "")).To(MatchError(onboarding.ErrJobTerminal))
		})

		It("should reject unknown stages", func() {
			Expect(job.Advance("mystery_stage", 10, "", "")).To(MatchError(onboarding.ErrBadStage))
		})

		It("should clamp out-of-range percentages", func() {
			Expect(job.Advance(onboarding.StageDeviceCreation, 150, "", "")).To(Succeed())
			Expect(log.last().StageProgress).To(Equal(100))

			Expect(job.Advance(onboarding.StageUserAssignment, -5, "", "")).To(Succeed())
			Expect(log.last().StageProgress).To(Equal(0))
		})

		It("should carry the sub message to observers", func() {
			Expect(job.Advance(onboarding.StagePDFUpload, 30, "uploading", "page 3 of 10")).To(Succeed())
			Expect(log.last().SubMessage).To(Equal("page 3 of 10"))
		})
	})

	Describe("Fail", func() {
		It("should halt the job and report the failure", func() {
			Expect(job.Advance(onboarding.StagePDFUpload, 40, "", "")).To(Succeed())
			Expect(job.Fail(onboarding.StagePDFUpload, errors.New("parse error"), true)).To(Succeed())

			update := log.last()
			Expect(update.Error).To(Equal("parse error"))
			Expect(update.Retryable).To(BeTrue())
			Expect(update.StepDetails.Status).To(Equal(onboarding.StepFailed))
		})

		It("should reject further events after failure", func() {
			Expect(job.Fail(onboarding.StageDeviceCreation, errors.New("boom"), false)).To(Succeed())
			Expect(job.Advance(onboarding.StageUserAssignment, 10, "", "")).To(MatchError(onboarding.ErrJobTerminal))
			Expect(job.Fail(onboarding.StageUserAssignment, errors.New("again"), false)).To(MatchError(onboarding.ErrJobTerminal))
		})

		It("should not roll back progress already reported", func() {
			Expect(job.Advance(onboarding.StageRulesGeneration, 50, "", "")).To(Succeed())
			before := log.last().Overall

			Expect(job.Fail(onboarding.StageRulesGeneration, errors.New("boom"), false)).To(Succeed())
			Expect(log.last().Overall).To(BeNumerically(">=", before))
		})
	})

	Describe("Subscribe", func() {
		It("should stop notifying after unsubscribe", func() {
			extra := &progressLog{}
			unsubscribe := job.Subscribe(extra.observe)

			Expect(job.Advance(onboarding.StageDeviceCreation, 10, "", "")).To(Succeed())
			unsubscribe()
			Expect(job.Advance(onboarding.StageDeviceCreation, 20, "", "")).To(Succeed())

			Expect(extra.all()).To(HaveLen(1))
		})
	})

	Describe("Cancel", func() {
		It("should discard the job without updates", func() {
			pipeline.Cancel("dev-1")

			_, err := pipeline.Job("dev-1")
			Expect(err).To(MatchError(onboarding.ErrJobNotFound))
			Expect(job.Advance(onboarding.StageDeviceCreation, 10, "", "")).To(MatchError(onboarding.ErrJobTerminal))
		})
	})
})
