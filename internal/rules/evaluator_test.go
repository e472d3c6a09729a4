package rules_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"iotsync.dev/sync-core/internal/model"
	"iotsync.dev/sync-core/internal/rules"
)

var _ = Describe("Evaluate", func() {
	var snapshot model.TelemetrySnapshot

	makeRule := func(id string, conditions ...model.Condition) model.Rule {
		return model.Rule{
			ID:         id,
			Name:       "rule " + id,
			Active:     true,
			Conditions: conditions,
		}
	}

	BeforeEach(func() {
		snapshot = model.TelemetrySnapshot{
			DeviceID:  "dev-1",
			Timestamp: time.Now(),
			Metrics: map[string]float64{
				"temperature": 85.0,
				"humidity":    40.0,
			},
		}
	})

	Context("with a single matching condition", func() {
		It("should fire the rule", func() {
			rule := makeRule("r1", model.Condition{
				ID: "c1", Metric: "temperature", Operator: model.OpGreater, Threshold: "80",
			})

			firings, errs := rules.Evaluate("dev-1", snapshot, []model.Rule{rule})
			Expect(errs).To(BeEmpty())
			Expect(firings).To(HaveLen(1))
			Expect(firings[0].RuleID).To(Equal("r1"))
			Expect(firings[0].DeviceID).To(Equal("dev-1"))
			Expect(firings[0].Timestamp).To(Equal(snapshot.Timestamp))
		})
	})

	Context("with multiple conditions", func() {
		It("should fire only when all conditions match", func() {
			rule := makeRule("r1",
				model.Condition{ID: "c1", Metric: "temperature", Operator: model.OpGreater, Threshold: "80"},
				model.Condition{ID: "c2", Metric: "humidity", Operator: model.OpLess, Threshold: "50"},
			)

			firings, errs := rules.Evaluate("dev-1", snapshot, []model.Rule{rule})
			Expect(errs).To(BeEmpty())
			Expect(firings).To(HaveLen(1))
			Expect(firings[0].Matched).To(HaveLen(2))
		})

		It("should not fire when one condition fails", func() {
			rule := makeRule("r1",
				model.Condition{ID: "c1", Metric: "temperature", Operator: model.OpGreater, Threshold: "80"},
				model.Condition{ID: "c2", Metric: "humidity", Operator: model.OpGreater, Threshold: "50"},
			)

			firings, errs := rules.Evaluate("dev-1", snapshot, []model.Rule{rule})
			Expect(errs).To(BeEmpty())
			Expect(firings).To(BeEmpty())
		})
	})

	Context("when a metric is missing from the snapshot", func() {
		It("should treat the condition as false without an error", func() {
			rule := makeRule("r1", model.Condition{
				ID: "c1", Metric: "pressure", Operator: model.OpGreater, Threshold: "1000",
			})

			firings, errs := rules.Evaluate("dev-1", snapshot, []model.Rule{rule})
			Expect(errs).To(BeEmpty())
			Expect(firings).To(BeEmpty())
		})
	})

	Context("when a threshold is not numeric", func() {
		It("should report a per-rule error and keep evaluating others", func() {
			bad := makeRule("bad", model.Condition{
				ID: "c1", Metric: "temperature", Operator: model.OpGreater, Threshold: "hot",
			})
			good := makeRule("good", model.Condition{
				ID: "c2", Metric: "temperature", Operator: model.OpGreater, Threshold: "80",
			})

			firings, errs := rules.Evaluate("dev-1", snapshot, []model.Rule{bad, good})
			Expect(errs).To(HaveLen(1))
			Expect(errs[0].RuleID).To(Equal("bad"))
			Expect(errs[0].Error()).To(ContainSubstring("threshold"))
			Expect(firings).To(HaveLen(1))
			Expect(firings[0].RuleID).To(Equal("good"))
		})
	})

	Context("with an unknown operator", func() {
		It("should report a per-rule error", func() {
			rule := makeRule("r1", model.Condition{
				ID: "c1", Metric: "temperature", Operator: "!=", Threshold: "80",
			})

			firings, errs := rules.Evaluate("dev-1", snapshot, []model.Rule{rule})
			Expect(firings).To(BeEmpty())
			Expect(errs).To(HaveLen(1))
			Expect(errs[0].Error()).To(ContainSubstring("operator"))
		})
	})

	Context("with inactive rules", func() {
		It("should never evaluate them", func() {
			rule := makeRule("r1", model.Condition{
				ID: "c1", Metric: "temperature", Operator: "bogus", Threshold: "also-bogus",
			})
			rule.Active = false

			firings, errs := rules.Evaluate("dev-1", snapshot, []model.Rule{rule})
			Expect(firings).To(BeEmpty())
			Expect(errs).To(BeEmpty())
		})
	})

	Context("with device-scoped rules", func() {
		It("should skip rules bound to another device", func() {
			rule := makeRule("r1", model.Condition{
				ID: "c1", Metric: "temperature", Operator: model.OpGreater, Threshold: "80",
			})
			rule.DeviceID = "dev-2"

			firings, errs := rules.Evaluate("dev-1", snapshot, []model.Rule{rule})
			Expect(firings).To(BeEmpty())
			Expect(errs).To(BeEmpty())
		})

		It("should evaluate organization-wide rules for any device", func() {
			rule := makeRule("r1", model.Condition{
				ID: "c1", Metric: "temperature", Operator: model.OpGreater, Threshold: "80",
			})
			rule.DeviceID = ""

			firings, _ := rules.Evaluate("dev-1", snapshot, []model.Rule{rule})
			Expect(firings).To(HaveLen(1))
		})
	})

	Context("with zero-condition rules", func() {
		It("should not fire", func() {
			rule := model.Rule{ID: "r1", Name: "empty", Active: true}

			firings, errs := rules.Evaluate("dev-1", snapshot, []model.Rule{rule})
			Expect(firings).To(BeEmpty())
			Expect(errs).To(BeEmpty())
		})
	})

	Context("comparison operators", func() {
		DescribeTable("should compare against the parsed threshold",
			func(operator model.ConditionOperator, threshold string, expected bool) {
				rule := makeRule("r1", model.Condition{
					ID: "c1", Metric: "temperature", Operator: operator, Threshold: threshold,
				})

				firings, errs := rules.Evaluate("dev-1", snapshot, []model.Rule{rule})
				Expect(errs).To(BeEmpty())
				if expected {
					Expect(firings).To(HaveLen(1))
				} else {
					Expect(firings).To(BeEmpty())
				}
			},
			Entry("greater true", model.OpGreater, "80", true),
			Entry("greater false", model.OpGreater, "85", false),
			Entry("less true", model.OpLess, "90", true),
			Entry("less false", model.OpLess, "85", false),
			Entry("equal true", model.OpEqual, "85", true),
			Entry("greater-equal boundary", model.OpGreaterEqual, "85", true),
			Entry("less-equal boundary", model.OpLessEqual, "85", true),
		)
	})
})
