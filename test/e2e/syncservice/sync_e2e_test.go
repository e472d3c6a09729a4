package syncservice_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"iotsync.dev/sync-core/internal/model"
)

// publishEnvelope marshals and publishes one envelope to the event queue.
func publishEnvelope(envelope model.Envelope) {
	body, err := json.Marshal(envelope)
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(eventPublisher.Publish(ctx, body)).To(Succeed())
}

// getJSON fetches a URL and decodes the response into out.
func getJSON(path string, out any) int {
	resp, err := http.Get(baseURL + path)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode == http.StatusOK {
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
	}
	return resp.StatusCode
}

var _ = Describe("Sync Service E2E", func() {
	Describe("Health and connection state", func() {
		It("should report healthy", func() {
			var body map[string]string
			Expect(getJSON("/health", &body)).To(Equal(http.StatusOK))
			Expect(body).To(HaveKeyWithValue("status", "ok"))
		})

		It("should report a connected transport", func() {
			Eventually(func() string {
				var body map[string]string
				getJSON("/api/connection", &body)
				return body["state"]
			}, 15*time.Second).Should(BeElementOf(
				string(model.StateConnectedPush),
				string(model.StateConnectedPoll),
			))
		})
	})

	Describe("Device event flow", func() {
		It("should surface a pushed device on the devices API", func() {
			device := model.Device{
				ID:             "e2e-device-001",
				Name:           "Boiler Sensor",
				Type:           "sensor",
				Status:         model.StatusOnline,
				Location:       "Plant 4",
				Protocol:       "mqtt",
				OrganizationID: orgID,
			}
			publishEnvelope(model.Envelope{
				Type:      model.EventDeviceCreated,
				Timestamp: time.Now(),
				Device:    &device,
			})

			Eventually(func() int {
				return getJSON("/api/devices/e2e-device-001", nil)
			}, 15*time.Second).Should(Equal(http.StatusOK))
		})

		It("should record pushed telemetry in the device history", func() {
			publishEnvelope(model.Envelope{
				Type:      model.EventTelemetry,
				Timestamp: time.Now(),
				Telemetry: &model.TelemetrySnapshot{
					DeviceID:  "e2e-device-001",
					Timestamp: time.Now(),
					Metrics:   map[string]float64{"temperature": 21.5},
				},
			})

			Eventually(func() int {
				var history []model.TelemetrySnapshot
				getJSON("/api/devices/e2e-device-001/telemetry", &history)
				return len(history)
			}, 15*time.Second).Should(BeNumerically(">=", 1))
		})

		It("should apply a pushed status change", func() {
			device := model.Device{
				ID:             "e2e-device-001",
				Name:           "Boiler Sensor",
				Type:           "sensor",
				Status:         model.StatusWarning,
				Location:       "Plant 4",
				Protocol:       "mqtt",
				OrganizationID: orgID,
				UpdatedAt:      time.Now(),
			}
			publishEnvelope(model.Envelope{
				Type:      model.EventDeviceStatus,
				Timestamp: time.Now(),
				Device:    &device,
				OldStatus: model.StatusOnline,
			})

			Eventually(func() model.DeviceStatus {
				var got model.Device
				getJSON("/api/devices/e2e-device-001", &got)
				return got.Status
			}, 15*time.Second).Should(Equal(model.StatusWarning))
		})
	})

	Describe("Notification flow", func() {
		notificationID := "e2e-notification-001"

		It("should persist and list a pushed notification", func() {
			publishEnvelope(model.Envelope{
				Type:      model.EventNotification,
				Timestamp: time.Now(),
				Notification: &model.Notification{
					ID:             notificationID,
					OrganizationID: orgID,
					Category:       model.CategoryTemperatureAlert,
					Title:          "High temperature",
					Message:        "Boiler Sensor exceeded 80C",
					DeviceID:       "e2e-device-001",
					CreatedAt:      time.Now(),
				},
			})

			Eventually(func() []string {
				var list []model.Notification
				getJSON("/api/notifications", &list)
				ids := make([]string, 0, len(list))
				for _, n := range list {
					ids = append(ids, n.ID)
				}
				return ids
			}, 15*time.Second).Should(ContainElement(notificationID))
		})

		It("should mark a notification read", func() {
			resp, err := http.Post(
				fmt.Sprintf("%s/api/notifications/%s/read", baseURL, notificationID),
				"application/json", nil,
			)
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			var list []model.Notification
			getJSON("/api/notifications", &list)
			for _, n := range list {
				if n.ID == notificationID {
					Expect(n.Read).To(BeTrue())
				}
			}
		})

		It("should report the unread count", func() {
			var body map[string]int
			Expect(getJSON("/api/notifications/unread-count", &body)).To(Equal(http.StatusOK))
			Expect(body).To(HaveKey("unread"))
		})
	})

	Describe("Immediate refresh", func() {
		It("should accept a refresh request", func() {
			resp, err := http.Post(baseURL+"/api/refresh", "application/json", nil)
			Expect(err).NotTo(HaveOccurred())
			_ = resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		})
	})
})
