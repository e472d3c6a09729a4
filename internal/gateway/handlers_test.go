package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	gosync "sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"iotsync.dev/sync-core/internal/channel"
	"iotsync.dev/sync-core/internal/directory"
	"iotsync.dev/sync-core/internal/gateway"
	"iotsync.dev/sync-core/internal/model"
	"iotsync.dev/sync-core/internal/notify"
	"iotsync.dev/sync-core/internal/sync"
)

// fakeDevices is an in-memory DeviceDirectory.
type fakeDevices struct {
	mu        gosync.Mutex
	devices   map[string]model.Device
	updateErr error
}

func (f *fakeDevices) ListDevices(context.Context, string) ([]model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeDevices) GetDevice(_ context.Context, id string) (model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return model.Device{}, directory.ErrNotFound
	}
	return d, nil
}

func (f *fakeDevices) UpdateStatus(_ context.Context, id string, status model.DeviceStatus) (model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return model.Device{}, f.updateErr
	}
	d, ok := f.devices[id]
	if !ok {
		return model.Device{}, directory.ErrNotFound
	}
	d.Status = status
	f.devices[id] = d
	return d, nil
}

// fakeNotifications is an in-memory NotificationPersistence.
type fakeNotifications struct {
	mu      gosync.Mutex
	records map[string]model.Notification
}

func (f *fakeNotifications) Fetch(_ context.Context, orgID, userID string) ([]model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Notification
	for _, n := range f.records {
		if n.OrganizationID == orgID && (n.UserID == "" || n.UserID == userID) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeNotifications) Persist(_ context.Context, n model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[n.ID] = n
	return nil
}

func (f *fakeNotifications) MarkRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.records[id]
	if !ok {
		return directory.ErrNotFound
	}
	n.Read = true
	f.records[id] = n
	return nil
}

var _ = Describe("Gateway handlers", func() {
	var (
		testServer *httptest.Server
		devices    *fakeDevices
		cache      *sync.DeviceCache
		store      *notify.Store
		ch         *channel.DeliveryChannel
	)

	testLogger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	BeforeEach(func() {
		devices = &fakeDevices{devices: map[string]model.Device{
			"dev-1": {ID: "dev-1", Name: "Pump", Status: model.StatusOnline, OrganizationID: "org-1"},
		}}
		cache = sync.NewDeviceCache(0)
		cache.Replace(map[string]model.Device{
			"dev-1": {ID: "dev-1", Name: "Pump", Status: model.StatusOnline, OrganizationID: "org-1"},
		})

		var err error
		store, err = notify.NewStore(&notify.StoreConfig{
			Logger:      testLogger,
			Persistence: &fakeNotifications{records: make(map[string]model.Notification)},
		})
		Expect(err).NotTo(HaveOccurred())

		ch, err = channel.New(&channel.Config{
			Logger:       testLogger,
			Devices:      devices,
			Cache:        cache,
			OrgID:        "org-1",
			PollInterval: time.Hour,
		})
		Expect(err).NotTo(HaveOccurred())

		server, err := gateway.NewServer(&gateway.ServerConfig{
			Logger:   testLogger,
			HTTPPort: 8080,
			OrgID:    "org-1",
			Cache:    cache,
			Store:    store,
			Channel:  ch,
			Devices:  devices,
		})
		Expect(err).NotTo(HaveOccurred())

		testServer = httptest.NewServer(server.Handler())
	})

	AfterEach(func() {
		testServer.Close()
	})

	getJSON := func(path string, out any) int {
		resp, err := http.Get(testServer.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()
		if out != nil && resp.StatusCode == http.StatusOK {
			Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
		}
		return resp.StatusCode
	}

	postJSON := func(path string, body any) *http.Response {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		resp, err := http.Post(testServer.URL+path, "application/json", &buf)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Describe("GET /health", func() {
		It("should return ok", func() {
			var body map[string]string
			Expect(getJSON("/health", &body)).To(Equal(http.StatusOK))
			Expect(body).To(HaveKeyWithValue("status", "ok"))
		})
	})

	Describe("GET /api/devices", func() {
		It("should return the cached device list", func() {
			var list []model.Device
			Expect(getJSON("/api/devices", &list)).To(Equal(http.StatusOK))
			Expect(list).To(HaveLen(1))
			Expect(list[0].ID).To(Equal("dev-1"))
		})
	})

	Describe("GET /api/devices/{id}", func() {
		It("should return one device", func() {
			var device model.Device
			Expect(getJSON("/api/devices/dev-1", &device)).To(Equal(http.StatusOK))
			Expect(device.Name).To(Equal("Pump"))
		})

		It("should return 404 for unknown devices", func() {
			Expect(getJSON("/api/devices/missing", nil)).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/devices/{id}/telemetry", func() {
		It("should return the telemetry ring", func() {
			cache.Record(model.TelemetrySnapshot{
				DeviceID: "dev-1",
				Metrics:  map[string]float64{"temperature": 20},
			})

			var history []model.TelemetrySnapshot
			Expect(getJSON("/api/devices/dev-1/telemetry", &history)).To(Equal(http.StatusOK))
			Expect(history).To(HaveLen(1))
		})
	})

	Describe("GET /api/connection", func() {
		It("should report the transport state", func() {
			var body map[string]string
			Expect(getJSON("/api/connection", &body)).To(Equal(http.StatusOK))
			Expect(body["state"]).To(Equal(string(model.StateDisconnected)))
		})
	})

	Describe("POST /api/devices/{id}/status", func() {
		It("should confirm the update and return the record", func() {
			resp := postJSON("/api/devices/dev-1/status", map[string]string{"status": "OFFLINE"})
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			got, _ := cache.Get("dev-1")
			Expect(got.Status).To(Equal(model.StatusOffline))
		})

		It("should reject an invalid status", func() {
			resp := postJSON("/api/devices/dev-1/status", map[string]string{"status": "SLEEPING"})
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("should return 404 for unknown devices", func() {
			resp := postJSON("/api/devices/missing/status", map[string]string{"status": "OFFLINE"})
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should revert the cache when the directory write fails", func() {
			devices.mu.Lock()
			devices.updateErr = errors.New("directory down")
			devices.mu.Unlock()

			resp := postJSON("/api/devices/dev-1/status", map[string]string{"status": "OFFLINE"})
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))

			got, _ := cache.Get("dev-1")
			Expect(got.Status).To(Equal(model.StatusOnline))
		})
	})

	Describe("notification endpoints", func() {
		BeforeEach(func() {
			Expect(store.Upsert(context.Background(), model.Notification{
				ID:             "n1",
				OrganizationID: "org-1",
				Category:       model.CategoryDeviceOffline,
				Title:          "Device offline",
				Message:        "Pump went offline",
				CreatedAt:      time.Now(),
			})).To(Succeed())
		})

		It("should list notifications", func() {
			var list []model.Notification
			Expect(getJSON("/api/notifications", &list)).To(Equal(http.StatusOK))
			Expect(list).To(HaveLen(1))
			Expect(list[0].ID).To(Equal("n1"))
		})

		It("should report the unread count", func() {
			var body map[string]int
			Expect(getJSON("/api/notifications/unread-count", &body)).To(Equal(http.StatusOK))
			Expect(body["unread"]).To(Equal(1))
		})

		It("should mark one notification read", func() {
			resp := postJSON("/api/notifications/n1/read", nil)
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(store.UnreadCount("org-1", "")).To(BeZero())
		})

		It("should return 404 when marking an unknown notification", func() {
			resp := postJSON("/api/notifications/missing/read", nil)
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should mark all notifications read", func() {
			Expect(store.Upsert(context.Background(), model.Notification{
				ID:             "n2",
				OrganizationID: "org-1",
				Category:       model.CategoryBatteryLow,
				Title:          "Battery low",
				Message:        "Pump battery at 10%",
				CreatedAt:      time.Now(),
			})).To(Succeed())

			resp := postJSON("/api/notifications/read-all", nil)
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(store.UnreadCount("org-1", "")).To(BeZero())
		})
	})

	Describe("POST /api/refresh", func() {
		It("should accept the request", func() {
			resp := postJSON("/api/refresh", nil)
			defer func() { _ = resp.Body.Close() }()
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
		})
	})

	Describe("unknown routes", func() {
		It("should return 404", func() {
			Expect(getJSON(fmt.Sprintf("/api/%s", "bogus"), nil)).To(Equal(http.StatusNotFound))
		})
	})
})
