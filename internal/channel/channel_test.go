package channel_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	gosync "sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"iotsync.dev/sync-core/internal/channel"
	"iotsync.dev/sync-core/internal/model"
	"iotsync.dev/sync-core/internal/sync"
)

// fakeDirectory is an in-memory DeviceDirectory with a switchable
// failure mode.
type fakeDirectory struct {
	mu      gosync.Mutex
	devices []model.Device
	listErr error
	calls   int
}

func (f *fakeDirectory) setDevices(devices []model.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func (f *fakeDirectory) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *fakeDirectory) listCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDirectory) ListDevices(context.Context, string) ([]model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]model.Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *fakeDirectory) GetDevice(_ context.Context, id string) (model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return model.Device{}, errors.New("not found")
}

func (f *fakeDirectory) UpdateStatus(_ context.Context, id string, status model.DeviceStatus) (model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, d := range f.devices {
		if d.ID == id {
			f.devices[i].Status = status
			return f.devices[i], nil
		}
	}
	return model.Device{}, errors.New("not found")
}

// fakeTransport is a scriptable PushTransport.
type fakeTransport struct {
	connectErr error
	events     chan model.Envelope
	closeOnce  gosync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan model.Envelope, 16)}
}

func (f *fakeTransport) Connect(context.Context) error {
	return f.connectErr
}

func (f *fakeTransport) Events() <-chan model.Envelope {
	return f.events
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

// stateRecorder captures connection-state transitions.
type stateRecorder struct {
	mu     gosync.Mutex
	states []model.ConnectionState
}

func (r *stateRecorder) record(state model.ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) all() []model.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ConnectionState, len(r.states))
	copy(out, r.states)
	return out
}

var _ = Describe("DeliveryChannel", func() {
	var (
		directory *fakeDirectory
		cache     *sync.DeviceCache
		recorder  *stateRecorder
		testLog   *slog.Logger
	)

	newChannel := func(transport channel.PushTransport, callbacks channel.Callbacks) *channel.DeliveryChannel {
		callbacks.OnConnectionStatusChange = recorder.record
		ch, err := channel.New(&channel.Config{
			Logger:         testLog,
			Transport:      transport,
			Devices:        directory,
			Cache:          cache,
			OrgID:          "org-1",
			Callbacks:      callbacks,
			PollInterval:   20 * time.Millisecond,
			ConnectTimeout: 100 * time.Millisecond,
			StopTimeout:    time.Second,
		})
		Expect(err).NotTo(HaveOccurred())
		return ch
	}

	BeforeEach(func() {
		directory = &fakeDirectory{}
		cache = sync.NewDeviceCache(0)
		recorder = &stateRecorder{}
		testLog = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("poll-only mode", func() {
		It("should settle into CONNECTED_POLL without a transport", func() {
			ch := newChannel(nil, channel.Callbacks{})
			defer ch.Stop()

			Expect(ch.Start()).To(Succeed())
			Eventually(ch.State).Should(Equal(model.StateConnectedPoll))
		})

		It("should emit created events discovered by polling", func() {
			var mu gosync.Mutex
			var created []string
			ch := newChannel(nil, channel.Callbacks{
				OnDeviceCreated: func(d model.Device) {
					mu.Lock()
					created = append(created, d.ID)
					mu.Unlock()
				},
			})
			defer ch.Stop()

			Expect(ch.Start()).To(Succeed())
			directory.setDevices([]model.Device{{ID: "a", OrganizationID: "org-1"}})

			Eventually(func() []string {
				mu.Lock()
				defer mu.Unlock()
				out := make([]string, len(created))
				copy(out, created)
				return out
			}).Should(ContainElement("a"))
		})

		It("should emit status changes between poll cycles", func() {
			var mu gosync.Mutex
			var old, current model.DeviceStatus
			directory.setDevices([]model.Device{{ID: "a", Status: model.StatusOnline}})

			ch := newChannel(nil, channel.Callbacks{
				OnDeviceStatusUpdate: func(d model.Device, oldStatus model.DeviceStatus) {
					mu.Lock()
					old, current = oldStatus, d.Status
					mu.Unlock()
				},
			})
			defer ch.Stop()
			Expect(ch.Start()).To(Succeed())

			Eventually(directory.listCalls).Should(BeNumerically(">", 0))
			directory.setDevices([]model.Device{{ID: "a", Status: model.StatusError}})

			Eventually(func() model.DeviceStatus {
				mu.Lock()
				defer mu.Unlock()
				return current
			}).Should(Equal(model.StatusError))
			mu.Lock()
			Expect(old).To(Equal(model.StatusOnline))
			mu.Unlock()
		})

		It("should keep polling through failures and report FAILED after repeats", func() {
			ch := newChannel(nil, channel.Callbacks{})
			defer ch.Stop()
			Expect(ch.Start()).To(Succeed())

			Eventually(ch.State).Should(Equal(model.StateConnectedPoll))
			directory.setListErr(errors.New("directory down"))

			Eventually(ch.State, 2*time.Second).Should(Equal(model.StateFailed))

			// Recovery returns to CONNECTED_POLL.
			directory.setListErr(nil)
			Eventually(ch.State, 2*time.Second).Should(Equal(model.StateConnectedPoll))
		})
	})

	Describe("push mode", func() {
		It("should reach CONNECTED_PUSH and dispatch pushed envelopes", func() {
			transport := newFakeTransport()
			var mu gosync.Mutex
			var created []string
			ch := newChannel(transport, channel.Callbacks{
				OnDeviceCreated: func(d model.Device) {
					mu.Lock()
					created = append(created, d.ID)
					mu.Unlock()
				},
			})
			defer ch.Stop()
			Expect(ch.Start()).To(Succeed())

			Eventually(ch.State).Should(Equal(model.StateConnectedPush))

			transport.events <- model.Envelope{
				Type:   model.EventDeviceCreated,
				Device: &model.Device{ID: "pushed-1"},
			}

			Eventually(func() []string {
				mu.Lock()
				defer mu.Unlock()
				out := make([]string, len(created))
				copy(out, created)
				return out
			}).Should(ContainElement("pushed-1"))

			// Pushed state also lands in the cache.
			_, ok := cache.Get("pushed-1")
			Expect(ok).To(BeTrue())
		})

		It("should record pushed telemetry in the cache", func() {
			transport := newFakeTransport()
			ch := newChannel(transport, channel.Callbacks{})
			defer ch.Stop()
			Expect(ch.Start()).To(Succeed())
			Eventually(ch.State).Should(Equal(model.StateConnectedPush))

			transport.events <- model.Envelope{
				Type: model.EventTelemetry,
				Telemetry: &model.TelemetrySnapshot{
					DeviceID: "a",
					Metrics:  map[string]float64{"temperature": 21},
				},
			}

			Eventually(func() int {
				return len(cache.History("a"))
			}).Should(Equal(1))
		})

		It("should fail over to polling when the connect attempt fails", func() {
			transport := newFakeTransport()
			transport.connectErr = errors.New("broker unreachable")

			ch := newChannel(transport, channel.Callbacks{})
			defer ch.Stop()
			Expect(ch.Start()).To(Succeed())

			Eventually(ch.State).Should(Equal(model.StateConnectedPoll))
			Expect(recorder.all()).To(ContainElement(model.StateConnecting))
		})

		It("should fail over to polling when the push stream drops", func() {
			transport := newFakeTransport()
			ch := newChannel(transport, channel.Callbacks{})
			defer ch.Stop()
			Expect(ch.Start()).To(Succeed())
			Eventually(ch.State).Should(Equal(model.StateConnectedPush))

			_ = transport.Close()

			Eventually(ch.State).Should(Equal(model.StateConnectedPoll))
			Eventually(directory.listCalls).Should(BeNumerically(">", 1))
		})
	})

	Describe("Refresh", func() {
		It("should trigger an immediate poll cycle", func() {
			ch := newChannel(nil, channel.Callbacks{})
			defer ch.Stop()
			Expect(ch.Start()).To(Succeed())
			Eventually(ch.State).Should(Equal(model.StateConnectedPoll))

			before := directory.listCalls()
			ch.Refresh()
			Eventually(directory.listCalls).Should(BeNumerically(">", before))
		})

		It("should coalesce while nobody is listening", func() {
			ch := newChannel(nil, channel.Callbacks{})
			// Not started: repeated refreshes must not block.
			for i := 0; i < 10; i++ {
				ch.Refresh()
			}
			ch.Stop()
		})
	})

	Describe("Stop", func() {
		It("should transition to DISCONNECTED and be idempotent", func() {
			ch := newChannel(nil, channel.Callbacks{})
			Expect(ch.Start()).To(Succeed())
			Eventually(ch.State).Should(Equal(model.StateConnectedPoll))

			ch.Stop()
			Expect(ch.State()).To(Equal(model.StateDisconnected))

			done := make(chan struct{})
			go func() {
				defer close(done)
				ch.Stop()
			}()
			Eventually(done).Should(BeClosed())
		})

		It("should be safe before Start", func() {
			ch := newChannel(nil, channel.Callbacks{})
			ch.Stop()
			Expect(ch.State()).To(Equal(model.StateDisconnected))
		})

		It("should be safe to call from a state observer", func() {
			var ch *channel.DeliveryChannel
			var once gosync.Once
			stopped := make(chan struct{})

			// Stop the channel the moment polling starts.
			ch, err := channel.New(&channel.Config{
				Logger:  testLog,
				Devices: directory,
				Cache:   cache,
				OrgID:   "org-1",
				Callbacks: channel.Callbacks{
					OnConnectionStatusChange: func(state model.ConnectionState) {
						if state == model.StateConnectedPoll {
							once.Do(func() {
								go func() {
									defer close(stopped)
									ch.Stop()
								}()
							})
						}
					},
				},
				PollInterval:   20 * time.Millisecond,
				ConnectTimeout: 100 * time.Millisecond,
				StopTimeout:    time.Second,
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(ch.Start()).To(Succeed())
			Eventually(stopped, 5*time.Second).Should(BeClosed())
		})
	})
})
