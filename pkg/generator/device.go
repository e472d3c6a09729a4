// Package generator produces synthetic device fleets and telemetry for
// the simulator. Readings follow correlated daily waveforms rather than
// pure noise so that threshold rules fire the way they would against a
// real fleet.
package generator

import (
	"math"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"iotsync.dev/sync-core/internal/model"
)

var (
	deviceTypes = []string{"sensor", "camera", "gateway", "controller", "meter"}
	protocols   = []string{"mqtt", "modbus", "opcua", "http"}
)

// deviceSeed is the fake-taggable shape behind NewDevice.
type deviceSeed struct {
	ID       string `fake:"{uuid}"`
	Name     string `fake:"{appname}"`
	Location string `fake:"{city}, {state}"`
}

// NewDevice returns a synthetic device owned by the organization.
// Note: Uses math/rand throughout; weak random is acceptable for
// simulation data.
func NewDevice(orgID string) model.Device {
	var seed deviceSeed
	if err := gofakeit.Struct(&seed); err != nil {
		seed.ID = gofakeit.UUID()
		seed.Name = gofakeit.AppName()
		seed.Location = gofakeit.City()
	}

	now := time.Now()
	return model.Device{
		ID:             seed.ID,
		Name:           seed.Name,
		Type:           deviceTypes[rand.Intn(len(deviceTypes))], // #nosec G404
		Status:         model.StatusOnline,
		Location:       seed.Location,
		Protocol:       protocols[rand.Intn(len(protocols))], // #nosec G404
		OrganizationID: orgID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TelemetryGenerator produces correlated readings for one device.
type TelemetryGenerator struct {
	deviceID         string
	baselineTemp     float64
	baselineHumidity float64
	baselinePressure float64
	noise            float64
	pressureTrend    float64 // Simulates weather system movement
	lastPressure     float64
	battery          float64
}

// NewTelemetryGenerator creates a generator with randomized baselines
// so a fleet does not move in lockstep.
func NewTelemetryGenerator(deviceID string) *TelemetryGenerator {
	return &TelemetryGenerator{
		deviceID:         deviceID,
		baselineTemp:     20.0 + rand.Float64()*10,         // 20-30°C
		baselineHumidity: 50.0 + rand.Float64()*20,         // 50-70%
		baselinePressure: 1013.0 + (rand.Float64()-0.5)*20, // 1003-1023 hPa
		noise:            rand.Float64() * 2,
		pressureTrend:    (rand.Float64() - 0.5) * 0.5, // Slow trend
		lastPressure:     1013.0,
		battery:          95 + rand.Float64()*5,
	}
}

// temperature follows a daily cycle with occasional anomaly spikes.
func (g *TelemetryGenerator) temperature(t time.Time) float64 {
	hour := float64(t.Hour())

	// Daily cycle (peak around 2-3 PM)
	dailyCycle := 5 * math.Sin((hour-6)*math.Pi/12)

	noise := (rand.Float64() - 0.5) * g.noise

	// Occasional anomalies (5% chance) are what exercise threshold
	// rules during simulation.
	anomaly := 0.0
	if rand.Float64() < 0.05 {
		anomaly = (rand.Float64() - 0.5) * 15 // ±7.5°C spike
	}

	return g.baselineTemp + dailyCycle + noise + anomaly
}

// humidity is inversely correlated with temperature.
func (g *TelemetryGenerator) humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())

	// Daily cycle (inverse of temperature, higher at night)
	dailyCycle := -3 * math.Sin((hour-6)*math.Pi/12)

	// When temp is higher than baseline, humidity tends to be lower
	tempEffect := -(temperature - g.baselineTemp) * 1.5

	noise := (rand.Float64() - 0.5) * g.noise * 0.5

	// Slow weather pattern (weekly cycle)
	weatherPattern := 10 * math.Sin(float64(t.Unix())/(86400*7))

	// Occasional anomalies (rain, etc.) - 3% chance
	anomaly := 0.0
	if rand.Float64() < 0.03 {
		anomaly = rand.Float64() * 20
	}

	humidity := g.baselineHumidity + dailyCycle + tempEffect + noise + weatherPattern + anomaly

	// Clamp between realistic bounds (20-95%)
	return math.Max(20, math.Min(95, humidity))
}

// pressure trends slowly, with occasional weather fronts.
func (g *TelemetryGenerator) pressure(t time.Time) float64 {
	randomChange := (rand.Float64() - 0.5) * 0.5
	trendChange := g.pressureTrend

	// Occasionally reverse trend (10% chance)
	if rand.Float64() < 0.1 {
		g.pressureTrend = -g.pressureTrend + (rand.Float64()-0.5)*0.2
	}

	// Multi-day seasonal pattern plus a subtle diurnal cycle
	dayOfYear := float64(t.YearDay())
	seasonalPattern := 5 * math.Sin(dayOfYear*2*math.Pi/365)
	hour := float64(t.Hour())
	diurnalCycle := 0.5 * math.Sin((hour-3)*math.Pi/12)

	newPressure := g.lastPressure + randomChange + trendChange + diurnalCycle*0.1
	newPressure = g.baselinePressure + (newPressure-g.baselinePressure)*0.7 + seasonalPattern

	// Clamp to realistic bounds (980-1040 hPa)
	newPressure = math.Max(980, math.Min(1040, newPressure))

	// Occasional weather front (rapid pressure change) - 2% chance
	if rand.Float64() < 0.02 {
		frontChange := (rand.Float64() - 0.5) * 10 // ±5 hPa
		newPressure += frontChange
		g.pressureTrend = frontChange * 0.3
	}

	g.lastPressure = newPressure
	return newPressure
}

// Generate produces one correlated snapshot at time t.
func (g *TelemetryGenerator) Generate(t time.Time) model.TelemetrySnapshot {
	temperature := g.temperature(t)
	humidity := g.humidity(t, temperature)
	pressure := g.pressure(t)

	// Battery drains slowly with small random variation.
	g.battery -= rand.Float64() * 0.05
	g.battery = math.Max(5, g.battery)

	return model.TelemetrySnapshot{
		DeviceID:  g.deviceID,
		Timestamp: t,
		Metrics: map[string]float64{
			"temperature":   math.Round(temperature*100) / 100,
			"humidity":      math.Round(humidity*100) / 100,
			"pressure":      math.Round(pressure*100) / 100,
			"battery_level": math.Round(g.battery*10) / 10,
		},
	}
}

// NextStatus rolls for a status flap: mostly stable, with occasional
// WARNING and rare OFFLINE excursions that recover on a later roll.
func NextStatus(current model.DeviceStatus) model.DeviceStatus {
	roll := rand.Float64()
	switch current {
	case model.StatusOnline:
		switch {
		case roll < 0.02:
			return model.StatusOffline
		case roll < 0.06:
			return model.StatusWarning
		}
	case model.StatusWarning:
		switch {
		case roll < 0.40:
			return model.StatusOnline
		case roll < 0.45:
			return model.StatusError
		}
	case model.StatusOffline, model.StatusError:
		if roll < 0.30 {
			return model.StatusOnline
		}
	}
	return current
}
