package energy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Fronius reads the powerflow snapshot from a Fronius inverter's Solar API.
// P_PV is generation; P_Load is site consumption (negative when consuming,
// per the API's sign convention).
type Fronius struct {
	baseURL string
	client  *http.Client
}

// FroniusConfig holds connection configuration for the Fronius provider.
type FroniusConfig struct {
	BaseURL string `yaml:"base_url" json:"baseUrl"`
}

// NewFronius creates a Fronius telemetry provider.
func NewFronius(cfg FroniusConfig) *Fronius {
	return &Fronius{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (f *Fronius) Name() string { return "Fronius" }

func (f *Fronius) Generation() (float64, error) {
	site, err := f.powerflow()
	if err != nil {
		return 0, err
	}
	return site.PPV, nil
}

func (f *Fronius) Consumption() (float64, error) {
	site, err := f.powerflow()
	if err != nil {
		return 0, err
	}
	if site.PLoad < 0 {
		return -site.PLoad, nil
	}
	return 0, nil
}

type froniusSite struct {
	PPV   float64 `json:"P_PV"`
	PLoad float64 `json:"P_Load"`
}

func (f *Fronius) powerflow() (*froniusSite, error) {
	resp, err := f.client.Get(f.baseURL + "/solar_api/v1/GetPowerFlowRealtimeData.fcgi")
	if err != nil {
		return nil, fmt.Errorf("energy: fronius: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("energy: fronius: status %s", resp.Status)
	}

	var payload struct {
		Body struct {
			Data struct {
				Site froniusSite `json:"Site"`
			} `json:"Data"`
		} `json:"Body"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("energy: fronius: %w", err)
	}
	return &payload.Body.Data.Site, nil
}
