package energy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// HASS reads generation and consumption watt sensors from a HomeAssistant
// instance's REST API.
type HASS struct {
	baseURL           string
	token             string
	generationEntity  string
	consumptionEntity string
	client            *http.Client
}

// HASSConfig holds connection configuration for the HomeAssistant provider.
type HASSConfig struct {
	BaseURL           string `yaml:"base_url" json:"baseUrl"`
	Token             string `yaml:"token" json:"token"`
	GenerationEntity  string `yaml:"generation_entity" json:"generationEntity"`
	ConsumptionEntity string `yaml:"consumption_entity" json:"consumptionEntity"`
}

// NewHASS creates a HomeAssistant telemetry provider.
func NewHASS(cfg HASSConfig) *HASS {
	return &HASS{
		baseURL:           cfg.BaseURL,
		token:             cfg.Token,
		generationEntity:  cfg.GenerationEntity,
		consumptionEntity: cfg.ConsumptionEntity,
		client:            &http.Client{Timeout: 60 * time.Second},
	}
}

func (h *HASS) Name() string { return "HomeAssistant" }

func (h *HASS) Generation() (float64, error) {
	if h.generationEntity == "" {
		return 0, nil
	}
	return h.sensorWatts(h.generationEntity)
}

func (h *HASS) Consumption() (float64, error) {
	if h.consumptionEntity == "" {
		return 0, nil
	}
	return h.sensorWatts(h.consumptionEntity)
}

func (h *HASS) sensorWatts(entity string) (float64, error) {
	req, err := http.NewRequest(http.MethodGet, h.baseURL+"/api/states/"+entity, nil)
	if err != nil {
		return 0, fmt.Errorf("energy: hass request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("energy: hass %s: %w", entity, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("energy: hass %s: status %s", entity, resp.Status)
	}

	var state struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return 0, fmt.Errorf("energy: hass %s: %w", entity, err)
	}
	w, err := strconv.ParseFloat(state.State, 64)
	if err != nil {
		// Sensors report "unknown"/"unavailable" while booting.
		return 0, fmt.Errorf("energy: hass %s: non-numeric state %q", entity, state.State)
	}
	return w, nil
}
