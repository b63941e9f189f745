package energy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticOffset(t *testing.T) {
	src := StaticOffset{Watts: 480}
	gen, err := src.Generation()
	require.NoError(t, err)
	assert.Equal(t, 0.0, gen)

	cons, err := src.Consumption()
	require.NoError(t, err)
	assert.Equal(t, 480.0, cons)
}

func TestHASS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer token123", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/states/sensor.solar":
			w.Write([]byte(`{"state":"5250.5"}`))
		case "/api/states/sensor.load":
			w.Write([]byte(`{"state":"unavailable"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := NewHASS(HASSConfig{
		BaseURL:           srv.URL,
		Token:             "token123",
		GenerationEntity:  "sensor.solar",
		ConsumptionEntity: "sensor.load",
	})

	gen, err := h.Generation()
	require.NoError(t, err)
	assert.Equal(t, 5250.5, gen)

	_, err = h.Consumption()
	assert.Error(t, err, "a booting sensor reports a non-numeric state")
}

func TestFronius(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/solar_api/v1/GetPowerFlowRealtimeData.fcgi", r.URL.Path)
		w.Write([]byte(`{"Body":{"Data":{"Site":{"P_PV":6400,"P_Load":-1850.5}}}}`))
	}))
	defer srv.Close()

	f := NewFronius(FroniusConfig{BaseURL: srv.URL})

	gen, err := f.Generation()
	require.NoError(t, err)
	assert.Equal(t, 6400.0, gen)

	cons, err := f.Consumption()
	require.NoError(t, err)
	assert.Equal(t, 1850.5, cons, "P_Load is negative while consuming")
}
