package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"kronoterm_gateway/internal/catalog"
)

func cloudTestDriver(t *testing.T, baseURL string) *CloudDriver {
	t.Helper()
	driver, err := NewCloudDriver(CloudConfig{
		BaseURL:  baseURL,
		Username: "owner",
		Password: "secret",
		Retry:    fastPolicy(2),
	}, zerolog.Nop())
	require.NoError(t, err)
	return driver
}

func requireBasicAuth(t *testing.T, r *http.Request) {
	t.Helper()
	user, pass, ok := r.BasicAuth()
	require.True(t, ok)
	require.Equal(t, "owner", user)
	require.Equal(t, "secret", pass)
}

func TestConnectPrimesSessionOnce(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		requireBasicAuth(t, r)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	driver := cloudTestDriver(t, srv.URL)
	require.NoError(t, driver.Connect(context.Background()))
	require.NoError(t, driver.Connect(context.Background()))
	require.Equal(t, int32(1), hits.Load())

	// Close drops the priming, the next Connect performs a new handshake.
	require.NoError(t, driver.Close())
	require.NoError(t, driver.Connect(context.Background()))
	require.Equal(t, int32(2), hits.Load())
}

func TestConnectSurfacesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	driver := cloudTestDriver(t, srv.URL)
	err := driver.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestReadBatchFetchesGroups(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requireBasicAuth(t, r)
		require.Equal(t, "1", r.URL.Query().Get("TopPage"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("Subpage") {
		case "1":
			w.Write([]byte(`{"SystemData":{"working_function":1}}`))
		case "4":
			w.Write([]byte(`{"TemperaturesAndConfig":{"outdoor_temp":"38.1"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	driver := cloudTestDriver(t, srv.URL)
	defs := []catalog.Definition{
		{Address: 2000, Name: "working_function", Kind: catalog.KindEnum, Access: catalog.AccessRead,
			EnumLabels: map[uint16]string{1: "dhw"}, CloudGroup: "system", CloudKey: "SystemData.working_function"},
		{Address: 2102, Name: "outdoor_temp", Kind: catalog.KindTemperature, Access: catalog.AccessRead,
			CloudGroup: "temperatures", CloudKey: "TemperaturesAndConfig.outdoor_temp"},
	}
	samples, err := driver.ReadBatch(context.Background(), defs)
	require.NoError(t, err)
	require.Equal(t, ScalarSample(1), samples[2000])
	require.Equal(t, ScalarSample(38.1), samples[2102])
}

func TestReadBatchToleratesMissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"SystemData":{}}`))
	}))
	defer srv.Close()

	driver := cloudTestDriver(t, srv.URL)
	defs := []catalog.Definition{
		{Address: 2000, Name: "working_function", Kind: catalog.KindEnum, Access: catalog.AccessRead,
			EnumLabels: map[uint16]string{1: "dhw"}, CloudGroup: "system", CloudKey: "SystemData.working_function"},
	}
	samples, err := driver.ReadBatch(context.Background(), defs)
	require.NoError(t, err)
	require.Empty(t, samples)
}

func TestReadBatchRecoversExpiredSession(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The portal answers the first request of a stale session with its
		// login page and a 200 status.
		if hits.Add(1) == 1 {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte(`<html>login</html>`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"SystemData":{"working_function":1}}`))
	}))
	defer srv.Close()

	driver := cloudTestDriver(t, srv.URL)
	defs := []catalog.Definition{
		{Address: 2000, Name: "working_function", Kind: catalog.KindEnum, Access: catalog.AccessRead,
			EnumLabels: map[uint16]string{1: "dhw"}, CloudGroup: "system", CloudKey: "SystemData.working_function"},
	}
	samples, err := driver.ReadBatch(context.Background(), defs)
	require.NoError(t, err)
	require.Equal(t, ScalarSample(1), samples[2000])
	// Stale request, re-handshake, successful retry.
	require.Equal(t, int32(3), hits.Load())
}

func TestWritePostsFormAndChecksMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		requireBasicAuth(t, r)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "desired_temp", r.PostForm.Get("param_name"))
		require.Equal(t, "45.5", r.PostForm.Get("param_value"))
		require.Equal(t, "9", r.PostForm.Get("page"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"success"}`))
	}))
	defer srv.Close()

	driver := cloudTestDriver(t, srv.URL)
	def := catalog.Definition{
		Address: 2023, Name: "dhw_setpoint", Kind: catalog.KindTemperature, Access: catalog.AccessReadWrite,
		CloudGroup: "dhw", CloudKey: "TapWater.desired_temp",
	}
	require.NoError(t, driver.Write(context.Background(), def, TextSample("45.5")))
}

func TestWriteRejectionIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"refused"}`))
	}))
	defer srv.Close()

	driver := cloudTestDriver(t, srv.URL)
	def := catalog.Definition{
		Address: 2023, Name: "dhw_setpoint", Kind: catalog.KindTemperature, Access: catalog.AccessReadWrite,
		CloudGroup: "dhw", CloudKey: "TapWater.desired_temp",
	}
	err := driver.Write(context.Background(), def, TextSample("45.5"))
	require.ErrorIs(t, err, ErrWriteRejected)
	require.Equal(t, int32(1), hits.Load())
}
