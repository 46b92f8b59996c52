// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package labee

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/emeter/pkg/emeter/config"
)

func testServer(t *testing.T, hostname string, watts float64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<nodes><node name="%s"/><node name="other-host"/></nodes>`, hostname)
	})
	mux.HandleFunc(fmt.Sprintf("/nodes/%s/power", hostname), func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<power><watts>%g</watts></power>`, watts)
	})
	return httptest.NewServer(mux)
}

func devicesForServer(t *testing.T, srv *httptest.Server) []config.DeviceConfig {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return []config.DeviceConfig{{Host: u.Hostname(), Port: port}}
}

func TestInitFindsLocalHostInNodeList(t *testing.T) {
	hostname, err := os.Hostname()
	require.NoError(t, err)

	srv := testServer(t, hostname, 42.5)
	defer srv.Close()

	d := New(logr.Discard())
	cfg := config.DriverConfig{Devices: devicesForServer(t, srv)}
	require.NoError(t, d.Init(context.Background(), cfg))

	require.Len(t, d.Devices(), 1)
	assert.Equal(t, hostname, d.nodeName)
}

func TestInitFailsWhenHostNotInNodeList(t *testing.T) {
	srv := testServer(t, "some-other-host-entirely", 0)
	defer srv.Close()

	d := New(logr.Discard())
	cfg := config.DriverConfig{Devices: devicesForServer(t, srv)}
	err := d.Init(context.Background(), cfg)
	assert.Error(t, err)
}

func TestInitRejectsNoEndpointConfigured(t *testing.T) {
	d := New(logr.Discard())
	err := d.Init(context.Background(), config.DriverConfig{})
	assert.Error(t, err)
}

func TestMeasureParsesWattsFromXML(t *testing.T) {
	hostname, err := os.Hostname()
	require.NoError(t, err)

	srv := testServer(t, hostname, 123.0)
	defer srv.Close()

	d := New(logr.Discard())
	cfg := config.DriverConfig{Devices: devicesForServer(t, srv)}
	require.NoError(t, d.Init(context.Background(), cfg))

	out := make([]uint64, 1)
	require.NoError(t, d.Measure(context.Background(), 0, out))
	assert.Equal(t, uint64(123), out[0])
}
