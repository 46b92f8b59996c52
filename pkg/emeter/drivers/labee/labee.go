// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package labee polls a datacenter power-meter REST endpoint (the "Labee"
// metering service) for per-node instantaneous power, matched against
// the local host's name from the endpoint's node list.
package labee

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/antimetal/emeter/pkg/emeter"
	"github.com/antimetal/emeter/pkg/emeter/config"
	"github.com/antimetal/emeter/pkg/emerr"
)

func init() {
	emeter.Register(emeter.DeviceLabee, func(logger logr.Logger) emeter.Driver {
		return New(logger)
	})
}

// nodeList is the XML document returned by the endpoint's node-listing
// resource: a flat list of known node names.
type nodeList struct {
	XMLName xml.Name `xml:"nodes"`
	Nodes   []struct {
		Name string `xml:"name,attr"`
	} `xml:"node"`
}

// powerReading is the XML document returned when polling one node's
// instantaneous power.
type powerReading struct {
	XMLName xml.Name `xml:"power"`
	Watts   float64  `xml:"watts"`
}

// Driver polls Labee's REST endpoint for one node's instantaneous power.
type Driver struct {
	emeter.BaseDriver

	client   *http.Client
	baseURL  string
	username string
	password string
	nodeName string
}

var _ emeter.Driver = (*Driver)(nil)

// New constructs an uninitialized Labee driver.
func New(logger logr.Logger) *Driver {
	props := emeter.DataProperties{
		TimeFactor:   emeter.FactorNano,
		EnergyFactor: emeter.FactorNone,
		PowerFactor:  emeter.FactorNone,
		PowerField:   1,
	}
	return &Driver{
		BaseDriver: emeter.NewBaseDriver("labee", emeter.DeviceLabee, props, logger),
		client:     &http.Client{Timeout: 500 * time.Millisecond},
	}
}

// Init resolves the local hostname against the endpoint's node list,
// registering exactly one device if a match is found.
func (d *Driver) Init(ctx context.Context, cfg config.DriverConfig) error {
	if len(cfg.Devices) == 0 {
		return emerr.New(emerr.KindUnsupportedHardware, "labee.Init", "no Labee endpoint configured")
	}
	dc := cfg.Devices[0]
	d.baseURL = fmt.Sprintf("http://%s:%d", dc.Host, dc.Port)
	d.username = dc.Username
	d.password = dc.Password

	hostname, err := os.Hostname()
	if err != nil {
		return emerr.Wrap(emerr.KindUnknown, "labee.Init", err)
	}

	nodes, err := d.fetchNodeList(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, n := range nodes.Nodes {
		if n.Name == hostname {
			found = true
			break
		}
	}
	if !found {
		return emerr.New(emerr.KindUnsupportedHardware, "labee.Init", "local host not present in node list")
	}
	d.nodeName = hostname

	props := d.DefaultProperties()
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = config.DefaultSamplingInterval
	}
	props.SamplingInterval = cfg.SamplingInterval.Nanoseconds()
	d.SetProperties(props)

	d.AddDevice()
	return nil
}

func (d *Driver) fetchNodeList(ctx context.Context) (*nodeList, error) {
	var result *nodeList
	op := func() (*nodeList, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/nodes", nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if d.username != "" {
			req.SetBasicAuth(d.username, d.password)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, emerr.MarkRetryable(err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, emerr.MarkRetryable(err)
		}
		var nl nodeList
		if err := xml.Unmarshal(body, &nl); err != nil {
			return nil, backoff.Permanent(err)
		}
		return &nl, nil
	}
	result, err := backoff.Retry(ctx, op, backoff.WithMaxTries(3))
	if err != nil {
		return nil, emerr.Wrap(emerr.KindNetworkError, "labee.fetchNodeList", err)
	}
	return result, nil
}

// Shutdown is a no-op: the HTTP client holds no persistent connection
// that needs explicit release.
func (d *Driver) Shutdown(ctx context.Context) error { return nil }

// Measure polls the endpoint for this node's current instantaneous
// power, in watts, carried as a fixed-point value (PowerFactor is None:
// the XML already reports whole watts as a float, truncated toward zero
// here since samples are stored as uint64).
func (d *Driver) Measure(ctx context.Context, deviceIndex int, out []uint64) error {
	if deviceIndex != 0 {
		return emerr.New(emerr.KindInvalidParameter, "labee.Measure", "device index out of range")
	}

	url := fmt.Sprintf("%s/nodes/%s/power", d.baseURL, d.nodeName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return emerr.Wrap(emerr.KindUnknown, "labee.Measure", err)
	}
	if d.username != "" {
		req.SetBasicAuth(d.username, d.password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return emerr.Wrap(emerr.KindNetworkError, "labee.Measure", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return emerr.Wrap(emerr.KindNetworkError, "labee.Measure", err)
	}

	var reading powerReading
	if err := xml.Unmarshal(body, &reading); err != nil {
		return emerr.Wrap(emerr.KindParseError, "labee.Measure", err)
	}

	out[0] = uint64(reading.Watts)
	return nil
}
