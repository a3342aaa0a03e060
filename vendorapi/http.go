// Copyright 2025 The Vaultsync Authors
// This file is part of Vaultsync.
//
// Vaultsync is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Vaultsync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Vaultsync. If not, see <http://www.gnu.org/licenses/>.

package vendorapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/vaultsync/vaultsync/ctlplane"
)

// extract type names on the vendor wire.
var wireExtractType = map[ctlplane.LoadType]string{
	ctlplane.LoadIncr: "incremental_directdata",
	ctlplane.LoadLog:  "log_directdata",
	ctlplane.LoadFull: "full_directdata",
}

// HTTPClient talks to the vendor's Direct Data file API. Transient HTTP
// failures retry inside the client; the producer only sees the final
// outcome.
type HTTPClient struct {
	base  *url.URL
	token string
	http  *retryablehttp.Client
}

func NewHTTPClient(baseURL, token string) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "vendor api url %q", baseURL)
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	return &HTTPClient{base: u, token: token, http: rc}, nil
}

type listResponse struct {
	Data []struct {
		ExtractType string `json:"extract_type"`
		StopTime    string `json:"stop_time"`
		RecordCount int64  `json:"record_count"`
		Fileparts   []struct {
			Name string `json:"name"`
			Size int64  `json:"size"`
		} `json:"fileparts"`
	} `json:"data"`
}

func (c *HTTPClient) ListWindows(ctx context.Context, lt ctlplane.LoadType, from, to time.Time) ([]WindowDescriptor, error) {
	q := url.Values{}
	q.Set("extract_type", wireExtractType[lt])
	if !from.IsZero() {
		q.Set("start_time", from.UTC().Format(time.RFC3339))
	}
	q.Set("stop_time", to.UTC().Format(time.RFC3339))

	u := *c.base
	u.Path = u.Path + "/services/directdata/files"
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp listResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, errors.Wrap(err, "decode window list")
	}

	out := make([]WindowDescriptor, 0, len(resp.Data))
	for _, item := range resp.Data {
		stop, err := time.Parse(time.RFC3339, item.StopTime)
		if err != nil {
			return nil, errors.Wrapf(err, "stop_time %q", item.StopTime)
		}
		wd := WindowDescriptor{
			LoadType:    lt,
			LogicalTime: stop.UTC(),
			RecordCount: item.RecordCount,
		}
		if (!from.IsZero() && !wd.LogicalTime.After(from)) || wd.LogicalTime.After(to) {
			continue
		}
		for _, p := range item.Fileparts {
			wd.Parts = append(wd.Parts, Part{Name: p.Name, Size: p.Size})
		}
		out = append(out, wd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalTime.Before(out[j].LogicalTime) })
	return out, nil
}

func (c *HTTPClient) FetchPart(ctx context.Context, wd WindowDescriptor, part Part) (io.ReadCloser, error) {
	u := *c.base
	u.Path = u.Path + "/services/directdata/files/" + url.PathEscape(part.Name)
	return c.get(ctx, u.String())
}

func (c *HTTPClient) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Authorization", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", rawURL)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("GET %s: HTTP %d", rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

var _ Client = (*HTTPClient)(nil)
