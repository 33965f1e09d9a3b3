package cfspeed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	tracePath     = "/cdn-cgi/trace"
	locationsPath = "/locations"

	metadataNotAvailable = "N/A"
)

type Location struct {
	IATA string `json:"iata"`
	City string `json:"city"`
}

func fetchBody(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrap(ErrUnexpectedStatus, resp.Status)
	}

	return io.ReadAll(resp.Body)
}

// parseTrace reads the key=value lines of a trace response; lines without '=' are dropped.
func parseTrace(text string) map[string]string {
	ret := map[string]string{}

	for _, line := range strings.Split(text, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found || key == "" {
			continue
		}
		ret[key] = value
	}

	return ret
}

func parseLocations(data []byte) (map[string]string, error) {
	locations := []Location{}
	if err := json.Unmarshal(data, &locations); err != nil {
		return nil, err
	}

	ret := map[string]string{}
	for _, location := range locations {
		ret[location.IATA] = location.City
	}

	return ret, nil
}

// FetchMeasurementMetadata looks up the client address and the serving colo and its city.
func FetchMeasurementMetadata(ctx context.Context, client *http.Client, baseURL string) (*MeasurementMetadata, error) {
	var trace, cities map[string]string

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		body, err := fetchBody(groupCtx, client, baseURL+tracePath)
		if err != nil {
			return errors.Wrap(err, "could not fetch trace")
		}
		trace = parseTrace(string(body))
		return nil
	})
	group.Go(func() error {
		body, err := fetchBody(groupCtx, client, baseURL+locationsPath)
		if err != nil {
			return errors.Wrap(err, "could not fetch locations")
		}
		cities, err = parseLocations(body)
		return errors.Wrap(err, "could not parse locations")
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	city := cities[trace["colo"]]
	if city == "" {
		city = metadataNotAvailable
	}

	return &MeasurementMetadata{
		ClientIP:  trace["ip"],
		ClientLoc: trace["loc"],
		Colo:      trace["colo"],
		City:      city,
	}, nil
}
