// SPDX-License-Identifier: MIT

package connector

import "encoding/json"

// Kind identifies the upstream service flavour.
type Kind string

const (
	KindSonarr   Kind = "sonarr"
	KindRadarr   Kind = "radarr"
	KindWhisparr Kind = "whisparr"
)

// SystemStatus is the /api/v3/system/status payload subset the operator uses.
type SystemStatus struct {
	AppName string `json:"appName"`
	Version string `json:"version"`
}

// HealthItem is one entry of the /api/v3/health array.
type HealthItem struct {
	Source  string `json:"source"`
	Type    string `json:"type"` // ok, notice, warning, error
	Message string `json:"message"`
}

// HasErrors reports whether any item in the health array is an error.
func HasErrors(items []HealthItem) bool {
	for _, it := range items {
		if it.Type == "error" {
			return true
		}
	}
	return false
}

// QualityModel is the nested quality descriptor attached to wanted records.
type QualityModel struct {
	Quality  QualityDef      `json:"quality"`
	Revision QualityRevision `json:"revision"`
}

// QualityDef names a concrete quality.
type QualityDef struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Source     string `json:"source,omitempty"`
	Resolution int    `json:"resolution,omitempty"`
}

// QualityRevision carries the proper/repack counters.
type QualityRevision struct {
	Version  int  `json:"version"`
	Real     int  `json:"real"`
	IsRepack bool `json:"isRepack"`
}

// WantedEpisode is one record of the episode wanted endpoints.
type WantedEpisode struct {
	ID            int64  `json:"id"`
	SeriesID      int64  `json:"seriesId"`
	SeasonNumber  int    `json:"seasonNumber"`
	EpisodeNumber int    `json:"episodeNumber"`
	Title         string `json:"title"`
	AirDateUTC    string `json:"airDateUtc"`
	HasFile       bool   `json:"hasFile"`
	Monitored     bool   `json:"monitored"`
	// Upstream emits both bool and null for this field; nullable is the
	// normalised shape.
	QualityCutoffNotMet *bool `json:"qualityCutoffNotMet"`
}

// WantedMovie is one record of the movie wanted endpoints.
type WantedMovie struct {
	ID                  int64  `json:"id"`
	Title               string `json:"title"`
	HasFile             bool   `json:"hasFile"`
	Monitored           bool   `json:"monitored"`
	QualityCutoffNotMet *bool  `json:"qualityCutoffNotMet"`
}

// PagedResponse is the upstream pagination envelope. Records stay raw so the
// lenient fetch path can skip malformed entries one by one.
type PagedResponse struct {
	Page          int               `json:"page"`
	PageSize      int               `json:"pageSize"`
	SortKey       string            `json:"sortKey"`
	SortDirection string            `json:"sortDirection"`
	TotalRecords  int               `json:"totalRecords"`
	Records       []json.RawMessage `json:"records"`
}

// CommandResponse is the /api/v3/command acknowledgement.
type CommandResponse struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"` // queued, started, completed, failed
}

// Command is an outbound search command. The concrete types form a closed
// union; Name is the upstream command name and Body its JSON payload.
type Command interface {
	Name() string
	Body() map[string]any
}

// EpisodeSearch requests a search for specific episodes of one series.
type EpisodeSearch struct {
	SeriesID   int64
	EpisodeIDs []int64
}

func (c EpisodeSearch) Name() string { return "EpisodeSearch" }

func (c EpisodeSearch) Body() map[string]any {
	return map[string]any{"episodeIds": c.EpisodeIDs}
}

// SeasonSearch requests a season-pack search.
type SeasonSearch struct {
	SeriesID     int64
	SeasonNumber int
}

func (c SeasonSearch) Name() string { return "SeasonSearch" }

func (c SeasonSearch) Body() map[string]any {
	return map[string]any{"seriesId": c.SeriesID, "seasonNumber": c.SeasonNumber}
}

// MoviesSearch requests a search for a set of movies.
type MoviesSearch struct {
	MovieIDs []int64
}

func (c MoviesSearch) Name() string { return "MoviesSearch" }

func (c MoviesSearch) Body() map[string]any {
	return map[string]any{"movieIds": c.MovieIDs}
}

// encodeCommand builds the POST body for a command.
func encodeCommand(cmd Command) map[string]any {
	body := map[string]any{"name": cmd.Name()}
	for k, v := range cmd.Body() {
		body[k] = v
	}
	return body
}

// ItemCount returns the number of content items a command covers. Season
// packs count as one upstream request but cover a whole season.
func ItemCount(cmd Command) int {
	switch c := cmd.(type) {
	case EpisodeSearch:
		return len(c.EpisodeIDs)
	case MoviesSearch:
		return len(c.MovieIDs)
	default:
		return 1
	}
}
