package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/tpaulabs/signalscope/api/config"
)

var (
	// BuildVersion, BuildCommit, BuildDate are set from main via SetBuildInfo.
	BuildVersion = "dev"
	BuildCommit  = "none"
	BuildDate    = "unknown"
)

// SetBuildInfo sets the build info from ldflags values in main.
func SetBuildInfo(version, commit, date string) {
	BuildVersion = version
	BuildCommit = commit
	BuildDate = date
}

// VersionResponse contains the API build version info.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// GetVersion returns the current build version info.
func GetVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(VersionResponse{
		Version: BuildVersion,
		Commit:  BuildCommit,
		Date:    BuildDate,
	})
}

// ConfigResponse carries the dashboard constants the frontend needs.
type ConfigResponse struct {
	MaxLegendEntities            int    `json:"max_legend_entities"`
	MaxBeforeAfterLegendEntities int    `json:"max_before_after_legend_entities"`
	DefaultWindowStartHour       int    `json:"default_window_start_hour"`
	DefaultWindowEndHour         int    `json:"default_window_end_hour"`
	Timezone                     string `json:"timezone"`
}

// GetConfig returns the dashboard constants.
func GetConfig(w http.ResponseWriter, r *http.Request) {
	app := config.App()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ConfigResponse{
		MaxLegendEntities:            app.MaxLegendEntities,
		MaxBeforeAfterLegendEntities: app.MaxBeforeAfterLegendEntities,
		DefaultWindowStartHour:       app.DefaultWindowStartHour,
		DefaultWindowEndHour:         app.DefaultWindowEndHour,
		Timezone:                     app.Timezone,
	})
}
