package app

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/clovoice/internal/config"
)

// SettingsStore persists the settings that can change while running.
// [config.Watcher] is the production implementation; its Save applies the
// result through the watcher callback.
type SettingsStore interface {
	Current() *config.Config
	Save(config.Settings) (config.ConfigDiff, error)
}

// ServeSettings mounts GET and POST /settings on [App.Handler], backed by s.
// It must be called before Handler.
func (a *App) ServeSettings(s SettingsStore) { a.settings = s }

func (a *App) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.SettingsOf(a.settings.Current()))
}

// postSettings applies a partial update: fields left out of the body keep
// their current value.
func (a *App) postSettings(w http.ResponseWriter, r *http.Request) {
	s := config.SettingsOf(a.settings.Current())
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if _, err := a.settings.Save(s); err != nil {
		slog.Warn("app: settings rejected", "err", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, config.SettingsOf(a.settings.Current()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
