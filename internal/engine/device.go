package engine

import (
	"context"
	"runtime"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/sessionsync/internal/event"
	"github.com/gyaneshwarpardhi/sessionsync/internal/medium"
	"github.com/gyaneshwarpardhi/sessionsync/internal/storage"
)

const (
	deviceBlobKey     = "device"
	installationIDKey = "installation_id"
)

// LoadDeviceContext returns the attributes stamped on every new session. The
// installation ID is created on first use and kept in m from then on.
func LoadDeviceContext(ctx context.Context, m medium.Medium, appVersion string) (map[string]event.Value, error) {
	prefs := storage.New[string](m, nil, storage.Options{BlobKey: deviceBlobKey})

	id, ok, err := prefs.Read(ctx, installationIDKey, storage.DeleteOnError())
	if err != nil {
		return nil, err
	}
	if !ok || id == "" {
		id = uuid.NewString()
		if err := prefs.Write(ctx, installationIDKey, &id); err != nil {
			return nil, err
		}
	}

	device := map[string]event.Value{
		installationIDKey: event.String(id),
		"os":              event.String(runtime.GOOS),
		"arch":            event.String(runtime.GOARCH),
		"runtime":         event.String(runtime.Version()),
	}
	if appVersion != "" {
		device["app_version"] = event.String(appVersion)
	}
	return device, nil
}
