package sl

import (
	"log/slog"
)

func Err(err error) slog.Attr {
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

func Camera(cameraID string) slog.Attr {
	return slog.String("camera_id", cameraID)
}
