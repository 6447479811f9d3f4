package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/logcast/internal/domain"
	apperrors "github.com/pscheid92/logcast/internal/platform/errors"
)

// channelEntry is one element of the discovery list consumed by the viewer grid.
type channelEntry struct {
	Path        string `json:"path"`
	ProcessName string `json:"process_name"`
}

type channelDetail struct {
	channelEntry
	Key      string `json:"key"`
	Viewers  int    `json:"viewers"`
	Buffered int    `json:"buffered"`
}

func viewerPath(key domain.ChannelKey) string {
	return "/ws/" + key
}

func (s *Server) handleListChannels(c echo.Context) error {
	infos := s.channels.List()

	entries := make([]channelEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, channelEntry{Path: viewerPath(info.Key), ProcessName: info.ProducerLabel})
	}

	if err := c.JSON(http.StatusOK, entries); err != nil {
		return fmt.Errorf("failed to write channel list: %w", err)
	}
	return nil
}

func (s *Server) handleGetChannel(c echo.Context) error {
	key, err := domain.ParseChannelKey(c.Param("key"))
	if err != nil {
		return apperrors.ValidationError("invalid channel key").WithField("key", c.Param("key"))
	}

	for _, info := range s.channels.List() {
		if info.Key != key {
			continue
		}
		detail := channelDetail{
			channelEntry: channelEntry{Path: viewerPath(info.Key), ProcessName: info.ProducerLabel},
			Key:          info.Key,
			Viewers:      info.Viewers,
			Buffered:     info.Buffered,
		}
		if err := c.JSON(http.StatusOK, detail); err != nil {
			return fmt.Errorf("failed to write channel: %w", err)
		}
		return nil
	}

	return apperrors.NotFoundError("channel not found").WithField("key", key)
}
