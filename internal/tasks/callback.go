package tasks

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/copyleftdev/profilepool/internal/taskstypes"
	"go.uber.org/zap"
)

// notifyCallback POSTs the final snapshot to url. Failures are only logged.
func (m *Manager) notifyCallback(url string, snap taskstypes.Snapshot, logger *zap.Logger) {
	logger.Info("Sending callback notification", zap.String("url", url))

	payload, err := json.Marshal(snap)
	if err != nil {
		logger.Error("Error marshaling task snapshot for callback", zap.Error(err))
		return
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		logger.Error("Error creating callback request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		logger.Warn("Error sending callback", zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		logger.Info("Callback notification sent", zap.String("status", resp.Status))
	} else {
		logger.Warn("Callback notification rejected", zap.String("status", resp.Status))
	}
}
