package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// FCMDispatcher posts offers and events as data messages to an FCM
// HTTPv1 endpoint, preferring the client's websocket when one is
// connected. Token lookup is the app backend's problem; we send the
// client id and let it resolve the device.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       *WSRegistry
}

func NewFCMDispatcher(endpoint, key string, ws *WSRegistry) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (f *FCMDispatcher) Offer(driverID string, offer models.MatchOffer) error {
	if f.WS != nil {
		err := f.WS.Offer(driverID, offer)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	return f.send(driverID, map[string]any{"event": "match_offer", "offer": offer})
}

func (f *FCMDispatcher) Notify(clientID string, event any) error {
	if f.WS != nil {
		err := f.WS.Notify(clientID, event)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	return f.send(clientID, event)
}

func (f *FCMDispatcher) send(clientID string, data any) error {
	body := map[string]any{"message": map[string]any{
		"data": map[string]any{"client_id": clientID, "payload": data},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("fcm endpoint returned " + resp.Status)
	}
	return nil
}
