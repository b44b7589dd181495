package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushDispatcher delivers over the client's websocket when one is
// connected and falls back to posting the payload to a provider
// endpoint (driver app backend) otherwise.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) Offer(driverID string, offer models.MatchOffer) error {
	if p.WS != nil {
		err := p.WS.Offer(driverID, offer)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	return p.post(map[string]any{"driver_id": driverID, "event": "match_offer", "offer": offer})
}

func (p *PushDispatcher) Notify(clientID string, event any) error {
	if p.WS != nil {
		err := p.WS.Notify(clientID, event)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	return p.post(map[string]any{"client_id": clientID, "event": event})
}

func (p *PushDispatcher) post(payload any) error {
	if p.Endpoint == "" {
		return ErrNoSession
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("push endpoint returned " + resp.Status)
	}
	return nil
}
