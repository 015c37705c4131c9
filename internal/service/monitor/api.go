package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"lxmf_group/internal/service/relay"
)

type (
	// API talks to the admin API of a running group.
	API struct {
		host string
		http *http.Client
	}
)

func NewAPI(host string) *API {
	return &API{
		host: host,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *API) url(scheme, path string) string {
	u := url.URL{
		Scheme: scheme,
		Host:   a.host,
		Path:   path,
	}
	return u.String()
}

func (a *API) Status(ctx context.Context) (*relay.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url("http", "/status"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("status: %s", resp.Status)
	}
	var st relay.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Post calls one of the action endpoints and returns the response body.
func (a *API) Post(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url("http", path), nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%s: %s %s", path, resp.Status, body)
	}
	return string(body), nil
}

func (a *API) Events(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url("ws", "/events"), nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
