package connector

import (
	"context"
	"net/http"
	"time"

	"github.com/milkywaybrain/candlesync/internal/config"
)

// REST is for REST API connection.
type REST struct {
	HTTPClient *http.Client
	Cfg        *config.REST
}

// NewREST creates a shared REST connection with configured values.
func NewREST(cfg *config.REST) *REST {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = cfg.MaxIdleConns
	t.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
	client := &http.Client{
		Transport: t,
	}
	if cfg.ReqTimeoutSec > 0 {
		client.Timeout = time.Duration(cfg.ReqTimeoutSec) * time.Second
	}
	return &REST{
		HTTPClient: client,
		Cfg:        cfg,
	}
}

// Request creates a new GET request for the url.
func (r *REST) Request(ctx context.Context, method string, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Do sends the request and returns the response.
func (r *REST) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}
